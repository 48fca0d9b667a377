package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/spotlink/accounts"
	"github.com/onnwee/spotlink/authstate"
	"github.com/onnwee/spotlink/spotify"
	"github.com/onnwee/spotlink/telemetry"
)

// Phase is the progress of one callback. Every callback ends in Linked or Failed.
type Phase int

const (
	Received Phase = iota
	StateValidated
	Exchanging
	Linked
	Failed
)

func (p Phase) String() string {
	switch p {
	case Received:
		return "received"
	case StateValidated:
		return "state_validated"
	case Exchanging:
		return "exchanging"
	case Linked:
		return "linked"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// CallbackRequest carries the query parameters of the provider redirect.
type CallbackRequest struct {
	Code  string
	State string
	Error string
}

// Result describes a successful link.
type Result struct {
	OwnerUserID int64
	Account     *accounts.Account
}

const (
	DefaultExchangeTimeout = 10 * time.Second
	DefaultProfileTimeout  = 5 * time.Second
)

// Callback completes the authorization-code flow.
type Callback struct {
	states   authstate.Store
	provider Provider
	accounts accounts.Store

	ExchangeTimeout time.Duration
	ProfileTimeout  time.Duration
}

func NewCallback(states authstate.Store, provider Provider, store accounts.Store) *Callback {
	return &Callback{
		states:          states,
		provider:        provider,
		accounts:        store,
		ExchangeTimeout: DefaultExchangeTimeout,
		ProfileTimeout:  DefaultProfileTimeout,
	}
}

// Handle validates the callback, exchanges the code and stores the account.
// Failures wrap one of ErrInvalidRequest, ErrInvalidOrExpiredState, ErrProviderDenied
// or ErrExchangeFailure; any other error is a storage failure.
func (c *Callback) Handle(ctx context.Context, req CallbackRequest) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "link.callback")
	phase := Received
	defer func() {
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Info("link callback failed",
				slog.String("phase", phase.String()),
				slog.String("reason", Outcome(err)),
				slog.Any("err", err),
				slog.String("component", "link"))
		}
		telemetry.IncLinkCallback(Outcome(err))
		telemetry.EndSpan(span, err)
	}()

	if req.Error != "" {
		// burn the state so it cannot be paired with another code later
		if req.State != "" {
			_, _, _ = c.states.Consume(ctx, req.State)
		}
		return nil, fmt.Errorf("%w: %s", ErrProviderDenied, req.Error)
	}
	if req.Code == "" || req.State == "" {
		return nil, fmt.Errorf("%w: missing code or state", ErrInvalidRequest)
	}

	owner, ok, err := c.states.Consume(ctx, req.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrExpiredState, err)
	}
	if !ok {
		return nil, ErrInvalidOrExpiredState
	}
	phase = StateValidated
	span.SetAttributes(telemetry.OwnerAttr(owner))

	phase = Exchanging
	exCtx, cancel := context.WithTimeout(ctx, c.ExchangeTimeout)
	var tok *spotify.Token
	telemetry.TimeFunc(telemetry.ExchangeDuration, func() {
		tok, err = c.provider.Exchange(exCtx, req.Code)
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailure, err)
	}

	acct := &accounts.Account{
		OwnerUserID:    owner,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.ExpiresAt,
	}

	pCtx, pCancel := context.WithTimeout(ctx, c.ProfileTimeout)
	profile, perr := c.provider.FetchProfile(pCtx, tok.AccessToken)
	pCancel()
	if perr != nil {
		telemetry.LoggerWithCorr(ctx).Warn("spotify profile lookup failed; linking without profile",
			slog.Int64("owner_user_id", owner), slog.Any("err", perr), slog.String("component", "link"))
	} else {
		acct.ExternalAccountID = profile.ID
		acct.ExternalDisplayName = profile.DisplayName
	}

	if err := c.accounts.Upsert(ctx, acct); err != nil {
		return nil, fmt.Errorf("store linked account: %w", err)
	}
	phase = Linked
	telemetry.LoggerWithCorr(ctx).Info("spotify account linked",
		slog.Int64("owner_user_id", owner),
		slog.String("spotify_user", acct.ExternalAccountID),
		slog.String("component", "link"))
	return &Result{OwnerUserID: owner, Account: acct}, nil
}

// Outcome maps a Handle error to a short label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "linked"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidOrExpiredState):
		return "invalid_state"
	case errors.Is(err, ErrProviderDenied):
		return "provider_denied"
	case errors.Is(err, ErrExchangeFailure):
		return "exchange_failure"
	default:
		return "store_error"
	}
}
