// Package tokens hands out valid Spotify access tokens for linked users, refreshing them
// shortly before expiry. Concurrent requests for the same user share one refresh.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/spotlink/accounts"
	"github.com/onnwee/spotlink/spotify"
	"github.com/onnwee/spotlink/telemetry"
)

var (
	ErrNotLinked      = errors.New("no linked account")
	ErrReauthRequired = errors.New("account needs re-authorization")
	// ErrRefreshFailure is terminal for the attempt: the account is flagged and no token
	// is issued until the user links again.
	ErrRefreshFailure = errors.New("token refresh failed")
)

const (
	DefaultMargin     = 60 * time.Second
	DefaultTimeout    = 10 * time.Second
	DefaultRetryDelay = 500 * time.Millisecond
)

// Provider refreshes an access token. Token.RefreshToken is empty when not rotated.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*spotify.Token, error)
}

// Manager implements the access-token lifecycle on top of an accounts.Store.
type Manager struct {
	store    accounts.Store
	provider Provider
	group    singleflight.Group
	now      func() time.Time

	// Margin is how close to expiry a stored token is still handed out.
	Margin time.Duration
	// Timeout bounds each provider call; the retry gets a fresh one.
	Timeout    time.Duration
	RetryDelay time.Duration
}

func NewManager(store accounts.Store, provider Provider) *Manager {
	return &Manager{
		store:      store,
		provider:   provider,
		now:        time.Now,
		Margin:     DefaultMargin,
		Timeout:    DefaultTimeout,
		RetryDelay: DefaultRetryDelay,
	}
}

// GetValidToken returns an access token for ownerUserID, or false when there is none:
// the user never linked, needs to relink, or the refresh just failed.
func (m *Manager) GetValidToken(ctx context.Context, ownerUserID int64) (string, bool) {
	tok, err := m.Token(ctx, ownerUserID)
	if err != nil {
		if !errors.Is(err, ErrNotLinked) {
			telemetry.LoggerWithCorr(ctx).Debug("no valid token",
				slog.Int64("owner_user_id", ownerUserID), slog.Any("err", err), slog.String("component", "tokens"))
		}
		return "", false
	}
	return tok, true
}

// Token is GetValidToken with the reason for a missing token.
func (m *Manager) Token(ctx context.Context, ownerUserID int64) (string, error) {
	acct, err := m.load(ctx, ownerUserID)
	if err != nil {
		return "", err
	}
	if !acct.ExpiresWithin(m.now(), m.Margin) {
		return acct.AccessToken, nil
	}
	return m.flight(ctx, ownerUserID, m.Margin)
}

// Refresh refreshes the owner's token unless it is already valid for longer than window.
// A zero window forces a refresh.
func (m *Manager) Refresh(ctx context.Context, ownerUserID int64, window time.Duration) error {
	_, err := m.flight(ctx, ownerUserID, window)
	return err
}

func (m *Manager) load(ctx context.Context, ownerUserID int64) (*accounts.Account, error) {
	acct, err := m.store.Get(ctx, ownerUserID)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, ErrNotLinked
	}
	if err != nil {
		return nil, err
	}
	if acct.NeedsReauth {
		return nil, ErrReauthRequired
	}
	return acct, nil
}

// flight joins or starts the single refresh for ownerUserID. The caller may stop waiting
// when ctx ends; the flight itself runs to completion on a detached context.
func (m *Manager) flight(ctx context.Context, ownerUserID int64, window time.Duration) (string, error) {
	key := strconv.FormatInt(ownerUserID, 10)
	ch := m.group.DoChan(key, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), ownerUserID, window)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, ownerUserID int64, window time.Duration) (tok string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tokens.refresh", telemetry.OwnerAttr(ownerUserID))
	defer func() { telemetry.EndSpan(span, err) }()

	// another flight may have finished between the caller's read and this one
	acct, err := m.load(ctx, ownerUserID)
	if err != nil {
		return "", err
	}
	if window > 0 && !acct.ExpiresWithin(m.now(), window) {
		return acct.AccessToken, nil
	}
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.Int64("owner_user_id", ownerUserID), slog.String("component", "tokens"))

	var next *spotify.Token
	telemetry.TimeFunc(telemetry.RefreshDuration, func() {
		next, err = m.attempt(ctx, acct.RefreshToken)
		if err != nil && spotify.IsTransient(err) {
			logger.Warn("transient refresh failure, retrying once", slog.Any("err", err))
			time.Sleep(m.RetryDelay)
			next, err = m.attempt(ctx, acct.RefreshToken)
		}
	})
	if err != nil {
		telemetry.IncTokenRefresh("failed")
		logger.Warn("token refresh failed; account needs re-authorization", slog.Any("err", err))
		if merr := m.store.MarkNeedsReauth(ctx, ownerUserID); merr != nil {
			logger.Error("mark needs_reauth failed", slog.Any("err", merr))
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}

	if err := m.store.UpdateTokens(ctx, ownerUserID, next.AccessToken, next.RefreshToken, next.ExpiresAt); err != nil {
		telemetry.IncTokenRefresh("store_error")
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	outcome := "refreshed"
	if next.RefreshToken != "" {
		outcome = "rotated"
	}
	telemetry.IncTokenRefresh(outcome)
	logger.Info("token refreshed", slog.Bool("rotated", next.RefreshToken != ""), slog.Time("expires_at", next.ExpiresAt))
	return next.AccessToken, nil
}

// attempt is one provider call under its own deadline.
func (m *Manager) attempt(ctx context.Context, refreshToken string) (*spotify.Token, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.provider.Refresh(ctx, refreshToken)
}
