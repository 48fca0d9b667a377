// Package link runs the OAuth authorization-code hand-off that ties a Spotify account
// to a chat user: it builds the consent URL and turns the provider's callback into a
// stored account.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/spotlink/authstate"
	"github.com/onnwee/spotlink/spotify"
	"github.com/onnwee/spotlink/telemetry"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidOrExpiredState covers unknown, replayed, forged and expired states alike.
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")
	ErrProviderDenied        = errors.New("authorization denied by provider")
	ErrExchangeFailure       = errors.New("authorization code exchange failed")
)

// Provider is the subset of the Spotify client used while linking.
type Provider interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (*spotify.Token, error)
	FetchProfile(ctx context.Context, accessToken string) (*spotify.Profile, error)
}

// Builder produces the consent URL a chat user opens to start linking.
type Builder struct {
	states   authstate.Store
	provider Provider
}

func NewBuilder(states authstate.Store, provider Provider) *Builder {
	return &Builder{states: states, provider: provider}
}

// Build issues a fresh state for ownerUserID and returns the provider's consent URL.
// It does not contact the provider.
func (b *Builder) Build(ctx context.Context, ownerUserID int64) (string, error) {
	state, err := b.states.Issue(ctx, ownerUserID)
	if err != nil {
		return "", fmt.Errorf("issue auth state: %w", err)
	}
	telemetry.IncStatesIssued()
	return b.provider.AuthorizeURL(state), nil
}
