// Package accounts persists the Spotify account linked to each chat user.
//
// There is at most one account per owner. Linking and relinking are upserts keyed by
// the owner id; a failed token refresh only flags the row, it never deletes it.
package accounts

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("account not found")

// Account is the external account linked to a chat user.
type Account struct {
	OwnerUserID         int64
	AccessToken         string
	RefreshToken        string
	TokenExpiresAt      time.Time
	ExternalAccountID   string // empty when the profile lookup failed
	ExternalDisplayName string
	NeedsReauth         bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ExpiresWithin reports whether the access token expires within d of now.
func (a *Account) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !a.TokenExpiresAt.After(now.Add(d))
}

// Store is the persistence contract used by linking and the token lifecycle.
type Store interface {
	// Get returns ErrNotFound when the owner has no linked account.
	Get(ctx context.Context, ownerUserID int64) (*Account, error)
	// Upsert creates or replaces the owner's account and clears NeedsReauth.
	// An empty RefreshToken or profile field keeps the stored value.
	Upsert(ctx context.Context, a *Account) error
	// UpdateTokens persists a refresh result. An empty refreshToken keeps the stored one.
	UpdateTokens(ctx context.Context, ownerUserID int64, accessToken, refreshToken string, expiresAt time.Time) error
	MarkNeedsReauth(ctx context.Context, ownerUserID int64) error
	// Delete unlinks the owner. It reports whether a row existed.
	Delete(ctx context.Context, ownerUserID int64) (bool, error)
	// ListExpiring returns owners whose token expires before the cutoff and that are not flagged.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]int64, error)
}
