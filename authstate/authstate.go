// Package authstate issues and consumes the single-use anti-forgery states that tie an
// OAuth callback back to the chat user who started the flow.
//
// A state is consumed at most once: the read that returns the owner also removes the
// state. Unknown, already consumed and expired states are indistinguishable to callers.
package authstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long a user has to complete the provider consent screen.
const DefaultTTL = 10 * time.Minute

// tokenBytes of entropy per state (256 bits).
const tokenBytes = 32

var ErrTooManyPending = errors.New("too many pending authorization states")

// Store is implemented by MemoryStore, RedisStore and SQLStore.
type Store interface {
	// Issue creates a fresh state bound to ownerUserID.
	Issue(ctx context.Context, ownerUserID int64) (string, error)
	// Consume atomically removes the state and returns its owner. ok is false when the
	// state is unknown, already consumed or expired; err only reports backend failures.
	Consume(ctx context.Context, token string) (ownerUserID int64, ok bool, err error)
}

// Sweeper is implemented by stores that need expired states purged explicitly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// NewToken returns a URL-safe random token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StartSweeper purges expired states every interval until ctx is done.
func StartSweeper(ctx context.Context, s Sweeper, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					slog.Warn("auth state sweep failed", slog.Any("err", err), slog.String("component", "authstate"))
					continue
				}
				if n > 0 {
					slog.Debug("expired auth states removed", slog.Int("count", n), slog.String("component", "authstate"))
				}
			}
		}
	}()
}
