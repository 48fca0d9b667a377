package tokens

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultRefreshWindow   = 15 * time.Minute

	refreshBatch = 100
)

// Lister finds linked accounts whose token expires before a cutoff.
type Lister interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

// StartRefresher launches a goroutine that periodically refreshes tokens expiring within
// window, so interactive requests rarely wait on the provider.
func StartRefresher(ctx context.Context, lister Lister, mgr *Manager, interval, window time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	// spread instances that start together
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			RefreshExpiring(ctx, lister, mgr, window)

			// ±20% of interval
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// RefreshExpiring runs one refresher pass and returns how many tokens were refreshed.
func RefreshExpiring(ctx context.Context, lister Lister, mgr *Manager, window time.Duration) int {
	owners, err := lister.ListExpiring(ctx, mgr.now().Add(window), refreshBatch)
	if err != nil {
		slog.Warn("list expiring accounts failed", slog.Any("err", err), slog.String("component", "tokens"))
		return 0
	}
	refreshed := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		if err := mgr.Refresh(ctx, owner, window); err != nil {
			if !errors.Is(err, ErrRefreshFailure) && !errors.Is(err, ErrReauthRequired) && !errors.Is(err, ErrNotLinked) {
				slog.Warn("proactive refresh failed", slog.Int64("owner_user_id", owner), slog.Any("err", err), slog.String("component", "tokens"))
			}
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		slog.Info("proactive token refresh pass", slog.Int("refreshed", refreshed), slog.Int("candidates", len(owners)))
	}
	return refreshed
}
