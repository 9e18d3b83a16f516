package token

import (
	"context"
	"time"

	"crewgate.org/internal/identity"
	"crewgate.org/internal/obs"
)

const (
	defaultSweepInterval = time.Hour
	defaultSweepGrace    = 7 * 24 * time.Hour
	attemptRetention     = 24 * time.Hour
)

// Sweeper is routine storage maintenance: it deletes refresh tokens past
// expiry plus a grace period and prunes old verification attempts. It is not
// correctness-critical; revocation and expiry checks never depend on it.
type Sweeper struct {
	store    identity.Store
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

// NewSweeper constructs a Sweeper with default interval and grace.
func NewSweeper(store identity.Store) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: defaultSweepInterval,
		grace:    defaultSweepGrace,
		now:      time.Now,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()

	tokens, err := s.store.RefreshTokens(ctx).DeleteExpired(ctx, now.Add(-s.grace))
	if err != nil {
		obs.Log("warn", "refresh token sweep failed", map[string]any{"error": err.Error()})
	}
	attempts, err := s.store.Attempts(ctx).DeleteBefore(ctx, now.Add(-attemptRetention))
	if err != nil {
		obs.Log("warn", "attempt sweep failed", map[string]any{"error": err.Error()})
	}
	if tokens > 0 || attempts > 0 {
		obs.Log("info", "sweep complete", map[string]any{
			"refresh_tokens_deleted": tokens,
			"attempts_deleted":       attempts,
		})
	}
}
