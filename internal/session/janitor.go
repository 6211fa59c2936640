package session

import (
	"context"
	"time"

	"github.com/askdocs/askdocs/internal/clock"
	"github.com/askdocs/askdocs/internal/log"
)

// Janitor periodically removes sessions that have been idle longer than
// the TTL. It runs until its context is canceled.
type Janitor struct {
	store    Store
	clock    clock.Clock
	ttl      time.Duration
	interval time.Duration
	logger   log.Logger
}

// NewJanitor creates a Janitor. ttl is the idle lifetime of a session;
// interval is how often the sweep runs.
func NewJanitor(store Store, clk clock.Clock, ttl, interval time.Duration, logger log.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Janitor{
		store:    store,
		clock:    clk,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks sweeping on each tick until ctx is canceled. Sweep failures
// are logged and retried on the next tick; the loop itself never dies.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("session janitor started",
		"ttl", j.ttl, "interval", j.interval)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("session janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep removes idle sessions once and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := j.clock.Now().Add(-j.ttl)
	removed, err := j.store.DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("session sweep failed", "error", err)
		return 0
	}
	if removed > 0 {
		j.logger.Info("expired sessions removed",
			"count", removed, "idle_ttl", j.ttl)
	}
	return removed
}
