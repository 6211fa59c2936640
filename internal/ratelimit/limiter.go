package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/askdocs/askdocs/internal/clock"
	"github.com/askdocs/askdocs/internal/log"
)

// casRetries bounds the compare-and-set retry loop. Under contention a
// failed swap means another request just took a slot; re-reading converges
// in one or two rounds.
const casRetries = 3

// Limiter decides admission for one identity at one instant.
//
// Limiter is safe for concurrent use; all shared state lives in the Store.
type Limiter struct {
	store  Store
	clock  clock.Clock
	window time.Duration
	max    int
	logger log.Logger
}

// NewLimiter creates a Limiter over the given store.
// window is the admission window length; max is the number of admissions
// per window (1 for the classic "one question per minute" policy).
func NewLimiter(store Store, clk clock.Clock, window time.Duration, max int, logger log.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	if max < 1 {
		max = 1
	}
	return &Limiter{
		store:  store,
		clock:  clk,
		window: window,
		max:    max,
		logger: logger,
	}
}

// Allow checks whether a request from identity is admitted now and, if so,
// records it. Rejections leave the stored record untouched.
//
// Store failures fail OPEN: the request is admitted and the failure is
// logged. A storage outage must never become a blanket denial of service.
func (l *Limiter) Allow(ctx context.Context, identity string) Decision {
	if identity == "" {
		// Callers resolve identity with an IP fallback, so this indicates
		// a wiring bug rather than user input. Do not punish the request.
		l.logger.Warn("rate limit check with empty identity")
		return l.failOpen()
	}

	now := l.clock.Now()

	for range casRetries {
		rec, found, err := l.store.Get(ctx, identity)
		if err != nil {
			l.logger.Error("rate limit store read failed, failing open",
				"identity", identity, "error", err)
			return l.failOpen()
		}

		elapsed := now.Sub(rec.WindowStart)
		if !found || elapsed >= l.window {
			// No active window: open a new one anchored at now.
			var old *Record
			if found {
				prev := rec
				old = &prev
			}
			next := Record{WindowStart: now, Count: 1}
			swapped, err := l.store.CompareAndSet(ctx, identity, old, next, l.window)
			if err != nil {
				l.logger.Error("rate limit store write failed, failing open",
					"identity", identity, "error", err)
				return l.failOpen()
			}
			if swapped {
				return Decision{
					Allowed:   true,
					Limit:     l.max,
					Remaining: l.max - 1,
					ResetAt:   now.Add(l.window),
				}
			}
			continue // lost the race; re-read
		}

		if rec.Count < l.max {
			// Window active with free slots: take one without moving the
			// anchor.
			prev := rec
			next := Record{WindowStart: rec.WindowStart, Count: rec.Count + 1}
			ttl := l.window - elapsed
			if ttl < time.Second {
				ttl = time.Second
			}
			swapped, err := l.store.CompareAndSet(ctx, identity, &prev, next, ttl)
			if err != nil {
				l.logger.Error("rate limit store write failed, failing open",
					"identity", identity, "error", err)
				return l.failOpen()
			}
			if swapped {
				return Decision{
					Allowed:   true,
					Limit:     l.max,
					Remaining: l.max - next.Count,
					ResetAt:   rec.WindowStart.Add(l.window),
				}
			}
			continue
		}

		return l.reject(rec, now)
	}

	// Retries exhausted: concurrent requests drained the window between
	// our reads. Re-read once for an accurate reset time.
	rec, found, err := l.store.Get(ctx, identity)
	if err != nil || !found {
		if err != nil {
			l.logger.Error("rate limit store read failed, failing open",
				"identity", identity, "error", err)
		}
		return l.failOpen()
	}
	return l.reject(rec, now)
}

// Status reports the identity's current window without consuming a slot.
// Returns found=false when no active window exists.
func (l *Limiter) Status(ctx context.Context, identity string) (Decision, bool, error) {
	rec, found, err := l.store.Get(ctx, identity)
	if err != nil {
		return Decision{}, false, err
	}
	now := l.clock.Now()
	if !found || now.Sub(rec.WindowStart) >= l.window {
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max, ResetAt: now}, false, nil
	}
	d := l.reject(rec, now)
	d.Remaining = l.max - rec.Count
	if d.Remaining > 0 {
		d.Allowed = true
		d.RetryAfter = 0
	}
	return d, true, nil
}

// Reset clears the identity's window (admin operation).
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	return l.store.Delete(ctx, identity)
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Max returns the configured admissions per window.
func (l *Limiter) Max() int { return l.max }

func (l *Limiter) reject(rec Record, now time.Time) Decision {
	resetAt := rec.WindowStart.Add(l.window)
	retry := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return Decision{
		Allowed:    false,
		Limit:      l.max,
		Remaining:  0,
		RetryAfter: retry,
		ResetAt:    resetAt,
	}
}

func (l *Limiter) failOpen() Decision {
	now := l.clock.Now()
	return Decision{
		Allowed:    true,
		Limit:      l.max,
		Remaining:  l.max - 1,
		ResetAt:    now.Add(l.window),
		FailedOpen: true,
	}
}
