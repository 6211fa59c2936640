// Package ratelimit implements per-identity admission control in front of
// the RAG query pipeline.
//
// The policy is a fixed window that only slides on success: the record
// anchoring a window is written when a request is admitted and is never
// touched by rejected requests, so a flood of rejected calls cannot push
// a user's reset time forward.
//
// The record store is shared across all front-ends (web sessions, bot
// users), which is what makes cross-channel behavior consistent: any
// process consulting the same store sees the same window.
package ratelimit

import (
	"context"
	"time"
)

// Record is the stored window state for one identity.
// At most one record exists per identity at any time; admitting a request
// either opens a new window (replacing the record) or increments the count
// within the current one. Rejections never modify it.
type Record struct {
	// WindowStart anchors the current window. Set when the window opens,
	// unchanged until the window expires.
	WindowStart time.Time

	// Count is the number of admitted requests in the current window.
	Count int
}

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed downstream.
	Allowed bool

	// Limit is the configured number of admissions per window.
	Limit int

	// Remaining is the number of admissions left in the current window
	// after this decision.
	Remaining int

	// RetryAfter is the whole seconds until the window resets. Zero when
	// admitted; at least 1 when rejected.
	RetryAfter int

	// ResetAt is the absolute time the current window ends.
	ResetAt time.Time

	// FailedOpen reports that the decision was forced to "allowed"
	// because the backing store was unreachable.
	FailedOpen bool
}

// Store is the narrow interface over the shared record store.
//
// Implementations must make CompareAndSet atomic per key: the read-check-
// write must not interleave with a concurrent CompareAndSet on the same
// key, otherwise two racing requests can both be admitted into a
// single-slot window.
type Store interface {
	// Get returns the record for key. The second return is false when no
	// record exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// CompareAndSet writes next only if the current record equals old.
	// A nil old means "create only if absent". Returns false (and no
	// error) when the comparison failed because of a concurrent write.
	// The record expires from the store after ttl.
	CompareAndSet(ctx context.Context, key string, old *Record, next Record, ttl time.Duration) (bool, error)

	// Delete removes the record for key, resetting the identity's window.
	Delete(ctx context.Context, key string) error
}
