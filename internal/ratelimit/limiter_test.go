package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/clock"
	"github.com/askdocs/askdocs/internal/log"
)

func newTestLimiter(t *testing.T, window time.Duration, max int) (*Limiter, *clock.Fake, *MemoryStore) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	return NewLimiter(store, clk, window, max, log.NewNop()), clk, store
}

func TestAllow_FirstRequestAdmitted(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 1)

	d := l.Allow(context.Background(), "alice")

	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 0, d.RetryAfter)
	assert.Equal(t, clk.Now().Add(60*time.Second), d.ResetAt)
}

// Scenario: window=60s, max=1. Admit at t=0, reject at t=30 with
// retry_after=30, admit again at t=61.
func TestAllow_WindowLifecycle(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	start := clk.Now()

	d := l.Allow(ctx, "alice")
	require.True(t, d.Allowed)
	assert.Equal(t, start.Add(60*time.Second), d.ResetAt)

	clk.Advance(30 * time.Second)
	d = l.Allow(ctx, "alice")
	require.False(t, d.Allowed)
	assert.Equal(t, 30, d.RetryAfter)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, start.Add(60*time.Second), d.ResetAt)

	clk.Advance(31 * time.Second) // t = 61s
	d = l.Allow(ctx, "alice")
	assert.True(t, d.Allowed)
}

func TestAllow_ExactWindowBoundaryAdmits(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "alice").Allowed)
	clk.Advance(60 * time.Second)
	assert.True(t, l.Allow(ctx, "alice").Allowed, "now - start == window must admit")
}

// A rejected request must not move the stored anchor: rejections do not
// extend the user's wait.
func TestAllow_RejectionKeepsAnchor(t *testing.T) {
	l, clk, store := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "alice").Allowed)
	anchor, found, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)

	for range 5 {
		clk.Advance(5 * time.Second)
		require.False(t, l.Allow(ctx, "alice").Allowed)
	}

	after, found, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, anchor, after, "rejected requests must not rewrite the record")

	// 35s elapsed of a 60s window.
	d := l.Allow(ctx, "alice")
	require.False(t, d.Allowed)
	assert.Equal(t, 25, d.RetryAfter)
}

func TestAllow_RetryAfterFlooredAtOne(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "alice").Allowed)
	clk.Advance(59*time.Second + 900*time.Millisecond)

	d := l.Allow(ctx, "alice")
	require.False(t, d.Allowed)
	assert.Equal(t, 1, d.RetryAfter, "sub-second remainder must round up to 1")
}

func TestAllow_IdentitiesIndependent(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "alice").Allowed)
	clk.Advance(time.Second)

	assert.True(t, l.Allow(ctx, "bob").Allowed, "bob's window is separate from alice's")
	assert.False(t, l.Allow(ctx, "alice").Allowed)
}

func TestAllow_MultiSlotWindow(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 3)
	ctx := context.Background()

	start := clk.Now()

	for i := range 3 {
		d := l.Allow(ctx, "alice")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Equal(t, start.Add(60*time.Second), d.ResetAt, "anchor stays at first admission")
		clk.Advance(time.Second)
	}

	d := l.Allow(ctx, "alice")
	require.False(t, d.Allowed)
	assert.Equal(t, 57, d.RetryAfter)
}

// Two concurrent requests inside a single-slot window must admit exactly
// one, regardless of interleaving.
func TestAllow_ConcurrentSingleSlot(t *testing.T) {
	l, _, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	decisions := make([]Decision, goroutines)

	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i] = l.Allow(ctx, "bob")
		}()
	}
	wg.Wait()

	admitted := 0
	for _, d := range decisions {
		if d.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted, "exactly one concurrent request may win the slot")
}

type failingStore struct {
	getErr error
	casErr error
	inner  Store
}

func (f *failingStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if f.getErr != nil {
		return Record{}, false, f.getErr
	}
	return f.inner.Get(ctx, key)
}

func (f *failingStore) CompareAndSet(ctx context.Context, key string, old *Record, next Record, ttl time.Duration) (bool, error) {
	if f.casErr != nil {
		return false, f.casErr
	}
	return f.inner.CompareAndSet(ctx, key, old, next, ttl)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return f.inner.Delete(ctx, key)
}

func TestAllow_FailsOpenOnReadError(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store := &failingStore{getErr: errors.New("connection refused"), inner: NewMemoryStore(clk)}
	l := NewLimiter(store, clk, 60*time.Second, 1, log.NewNop())

	d := l.Allow(context.Background(), "alice")

	assert.True(t, d.Allowed, "store outage must not deny service")
	assert.True(t, d.FailedOpen)
}

func TestAllow_FailsOpenOnWriteError(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store := &failingStore{casErr: errors.New("broken pipe"), inner: NewMemoryStore(clk)}
	l := NewLimiter(store, clk, 60*time.Second, 1, log.NewNop())

	d := l.Allow(context.Background(), "alice")

	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)
}

func TestAllow_EmptyIdentityFailsOpen(t *testing.T) {
	l, _, _ := newTestLimiter(t, 60*time.Second, 1)

	d := l.Allow(context.Background(), "")

	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)
}

func TestStatus_DoesNotConsumeSlot(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	_, found, err := l.Status(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found, "no window before first request")

	require.True(t, l.Allow(ctx, "alice").Allowed)
	clk.Advance(10 * time.Second)

	d, found, err := l.Status(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, d.Allowed)
	assert.Equal(t, 50, d.RetryAfter)

	// Status must not have written anything: a fresh Status still sees
	// the same window.
	d2, _, err := l.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, d.ResetAt, d2.ResetAt)
}

func TestReset_ClearsWindow(t *testing.T) {
	l, _, _ := newTestLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "alice").Allowed)
	require.False(t, l.Allow(ctx, "alice").Allowed)

	require.NoError(t, l.Reset(ctx, "alice"))
	assert.True(t, l.Allow(ctx, "alice").Allowed)
}
