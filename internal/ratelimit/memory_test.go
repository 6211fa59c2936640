package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/clock"
)

func TestMemoryStore_GetAbsent(t *testing.T) {
	s := NewMemoryStore(clock.NewFake(time.Now()))

	_, found, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_CreateIfAbsent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()
	rec := Record{WindowStart: clk.Now(), Count: 1}

	swapped, err := s.CompareAndSet(ctx, "alice", nil, rec, time.Minute)
	require.NoError(t, err)
	assert.True(t, swapped)

	// Second create against the same key must lose.
	swapped, err = s.CompareAndSet(ctx, "alice", nil, rec, time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, found, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)
}

func TestMemoryStore_SwapRequiresMatch(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()

	cur := Record{WindowStart: clk.Now(), Count: 1}
	_, err := s.CompareAndSet(ctx, "alice", nil, cur, time.Minute)
	require.NoError(t, err)

	stale := Record{WindowStart: cur.WindowStart, Count: 2}
	swapped, err := s.CompareAndSet(ctx, "alice", &stale, Record{WindowStart: cur.WindowStart, Count: 3}, time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped, "mismatched expected record must not swap")

	swapped, err = s.CompareAndSet(ctx, "alice", &cur, Record{WindowStart: cur.WindowStart, Count: 2}, time.Minute)
	require.NoError(t, err)
	assert.True(t, swapped)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()

	_, err := s.CompareAndSet(ctx, "alice", nil, Record{WindowStart: clk.Now(), Count: 1}, time.Minute)
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	_, found, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)

	clk.Advance(time.Second)
	_, found, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found, "entry must expire at its TTL")
	assert.Equal(t, 0, s.Len(), "expired entry is evicted on read")
}

func TestMemoryStore_CreateAfterExpiry(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()

	_, err := s.CompareAndSet(ctx, "alice", nil, Record{WindowStart: clk.Now(), Count: 1}, time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	// The old entry is expired, so create-if-absent succeeds without a read.
	swapped, err := s.CompareAndSet(ctx, "alice", nil, Record{WindowStart: clk.Now(), Count: 1}, time.Minute)
	require.NoError(t, err)
	assert.True(t, swapped)
}

func TestMemoryStore_Delete(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()

	_, err := s.CompareAndSet(ctx, "alice", nil, Record{WindowStart: clk.Now(), Count: 1}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "alice"))
	_, found, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is a no-op.
	assert.NoError(t, s.Delete(ctx, "missing"))
}

func TestMemoryStore_ConcurrentCreateAdmitsOne(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()
	rec := Record{WindowStart: clk.Now(), Count: 1}

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make([]bool, goroutines)

	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			swapped, err := s.CompareAndSet(ctx, "alice", nil, rec, time.Minute)
			assert.NoError(t, err)
			wins[i] = swapped
		}()
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one create-if-absent may win")
}
