package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/askdocs/askdocs/internal/clock"
)

// MemoryStore is an in-process Store used when Redis is not configured.
//
// CompareAndSet is atomic under the store mutex, which is sufficient for a
// single-instance deployment. It does NOT protect a multi-instance
// deployment: each process would keep its own windows. Deployments running
// more than one replica must configure the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clk,
	}
}

// Get implements Store. Expired entries read as absent and are evicted
// lazily; stale records are harmless, they just occupy memory until the
// next read.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	if !s.clock.Now().Before(ent.expiresAt) {
		delete(s.entries, key)
		return Record{}, false, nil
	}
	return ent.rec, true, nil
}

// CompareAndSet implements Store.
func (s *MemoryStore) CompareAndSet(_ context.Context, key string, old *Record, next Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ent, exists := s.entries[key]
	if exists && !now.Before(ent.expiresAt) {
		delete(s.entries, key)
		exists = false
	}

	if old == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || !ent.rec.WindowStart.Equal(old.WindowStart) || ent.rec.Count != old.Count {
			return false, nil
		}
	}

	s.entries[key] = memoryEntry{rec: next, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the number of live entries (expired entries may be counted
// until their next read). Intended for tests and diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
