package rag

import (
	"sync"
	"time"

	"github.com/askdocs/askdocs/internal/clock"
)

// State is the document index lifecycle state.
type State string

const (
	StateNotStarted State = "not_started"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateError      State = "error"
)

// Snapshot is a point-in-time view of the index state.
type Snapshot struct {
	State         State      `json:"state"`
	DocumentCount int        `json:"document_count"`
	LoadedAt      *time.Time `json:"loaded_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Status tracks the index lifecycle. It is safe for concurrent use: the
// loader drives transitions while the status endpoint reads snapshots.
type Status struct {
	mu       sync.Mutex
	clock    clock.Clock
	state    State
	count    int
	loadedAt time.Time
	lastErr  string
}

// NewStatus creates a Status in StateNotStarted.
func NewStatus(clk clock.Clock) *Status {
	if clk == nil {
		clk = clock.Real()
	}
	return &Status{clock: clk, state: StateNotStarted}
}

// BeginLoading transitions into StateLoading. Reloads from StateReady or
// StateError are allowed; the previous document count is kept visible
// until the reload finishes.
func (s *Status) BeginLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateLoading
	s.lastErr = ""
}

// Complete transitions into StateReady with the loaded document count.
func (s *Status) Complete(documents int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReady
	s.count = documents
	s.loadedAt = s.clock.Now()
	s.lastErr = ""
}

// Fail transitions into StateError, recording the cause.
func (s *Status) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	if err != nil {
		s.lastErr = err.Error()
	}
}

// Ready reports whether queries may be served.
func (s *Status) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// Snapshot returns the current view.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:         s.state,
		DocumentCount: s.count,
		LastError:     s.lastErr,
	}
	if !s.loadedAt.IsZero() {
		t := s.loadedAt
		snap.LoadedAt = &t
	}
	return snap
}
