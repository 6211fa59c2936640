package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/clock"
)

// createRetries bounds ID collision retries. Collisions on random UUIDs
// are effectively impossible; the loop exists so a collision degrades to
// a retried insert instead of a failed request.
const createRetries = 3

// DefaultContextWindow is the number of history messages handed to the
// answer engine when the caller does not configure one.
const DefaultContextWindow = 10

// Registry is the session API used by the HTTP layer. It owns ID
// generation, timestamping, and the context-window policy; storage is
// delegated to a Store.
type Registry struct {
	store         Store
	clock         clock.Clock
	contextWindow int
}

// NewRegistry creates a Registry. contextWindow <= 0 selects
// DefaultContextWindow.
func NewRegistry(store Store, clk clock.Clock, contextWindow int) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	return &Registry{
		store:         store,
		clock:         clk,
		contextWindow: contextWindow,
	}
}

// Create makes a new empty session and returns it.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	now := r.clock.Now()

	var lastErr error
	for range createRetries {
		s := &Session{
			ID:           uuid.New(),
			CreatedAt:    now,
			LastActiveAt: now,
		}
		err := r.store.Create(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrDuplicateID) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("create session: %w", lastErr)
}

// Get returns the session for id. Unknown IDs return ErrNotFound; callers
// must create a new session rather than expect resurrection.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.store.Get(ctx, id)
}

// AppendMessage validates and appends one turn to the session, stamping
// its ID and time. The session's activity clock advances with it.
func (r *Registry) AppendMessage(ctx context.Context, id uuid.UUID, role Role, content string, sources []Source) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("append message: invalid role %q", role)
	}
	msg := Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		Sources:   sources,
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.AppendMessage(ctx, id, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ContextWindow returns the most recent turns of the session, oldest
// first, bounded by the configured window size.
func (r *Registry) ContextWindow(ctx context.Context, id uuid.UUID) ([]Message, error) {
	return r.store.Recent(ctx, id, r.contextWindow)
}

// WindowSize returns the configured context window length.
func (r *Registry) WindowSize() int { return r.contextWindow }
