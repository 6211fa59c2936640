// Package session manages chat sessions and their message history.
//
// A session is the unit of conversational continuity: the context window
// fed to the answer engine is drawn from the session's recent messages,
// and the janitor reclaims sessions that have gone idle.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by stores and the registry.
var (
	// ErrNotFound means the session ID does not exist. Unknown IDs are
	// rejected, never silently re-created: a caller holding a stale ID
	// must be told so it can start a fresh session.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicateID means a session with the same ID already exists.
	ErrDuplicateID = errors.New("session id already exists")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one this system stores.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Source is a document citation attached to an assistant message.
type Source struct {
	URL   string  `json:"url"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// Message is one turn in a session's history.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a chat session and its ordered history.
type Session struct {
	ID           uuid.UUID `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Messages     []Message `json:"messages"`
}

// Store persists sessions. Implementations must keep AppendMessage atomic
// with the activity bump so a session can never gain a message without
// its LastActiveAt moving forward.
type Store interface {
	// Create inserts a new session. Returns ErrDuplicateID on ID collision.
	Create(ctx context.Context, s *Session) error

	// Get returns the session with its full message history, oldest
	// first. Returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, id uuid.UUID) (*Session, error)

	// AppendMessage appends msg to the session's history and advances
	// LastActiveAt to msg.CreatedAt. Returns ErrNotFound for unknown IDs.
	AppendMessage(ctx context.Context, id uuid.UUID, msg Message) error

	// Recent returns up to limit of the session's most recent messages,
	// oldest first. Returns ErrNotFound for unknown IDs.
	Recent(ctx context.Context, id uuid.UUID, limit int) ([]Message, error)

	// DeleteIdleBefore removes every session whose LastActiveAt is before
	// cutoff and reports how many were removed.
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error)
}
