package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL so history survives
// restarts and is shared across server instances.
//
// Messages carry a per-session sequence number assigned under a row lock
// on the session, which gives a total order even when two requests append
// to the same session concurrently.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, created_at, last_active_at) VALUES ($1, $2, $3)`,
		sess.ID, sess.CreatedAt, sess.LastActiveAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess := &Session{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT created_at, last_active_at FROM sessions WHERE id = $1`,
		id).Scan(&sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, sources, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq`,
		id)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return sess, nil
}

// AppendMessage implements Store.
func (s *PostgresStore) AppendMessage(ctx context.Context, id uuid.UUID, msg Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the session row: the seq assignment below must not race with
	// another append to the same session.
	var lastActive time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_active_at FROM sessions WHERE id = $1 FOR UPDATE`,
		id).Scan(&lastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}

	sources, err := encodeSources(msg.Sources)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, sources, created_at)
		 VALUES ($1, $2,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $2),
		         $3, $4, $5, $6)`,
		msg.ID, id, msg.Role, msg.Content, sources, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if msg.CreatedAt.After(lastActive) {
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET last_active_at = $2 WHERE id = $1`,
			id, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, id uuid.UUID, limit int) ([]Message, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, sources, created_at FROM (
		   SELECT id, role, content, sources, created_at, seq
		   FROM messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
		 ) t ORDER BY seq`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return msgs, nil
}

// DeleteIdleBefore implements Store. Messages go with their session via
// the foreign key cascade.
func (s *PostgresStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE last_active_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanMessage(rows pgx.Rows) (Message, error) {
	var (
		msg     Message
		sources []byte
	)
	if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &sources, &msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &msg.Sources); err != nil {
			return Message{}, fmt.Errorf("decode sources: %w", err)
		}
	}
	return msg, nil
}

func encodeSources(sources []Source) ([]byte, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	return data, nil
}
