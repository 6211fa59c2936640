// Package rag implements the retrieval-augmented answer pipeline:
// documents are crawled and embedded into PostgreSQL/pgvector, queries
// retrieve the nearest chunks, and a generative model writes the answer
// grounded on them.
package rag

import (
	"context"
	"errors"

	"github.com/askdocs/askdocs/internal/session"
)

// Pipeline errors surfaced to the HTTP layer, which maps them onto
// status codes.
var (
	// ErrTimeout means the query exceeded its processing deadline.
	ErrTimeout = errors.New("query timed out")

	// ErrUnavailable means the model or vector store could not be reached.
	ErrUnavailable = errors.New("answer engine unavailable")

	// ErrNotReady means the document index has not finished loading.
	ErrNotReady = errors.New("document index not ready")
)

// Answer is the result of one query.
type Answer struct {
	// Text is the generated answer.
	Text string

	// Sources are the documents the answer was grounded on, best first.
	Sources []session.Source
}

// Engine answers questions against the indexed documentation. History is
// the session's recent turns, oldest first; implementations fold it into
// the prompt so follow-up questions resolve correctly.
type Engine interface {
	Answer(ctx context.Context, query string, history []session.Message) (*Answer, error)
}
