package rag

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/askdocs/askdocs/internal/log"
)

// VectorDimension is the embedding width stored in the documents table.
// Must match the vector(N) column in the schema.
const VectorDimension int32 = 768

// Document is one indexed documentation page (or chunk of one).
type Document struct {
	ID      uuid.UUID
	URL     string
	Title   string
	Content string

	// Score is the cosine similarity to the query, populated by Search.
	Score float64
}

// DocumentStore manages embedded documents in PostgreSQL/pgvector.
// It generates embeddings on write and performs nearest-neighbor search
// on read.
//
// DocumentStore is safe for concurrent use.
type DocumentStore struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   log.Logger
}

// NewDocumentStore creates a store over an existing pool and embedder.
func NewDocumentStore(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger) *DocumentStore {
	return &DocumentStore{pool: pool, embedder: embedder, logger: logger}
}

// Upsert embeds the document and writes it, replacing any previous row
// for the same URL so re-crawls update in place.
func (s *DocumentStore) Upsert(ctx context.Context, doc Document) error {
	vec, err := s.embed(ctx, doc.Content)
	if err != nil {
		return err
	}

	id := doc.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, url, title, content, embedding, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (url) DO UPDATE SET
		   title = EXCLUDED.title,
		   content = EXCLUDED.content,
		   embedding = EXCLUDED.embedding,
		   updated_at = now()`,
		id, doc.URL, doc.Title, doc.Content, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Search returns the topK documents nearest to the query by cosine
// similarity, best first.
func (s *DocumentStore) Search(ctx context.Context, query string, topK int) ([]Document, error) {
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, url, title, content, 1 - (embedding <=> $1) AS score
		 FROM documents
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.URL, &d.Title, &d.Content, &d.Score); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// Count returns the number of indexed documents.
func (s *DocumentStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *DocumentStore) embed(ctx context.Context, text string) ([]float32, error) {
	dim := VectorDimension
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed: no embeddings returned")
	}
	return resp.Embeddings[0].Embedding, nil
}
