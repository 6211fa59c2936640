package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/askdocs/askdocs/internal/log"
	"github.com/askdocs/askdocs/internal/session"
)

// DefaultTopK is the number of documents retrieved per query.
const DefaultTopK = 4

// retriever is the slice of DocumentStore the engine needs.
type retriever interface {
	Search(ctx context.Context, query string, topK int) ([]Document, error)
}

// generator produces the answer text from the assembled prompt. Separated
// from the engine so tests can substitute the model call.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// genkitGenerator calls the configured model through Genkit.
type genkitGenerator struct {
	g     *genkit.Genkit
	model string
}

func (gg *genkitGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := genkit.Generate(ctx, gg.g,
		ai.WithModelName(gg.model),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GenkitEngine is the production Engine: retrieve nearest chunks, fold
// them and the session history into a prompt, generate.
type GenkitEngine struct {
	status    *Status
	retriever retriever
	generator generator
	topK      int
	timeout   time.Duration
	logger    log.Logger
}

// NewGenkitEngine creates the engine. timeout bounds the whole query
// (retrieval plus generation); topK <= 0 selects DefaultTopK.
func NewGenkitEngine(g *genkit.Genkit, model string, store *DocumentStore, status *Status, topK int, timeout time.Duration, logger log.Logger) *GenkitEngine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	gen := newRetryingGenerator(&genkitGenerator{g: g, model: model}, DefaultRetryConfig(), logger)
	return &GenkitEngine{
		status:    status,
		retriever: store,
		generator: gen,
		topK:      topK,
		timeout:   timeout,
		logger:    logger,
	}
}

// Answer implements Engine.
func (e *GenkitEngine) Answer(ctx context.Context, query string, history []session.Message) (*Answer, error) {
	if e.status != nil && !e.status.Ready() {
		return nil, ErrNotReady
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	docs, err := e.retriever.Search(ctx, query, e.topK)
	if err != nil {
		return nil, e.classify("retrieval", err)
	}

	answer, err := e.generator.Generate(ctx, buildPrompt(query, history, docs))
	if err != nil {
		return nil, e.classify("generation", err)
	}

	sources := make([]session.Source, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, session.Source{URL: d.URL, Title: d.Title, Score: d.Score})
	}
	return &Answer{Text: answer, Sources: sources}, nil
}

// classify maps pipeline failures onto the package sentinels so the HTTP
// layer can pick status codes without inspecting provider errors.
func (e *GenkitEngine) classify(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("query deadline exceeded", "stage", stage, "timeout", e.timeout)
		return fmt.Errorf("%s: %w", stage, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	e.logger.Error("query stage failed", "stage", stage, "error", err)
	return fmt.Errorf("%s: %v: %w", stage, err, ErrUnavailable)
}

// buildPrompt assembles the grounded prompt: instructions, retrieved
// context, recent conversation, then the question.
func buildPrompt(query string, history []session.Message, docs []Document) string {
	var b strings.Builder

	b.WriteString("You are a documentation assistant. Answer using only the provided context. ")
	b.WriteString("If the context does not contain the answer, say you don't know and suggest where to look.\n\n")

	if len(docs) == 0 {
		b.WriteString("Context: (no matching documentation found)\n\n")
	} else {
		b.WriteString("Context:\n")
		for i, d := range docs {
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, d.Title, d.URL, d.Content)
		}
	}

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}
