package rag

import (
	"context"
	"strings"
	"time"

	"github.com/askdocs/askdocs/internal/log"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// retryablePatterns groups transient-error substrings, matched
// case-insensitively against err.Error().
//
// String matching because the provider SDKs do not expose typed errors
// for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "temporary"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}

// retryingGenerator wraps a generator with exponential-backoff retries on
// transient provider failures. The query deadline still bounds the whole
// thing: a canceled context stops the loop immediately.
type retryingGenerator struct {
	inner  generator
	cfg    RetryConfig
	logger log.Logger
}

func newRetryingGenerator(inner generator, cfg RetryConfig, logger log.Logger) *retryingGenerator {
	return &retryingGenerator{inner: inner, cfg: cfg, logger: logger}
}

func (rg *retryingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := rg.cfg.InitialInterval

	for attempt := 0; attempt <= rg.cfg.MaxRetries; attempt++ {
		text, err := rg.inner.Generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryableError(err) {
			return "", err
		}
		if attempt == rg.cfg.MaxRetries {
			break
		}

		rg.logger.Debug("retrying model call",
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > rg.cfg.MaxInterval {
			delay = rg.cfg.MaxInterval
		}
	}
	return "", lastErr
}
