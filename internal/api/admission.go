package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/askdocs/askdocs/internal/ratelimit"
)

// rateLimitResponse is the 429 body. Clients key off type == "rate_limit"
// to distinguish admission rejections from the burst guard's bare 429.
type rateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
	ResetTime  string `json:"reset_time"`
	Type       string `json:"type"`
}

// setRateHeaders exposes the admission decision on every response that
// went through the check, accepted or not.
func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeRateLimited writes the 429 with Retry-After and the structured
// body telling the client exactly when to come back.
func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	setRateHeaders(w, d)
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Error:      "Rate limit exceeded",
		Message:    fmt.Sprintf("Please wait %d seconds before asking another question", d.RetryAfter),
		RetryAfter: d.RetryAfter,
		ResetTime:  d.ResetAt.UTC().Format(time.RFC3339),
		Type:       "rate_limit",
	})
}
