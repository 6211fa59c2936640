package api

import (
	"net/http"
	"time"

	"github.com/askdocs/askdocs/internal/log"
	"github.com/askdocs/askdocs/internal/rag"
	"github.com/askdocs/askdocs/internal/ratelimit"
)

// health handles GET /api/health. Liveness only; it must answer even
// when every backend is down.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusHandler struct {
	logger    log.Logger
	limiter   *ratelimit.Limiter
	docStatus *rag.Status
}

type rateLimitStatus struct {
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
	Remaining     int    `json:"remaining"`
	ResetTime     string `json:"reset_time,omitempty"`
}

type statusResponse struct {
	Status    string          `json:"status"`
	Documents rag.Snapshot    `json:"documents"`
	RateLimit rateLimitStatus `json:"rate_limit"`
}

// status handles GET /api/status. It reports the index state and the
// caller's own admission window without consuming a slot.
func (h *statusHandler) status(w http.ResponseWriter, r *http.Request) {
	rl := rateLimitStatus{
		WindowSeconds: int(h.limiter.Window().Seconds()),
		MaxRequests:   h.limiter.Max(),
		Remaining:     h.limiter.Max(),
	}

	if id, ok := identityFromContext(r.Context()); ok {
		d, found, err := h.limiter.Status(r.Context(), id.Key)
		if err != nil {
			// The probe is informational; report the optimistic default.
			h.logger.Warn("rate limit status probe failed", "identity", id.Key, "error", err)
		} else if found {
			rl.Remaining = d.Remaining
			rl.ResetTime = d.ResetAt.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "ok",
		Documents: h.docStatus.Snapshot(),
		RateLimit: rl,
	})
}
