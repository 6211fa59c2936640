package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/identity"
	"github.com/askdocs/askdocs/internal/log"
	"github.com/askdocs/askdocs/internal/rag"
	"github.com/askdocs/askdocs/internal/ratelimit"
	"github.com/askdocs/askdocs/internal/session"
)

// maxQueryBytes caps the request body; documentation questions are short.
const maxQueryBytes = 64 << 10

type chatHandler struct {
	logger   log.Logger
	limiter  *ratelimit.Limiter
	sessions *session.Registry
	engine   rag.Engine

	// protected reports whether the path is subject to the admission
	// window. The burst guard still covers everything else.
	protected func(path string) bool
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type sourceNode struct {
	URL   string  `json:"url"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score,omitempty"`
}

type queryResponse struct {
	Success     bool         `json:"success"`
	Response    string       `json:"response"`
	SessionID   string       `json:"session_id"`
	SourceNodes []sourceNode `json:"source_nodes"`
}

// query handles POST /api/chat/query.
//
// Order matters: validation and session resolution run before the
// admission check, so malformed requests and stale session IDs never
// consume the caller's slot.
func (h *chatHandler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Query is required")
		return
	}

	var sess *session.Session
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "session_id must be a UUID")
			return
		}
		sess, err = h.sessions.Get(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist; create a new one")
			return
		}
		if err != nil {
			h.logger.Error("session lookup failed", "session_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "could not load session")
			return
		}
	} else {
		var err error
		sess, err = h.sessions.Create(r.Context())
		if err != nil {
			h.logger.Error("session create failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "could not create session")
			return
		}
	}

	if h.protected(r.URL.Path) {
		d := h.limiter.Allow(r.Context(), h.admissionKey(r, sess, req.SessionID != ""))
		if !d.Allowed {
			writeRateLimited(w, d)
			return
		}
		setRateHeaders(w, d)
	}

	history, err := h.sessions.ContextWindow(r.Context(), sess.ID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		h.logger.Error("context window load failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load history")
		return
	}

	if _, err := h.sessions.AppendMessage(r.Context(), sess.ID, session.RoleUser, req.Query, nil); err != nil {
		h.logger.Error("user message append failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not record message")
		return
	}

	ans, err := h.engine.Answer(r.Context(), req.Query, history)
	if err != nil {
		h.writeEngineError(w, sess.ID, err)
		return
	}

	if _, err := h.sessions.AppendMessage(r.Context(), sess.ID, session.RoleAssistant, ans.Text, ans.Sources); err != nil {
		// The answer exists; losing the history write should not turn a
		// served answer into a client-visible failure.
		h.logger.Error("assistant message append failed", "session_id", sess.ID, "error", err)
	}

	nodes := make([]sourceNode, 0, len(ans.Sources))
	for _, s := range ans.Sources {
		nodes = append(nodes, sourceNode{URL: s.URL, Title: s.Title, Score: s.Score})
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Success:     true,
		Response:    ans.Text,
		SessionID:   sess.ID.String(),
		SourceNodes: nodes,
	})
}

// admissionKey picks the rate-limit identity for the query. Header-derived
// user identity wins. An anonymous caller resuming a session it already
// holds is keyed by that session so NAT-sharing users do not steal each
// other's slots; a caller that supplied no session stays keyed by IP,
// otherwise every request could mint a fresh window.
func (h *chatHandler) admissionKey(r *http.Request, sess *session.Session, clientSupplied bool) string {
	id, ok := identityFromContext(r.Context())
	if !ok {
		return ""
	}
	if id.Kind == identity.KindAnon && clientSupplied && sess != nil {
		return string(identity.KindSession) + ":" + id.Platform + ":" + sess.ID.String()
	}
	return id.Key
}

func (h *chatHandler) writeEngineError(w http.ResponseWriter, sessionID uuid.UUID, err error) {
	switch {
	case errors.Is(err, rag.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "index_not_ready", "documentation is still loading; try again shortly")
	case errors.Is(err, rag.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "query_timeout", "the question took too long to answer; try a simpler one")
	case errors.Is(err, rag.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "engine_unavailable", "the answer engine is unavailable; try again later")
	default:
		h.logger.Error("query failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "query failed")
	}
}

type createSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

// createSession handles POST /api/chat/session.
func (h *chatHandler) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Create(r.Context())
	if err != nil {
		h.logger.Error("session create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		Success:   true,
		SessionID: sess.ID.String(),
	})
}

type messagesResponse struct {
	Success   bool              `json:"success"`
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
}

// getMessages handles GET /api/chat/session/{id}/messages.
func (h *chatHandler) getMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a UUID")
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", "session does not exist")
		return
	}
	if err != nil {
		h.logger.Error("session lookup failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load session")
		return
	}

	msgs := sess.Messages
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		Success:   true,
		SessionID: sess.ID.String(),
		Messages:  msgs,
	})
}
