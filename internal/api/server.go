package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/askdocs/askdocs/internal/identity"
	"github.com/askdocs/askdocs/internal/rag"
	"github.com/askdocs/askdocs/internal/ratelimit"
	"github.com/askdocs/askdocs/internal/session"
)

// ServerConfig contains everything needed to build the API server.
type ServerConfig struct {
	Logger    *slog.Logger
	Limiter   *ratelimit.Limiter // Required: per-identity admission
	Sessions  *session.Registry  // Required
	Engine    rag.Engine         // Required
	DocStatus *rag.Status        // Required: index state for /api/status

	Resolver    *identity.Resolver // nil = no proxy trust
	CORSOrigins []string           // Allowed origins for CORS

	// ProtectedPaths are subject to the admission window. Empty selects
	// the default of the query endpoint only.
	ProtectedPaths []string

	// RateBurst is the per-IP burst guard bucket size (0 = default 60).
	RateBurst int
}

// defaultProtectedPaths is the admission surface when none is configured.
var defaultProtectedPaths = []string{"/api/chat/query"}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("answer engine is required")
	}
	if cfg.DocStatus == nil {
		return nil, errors.New("document status is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = identity.NewResolver(false)
	}

	protectedPaths := cfg.ProtectedPaths
	if len(protectedPaths) == 0 {
		protectedPaths = defaultProtectedPaths
	}
	protectedSet := make(map[string]struct{}, len(protectedPaths))
	for _, p := range protectedPaths {
		protectedSet[p] = struct{}{}
	}

	ch := &chatHandler{
		logger:   logger,
		limiter:  cfg.Limiter,
		sessions: cfg.Sessions,
		engine:   cfg.Engine,
		protected: func(path string) bool {
			_, ok := protectedSet[path]
			return ok
		},
	}

	sh := &statusHandler{
		logger:    logger,
		limiter:   cfg.Limiter,
		docStatus: cfg.DocStatus,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/session", ch.createSession)
	mux.HandleFunc("GET /api/chat/session/{id}/messages", ch.getMessages)
	mux.HandleFunc("POST /api/chat/query", ch.query)
	mux.HandleFunc("GET /api/status", sh.status)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	bg := newBurstGuard(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery → Logging → CORS → BurstGuard → Identity → Routes
	// CORS sits before the burst guard so preflight OPTIONS always gets
	// its headers. The admission window itself runs inside the query
	// handler, after validation.
	var handler http.Handler = mux
	handler = identityMiddleware(resolver)(handler)
	handler = burstGuardMiddleware(bg, resolver, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health stays outside the stack so probes bypass the burst guard.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /api/health", health)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
