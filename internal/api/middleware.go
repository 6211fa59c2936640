package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/askdocs/askdocs/internal/identity"
	"github.com/askdocs/askdocs/internal/log"
)

const (
	burstGuardCleanupInterval = 5 * time.Minute
	burstGuardStaleThreshold  = 10 * time.Minute
)

// Context key types (unexported to prevent collisions).
type identityCtxKey struct{}

var ctxKeyIdentity = identityCtxKey{}

// identityFromContext retrieves the resolved request identity.
func identityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(identity.Identity)
	return id, ok
}

// identityMiddleware resolves the request identity once and stores it in
// the context for the admission check downstream.
func identityMiddleware(resolver *identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ctxKeyIdentity, resolver.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingWriter wraps http.ResponseWriter to capture status and size.
// Unwrap supports http.ResponseController.
type loggingWriter struct {
	w            http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lw *loggingWriter) Header() http.Header {
	return lw.w.Header()
}

func (lw *loggingWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.w.WriteHeader(code)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	if lw.statusCode == 0 {
		lw.statusCode = http.StatusOK
	}
	n, err := lw.w.Write(b)
	lw.bytesWritten += int64(n)
	return n, err
}

func (lw *loggingWriter) Unwrap() http.ResponseWriter {
	return lw.w
}

// recoveryMiddleware recovers from handler panics so one bad request
// cannot take the server down.
func recoveryMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapper := &loggingWriter{w: w}

			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"headers_sent", wrapper.statusCode != 0,
					)
					if wrapper.statusCode == 0 {
						writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
					}
				}
			}()
			next.ServeHTTP(wrapper, r)
		})
	}
}

// loggingMiddleware logs request details. Reuses an existing
// *loggingWriter from outer middleware to avoid double-wrapping.
func loggingMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper, ok := w.(*loggingWriter)
			if !ok {
				wrapper = &loggingWriter{w: w}
			}

			next.ServeHTTP(wrapper, r)

			status := wrapper.statusCode
			if status == 0 {
				status = http.StatusOK
			}

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", wrapper.bytesWritten,
				"duration", time.Since(start),
				"ip", r.RemoteAddr,
			)
		})
	}
}

// corsMiddleware handles CORS preflight and response headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if _, ok := originSet[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Session-ID, X-Platform")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// burstGuard implements coarse per-IP throttling with a token bucket.
// It protects against request floods; the per-identity admission window
// in the query handler is the real policy layer.
type burstGuard struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newBurstGuard creates the guard. r is tokens refilled per second;
// burst is the bucket size (and initial allowance).
func newBurstGuard(r float64, burst int) *burstGuard {
	return &burstGuard{
		visitors:    make(map[string]*visitor),
		limit:       rate.Limit(r),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

func (bg *burstGuard) allow(ip string) bool {
	bg.mu.Lock()
	defer bg.mu.Unlock()

	now := time.Now()

	if now.Sub(bg.lastCleanup) > burstGuardCleanupInterval {
		for k, v := range bg.visitors {
			if now.Sub(v.lastSeen) > burstGuardStaleThreshold {
				delete(bg.visitors, k)
			}
		}
		bg.lastCleanup = now
	}

	v, exists := bg.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(bg.limit, bg.burst)
		bg.visitors[ip] = &visitor{limiter: limiter, lastSeen: now}
		limiter.Allow()
		return true
	}

	v.lastSeen = now
	return v.limiter.Allow()
}

// burstGuardMiddleware rejects flooding IPs with a bare 429. No admission
// headers here: this layer knows nothing about windows.
func burstGuardMiddleware(bg *burstGuard, resolver *identity.Resolver, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.ClientIP(r)
			if !bg.allow(ip) {
				logger.Warn("burst guard rejected request", "ip", ip, "path", r.URL.Path)
				writeError(w, http.StatusTooManyRequests, "too_many_requests", "slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
