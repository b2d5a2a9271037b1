package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/storage"
)

type actorContextKey struct{}

// actorMiddleware derives the request's storage.Actor from caller-supplied
// headers, the same way every storage-adapter call in spec §3 expects one.
// No authentication scheme is specified (Non-goal), so the headers are
// trusted as given, defaulting org to "default" and user to "anonymous" for
// single-tenant deployments.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get("X-Organization-Id")
		if orgID == "" {
			orgID = "default"
		}
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			userID = "anonymous"
		}
		actor := storage.Actor{ID: userID, OrgID: orgID}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) storage.Actor {
	actor, _ := ctx.Value(actorContextKey{}).(storage.Actor)
	return actor
}

// responseWriter wraps http.ResponseWriter to capture status code and size
// for logging/metrics, grounded on the teacher's
// pkg/transport/http_metrics_middleware.go responseWriter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs one structured line per request, following the
// teacher's request-scoped logging convention (spec §1.1: agent_id/job_id/
// request_id attributes layered onto the default slog logger).
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Info("http request",
			"method", r.Method,
			"path", routePattern(r),
			"status", wrapped.statusCode,
			"bytes", wrapped.size,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// metricsMiddleware records request count/duration through the server's
// observability.Metrics, separate from loggingMiddleware so either can be
// disabled independently.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.metrics.RecordHTTPRequest(r.Context(), r.Method, routePattern(r), wrapped.statusCode, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// rateLimiter hands out a per-client token-bucket limiter, grounded on
// SPEC_FULL.md's DOMAIN STACK assignment of golang.org/x/time/rate to the
// HTTP surface's ResourceExhausted enforcement.
type rateLimiter struct {
	mu         sync.Mutex
	perClient  map[string]*rate.Limiter
	ratePerSec float64
	burst      int
}

func newRateLimiter(ratePerSec float64, burst int) *rateLimiter {
	return &rateLimiter{perClient: make(map[string]*rate.Limiter), ratePerSec: ratePerSec, burst: burst}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl.ratePerSec <= 0 {
		return true
	}
	rl.mu.Lock()
	limiter, ok := rl.perClient[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.ratePerSec), rl.burst)
		rl.perClient[key] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Organization-Id")
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.allow(key) {
			writeError(w, apperrors.ResourceExhausted("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
