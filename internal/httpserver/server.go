// Package httpserver exposes the agent-loop, ingestion, job, and audit
// components over the HTTP surface of spec §6, routed with go-chi exactly
// as the teacher's pkg/transport wires chi for its REST gateway.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/agentd/internal/agentloop"
	"github.com/kadirpekel/agentd/internal/audit"
	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/ingest"
	"github.com/kadirpekel/agentd/internal/job"
	"github.com/kadirpekel/agentd/internal/memory"
	"github.com/kadirpekel/agentd/internal/observability"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
)

// Server bundles every component the HTTP surface dispatches into and owns
// the chi router and underlying http.Server.
type Server struct {
	db       *storage.DB
	mem      *memory.Manager
	passages *passage.Manager
	loop     *agentloop.Loop
	jobs     *job.Manager
	ingest   *ingest.Pipeline
	audit    *audit.Sink
	cfg      *config.Config
	metrics  *observability.Metrics

	router     chi.Router
	httpServer *http.Server
	startedAt  time.Time
}

// New wires every component into a chi router following spec §6's route
// table plus the mechanical CRUD wrappers SPEC_FULL.md §3.5 adds. metrics
// may be nil, in which case recording calls are no-ops and /metrics answers
// 503 (see observability.Metrics.Handler).
func New(db *storage.DB, mem *memory.Manager, passages *passage.Manager, loop *agentloop.Loop,
	jobs *job.Manager, ingestPipeline *ingest.Pipeline, auditSink *audit.Sink, cfg *config.Config,
	metrics *observability.Metrics) *Server {

	s := &Server{
		db:        db,
		mem:       mem,
		passages:  passages,
		loop:      loop,
		jobs:      jobs,
		ingest:    ingestPipeline,
		audit:     auditSink,
		cfg:       cfg,
		metrics:   metrics,
		startedAt: time.Now(),
	}

	limiter := newRateLimiter(cfg.HTTPRateLimitPerSecond, cfg.HTTPRateLimitBurst)

	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(limiter.middleware)
	r.Use(actorMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/{agentID}", s.handleGetAgent)
		r.Get("/{agentID}/messages", s.handleListMessages)
		r.Post("/{agentID}/messages", s.handleSendMessageSync)
		r.Post("/{agentID}/messages/stream", s.handleSendMessageStream)
		r.Patch("/{agentID}/memory/{label}", s.handlePatchMemory)
	})

	r.Route("/v1/sources", func(r chi.Router) {
		r.Post("/", s.handleCreateSource)
		r.Get("/{sourceID}", s.handleGetSource)
		r.Delete("/{sourceID}", s.handleDeleteSource)
		r.Post("/{sourceID}/upload", s.handleUploadFile)
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleGetJob)
	})

	r.Route("/v1/passages", func(r chi.Router) {
		r.Get("/agent/{agentID}", s.handleListAgentPassages)
		r.Get("/source/{sourceID}", s.handleListSourcePassages)
	})

	r.Route("/v1/audit", func(r chi.Router) {
		r.Get("/stats", s.handleAuditStats)
		r.Get("/events", s.handleAuditEvents)
		r.Get("/report", s.handleAuditReport)
	})

	s.router = r
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// ListenAndServe starts the HTTP server (blocking call).
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.router,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpserver: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying chi router, primarily for tests that want
// to drive it with httptest.NewServer without going through ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}
