// Command agentserver boots the HTTP surface: storage, vector store,
// embedding and LLM clients, the agent loop, ingestion pipeline, audit
// sink, metrics, and a cron-driven reconciliation loop, wired in
// dependency order and served until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kadirpekel/agentd/internal/agentloop"
	"github.com/kadirpekel/agentd/internal/audit"
	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/embedclient"
	"github.com/kadirpekel/agentd/internal/httpserver"
	"github.com/kadirpekel/agentd/internal/ingest"
	"github.com/kadirpekel/agentd/internal/job"
	"github.com/kadirpekel/agentd/internal/llmclient"
	"github.com/kadirpekel/agentd/internal/memory"
	"github.com/kadirpekel/agentd/internal/observability"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
	"github.com/kadirpekel/agentd/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agentserver exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	vector, err := vectorstore.New(cfg)
	if err != nil {
		return err
	}
	defer vector.Close()

	mem := memory.New(db)
	passages := passage.New(db, vector)
	jobs := job.New(db)

	embedder := embedclient.New(cfg, embedclient.WithBatchSize(100))
	llm := llmclient.New(cfg)

	loop := agentloop.New(db, mem, passages, embedder, llm, jobs, cfg)
	ingestPipeline := ingest.New(passages, embedder)

	rules, err := audit.LoadRiskRuleSet(cfg.AuditRulesPath)
	if err != nil {
		return err
	}
	auditSink, err := audit.New(audit.Config{Dir: cfg.AuditDir, Rules: rules})
	if err != nil {
		return err
	}
	defer auditSink.Close()

	metrics, err := observability.New("agentd")
	if err != nil {
		return err
	}
	defer metrics.Shutdown(context.Background())

	srv := httpserver.New(db, mem, passages, loop, jobs, ingestPipeline, auditSink, cfg, metrics)

	scheduler := startReconciliation(auditSink)
	defer func() {
		<-scheduler.Stop().Done()
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentserver listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("agentserver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// initLogger installs a JSON slog handler at the configured level, the
// module's established convention rather than the teacher's pkg/logger.
func initLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// startReconciliation runs a periodic sweep that logs the audit sink's
// realtime stats, grounded on the cron.New/AddFunc/Start/Stop pattern in
// teradata-labs-loom's pkg/scheduler. It does not sweep stuck
// JobStatusRunning jobs: job.Manager.ListJobs is organization-scoped per
// Actor, and nothing in spec §4 defines a staleness timeout to sweep
// against, so there is no sound cross-tenant query to run here yet.
func startReconciliation(auditSink *audit.Sink) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@every 5m", func() {
		if stats, err := auditSink.GetRealtimeStats(); err != nil {
			slog.Warn("audit stats reconciliation failed", "error", err)
		} else {
			slog.Info("audit realtime stats", "stats", stats)
		}
	})
	if err != nil {
		slog.Error("failed to schedule reconciliation job", "error", err)
	}
	c.Start()
	return c
}
