// handlers_serve.go wires the full server process: stores, the LLM stack,
// the orchestrator and pipeline, task loops, and the gateway.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/deferred"
	"github.com/dotbot-ai/dotbot/internal/devices"
	"github.com/dotbot-ai/dotbot/internal/dot"
	"github.com/dotbot-ai/dotbot/internal/gateway"
	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/llm/providers"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/pipeline"
	"github.com/dotbot-ai/dotbot/internal/skills"
	"github.com/dotbot-ai/dotbot/internal/tailor"
	"github.com/dotbot-ai/dotbot/internal/tasks"
	"github.com/dotbot-ai/dotbot/internal/transport"
	"github.com/dotbot-ai/dotbot/internal/workspace"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const workspaceGCInterval = time.Hour

type serveOptions struct {
	configPath    string
	skillsDir     string
	workspacesDir string
	debug         bool
}

// lateDispatcher breaks the construction cycle between Dot and the
// pipeline: Dot is built first with this handle, and the pipeline is bound
// before the gateway starts accepting connections.
type lateDispatcher struct {
	p *pipeline.Pipeline
}

func (d *lateDispatcher) Dispatch(deviceID, userID, prompt, personaID string) string {
	if d.p == nil {
		return ""
	}
	return d.p.Dispatch(deviceID, userID, prompt, personaID)
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Observability.Logging.Level
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Observability.Logging.Format,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       tracingEndpoint(cfg),
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	// One database handle serves every store.
	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	deviceStore, err := devices.OpenDB(db, logger)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	sessions := devices.NewSessions(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	taskStore, err := tasks.OpenDB(db, logger)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	deferredStore, err := deferred.OpenDB(db, logger)
	if err != nil {
		return fmt.Errorf("open deferred store: %w", err)
	}

	resilient := llm.NewResilient(
		llm.NewRegistry(providers.New, llm.SettingsFromConfig(cfg.LLM)),
		llm.BuildChains(cfg.LLM),
		logger, metrics,
		llm.ResilientConfig{
			RequestTimeout: cfg.LLM.RequestTimeout,
			MaxRetryAfter:  cfg.LLM.MaxRetryAfter,
		},
	)

	skillStore, err := skills.NewStore(opts.skillsDir)
	if err != nil {
		return fmt.Errorf("open skill store: %w", err)
	}
	workspaces, err := workspace.NewManager(opts.workspacesDir)
	if err != nil {
		return fmt.Errorf("open workspaces: %w", err)
	}

	hub := transport.NewHub(logger, metrics)
	dispatcher := &lateDispatcher{}
	d := dot.New(dot.Deps{
		LLM:        resilient,
		Tailor:     tailor.New(resilient.ForRole(llm.RoleIntake), logger),
		Skills:     skillStore,
		Dispatcher: dispatcher,
		Executor:   hub,
		Config:     cfg.Dot,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	gw := gateway.New(gateway.Deps{
		Devices:  deviceStore,
		Sessions: sessions,
		Hub:      hub,
		Dot:      d,
		Config:   cfg.Server,
		Logger:   logger,
		Metrics:  metrics,
	})
	pipe := pipeline.New(pipeline.Deps{
		LLM:        resilient,
		Workspaces: workspaces,
		Source:     gw.Source(),
		Executor:   hub,
		Notifier:   gw.Bus(),
		Config:     cfg.Pipeline,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	dispatcher.p = pipe

	if resumed := pipe.Recover(ctx); len(resumed) > 0 {
		logger.Info(ctx, "resumed orphaned agents", "count", len(resumed))
	}

	checker := tasks.NewChecker(taskStore, gw, gw, cfg.Tasks, logger, metrics)
	go checker.Run(ctx)
	poller := deferred.NewPoller(deferredStore, gw, cfg.Tasks, logger, metrics)
	go poller.Run(ctx)
	go runWorkspaceGC(ctx, workspaces, logger)

	if cfg.Observability.Metrics.On() && cfg.Server.MetricsPort != cfg.Server.Port {
		go serveMetrics(ctx, cfg, logger)
	}

	logger.Info(ctx, "dotbot server starting",
		"version", version, "db", cfg.Database.Path)
	if err := gw.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runWorkspaceGC(ctx context.Context, m *workspace.Manager, logger *observability.Logger) {
	ticker := time.NewTicker(workspaceGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.GC()
			if err != nil {
				logger.Warn(ctx, "workspace gc failed", "error", err)
				continue
			}
			if len(removed) > 0 {
				logger.Info(ctx, "workspace gc", "removed", len(removed))
			}
		}
	}
}

// serveMetrics exposes Prometheus metrics on the dedicated port when one is
// configured apart from the main listener.
func serveMetrics(ctx context.Context, cfg *config.Config, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.Metrics.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn(ctx, "metrics listener failed", "error", err)
	}
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.Tracing.Enabled {
		return ""
	}
	return cfg.Observability.Tracing.Endpoint
}
