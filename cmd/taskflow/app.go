package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/disclosure"
	"github.com/aristath/taskflow/internal/eventlog"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/metrics"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/presentation"
	"github.com/aristath/taskflow/internal/resilience"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/state"
	"github.com/aristath/taskflow/internal/worker"
)

// memoryDatabase selects an in-memory store instead of a file.
const memoryDatabase = ":memory:"

// app is the wired engine shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *persistence.SQLiteStore
	bus       *events.EventBus
	log       *eventlog.Log
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	directory *capability.FileDirectory
	planner   planner.Planner
	hub       *presentation.Hub
	batcher   *disclosure.Batcher
	orch      *orchestrator.Orchestrator
	procs     *worker.ProcessManager
	nc        *nats.Conn
	bridge    *events.NATSBridge
}

// appOptions replace parts of the wiring, mainly for tests.
type appOptions struct {
	// Builtins are in-process workers that take precedence over commands
	// declared in the capability file.
	Builtins map[string]worker.Worker
	// Planner replaces the configured planner.
	Planner planner.Planner
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the configured database, creating its directory.
func openStore(ctx context.Context, path string) (*persistence.SQLiteStore, error) {
	if path == memoryDatabase {
		return persistence.NewMemoryStore(ctx)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

// newPlanner returns the configured planner. A missing credential is not
// fatal: the engine runs with the disabled planner and its fallbacks.
func newPlanner(ctx context.Context, cfg config.PlannerConfig, logger *slog.Logger) planner.Planner {
	if cfg.Provider == "none" {
		return planner.Disabled{}
	}
	p, err := planner.NewAnthropic(ctx, planner.AnthropicConfig{
		Model:      cfg.Model,
		APIKey:     cfg.APIKey,
		UseBedrock: cfg.Bedrock.Enabled,
		AWSRegion:  cfg.Bedrock.Region,
		AWSProfile: cfg.Bedrock.Profile,
		BaseURL:    cfg.BaseURL,
		MaxTokens:  cfg.MaxTokens,
		Timeout:    cfg.Timeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn("planner unavailable, using fallback plans", "error", err)
		return planner.Disabled{}
	}
	logger.Info("planner ready", "model", p.Model(), "bedrock", cfg.Bedrock.Enabled)
	return p
}

// newApp wires the engine from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return a, err
	}

	if a.store, err = openStore(ctx, cfg.Database.Path); err != nil {
		return a, fmt.Errorf("open store: %w", err)
	}
	a.bus = events.NewEventBus()
	a.log = eventlog.New(eventlog.Config{
		Store:    a.store,
		Computer: state.NewComputer(cfg.RequiredPaths()),
		Bus:      a.bus,
		Observer: a.metrics,
		Logger:   logger,
	})

	strategy := model.FallbackStrategy(cfg.Resilience.DefaultStrategy)
	a.procs = worker.NewProcessManager()
	a.directory, err = capability.LoadFile(capability.FileConfig{
		Path:            cfg.Capabilities.File,
		DefaultStrategy: strategy,
		Builtins:        opts.Builtins,
		ProcessManager:  a.procs,
		Logger:          logger,
	})
	if errors.Is(err, os.ErrNotExist) {
		return a, fmt.Errorf("capability file %s not found (run 'taskflow config init'): %w", cfg.Capabilities.File, err)
	}
	if err != nil {
		return a, fmt.Errorf("load capabilities: %w", err)
	}

	a.planner = opts.Planner
	if a.planner == nil {
		a.planner = newPlanner(ctx, cfg.Planner, logger)
	}

	retry := resilience.RetryConfig{
		InitialInterval: cfg.Resilience.Retry.InitialInterval,
		MaxInterval:     cfg.Resilience.Retry.MaxInterval,
		MaxElapsedTime:  cfg.Resilience.Retry.MaxElapsedTime,
		MaxAttempts:     cfg.Resilience.Retry.MaxAttempts,
	}
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		ConsecutiveFailures: cfg.Resilience.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Resilience.Breaker.OpenTimeout,
		HalfOpenRequests:    cfg.Resilience.Breaker.HalfOpenRequests,
	}, logger, a.metrics.BreakerChanged)
	controller := resilience.NewController(resilience.Config{
		Directory:       a.directory,
		Registry:        worker.NewRegistry(a.directory),
		Breakers:        breakers,
		Recorder:        a.log,
		Planner:         a.planner,
		Retry:           retry,
		DefaultStrategy: strategy,
		Observer:        a.metrics,
		Logger:          logger,
	})

	a.hub = presentation.NewHub(presentation.Config{Logger: logger})
	a.batcher = disclosure.New(disclosure.Config{
		Enabled:         cfg.Disclosure.Enabled,
		MinBatchSize:    cfg.Disclosure.MinBatchSize,
		Optimizer:       a.planner,
		OptimizeTimeout: cfg.Disclosure.OptimizeTimeout,
		Sink:            a.hub,
		Recorder:        a.log,
		Observer:        a.metrics,
		Logger:          logger,
	})

	a.orch = orchestrator.New(orchestrator.Config{
		Store:     a.store,
		Log:       a.log,
		Directory: a.directory,
		Generator: plan.NewGenerator(plan.Config{
			Planner: a.planner,
			Aliases: cfg.WorkerAliases,
			Retry:   retry,
			Logger:  logger,
		}),
		Scheduler: scheduler.New(scheduler.Config{
			Dispatcher:  controller,
			Concurrency: cfg.Resilience.Concurrency,
			Logger:      logger,
		}),
		Resilience:      controller,
		Batcher:         a.batcher,
		Notifier:        a.hub,
		Bus:             a.bus,
		Observer:        a.metrics,
		FailurePolicy:   model.FailurePolicy(cfg.Resilience.FailurePolicy),
		GuidanceTimeout: cfg.Resilience.GuidanceTimeout,
		LeaseTTL:        cfg.Resilience.LeaseTTL,
		Logger:          logger,
	})
	a.hub.SetResponder(a.orch)

	if cfg.NATS.URL != "" {
		if err = a.connectNATS(ctx); err != nil {
			return a, err
		}
	}
	return a, nil
}

// connectNATS mirrors the local bus onto NATS so other processes see this
// one's notifications and tasks created elsewhere start here.
func (a *app) connectNATS(ctx context.Context) error {
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("taskflow"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}
	a.nc = nc
	a.bridge = events.NewNATSBridge(nc, a.bus, events.NATSBridgeConfig{
		Prefix: a.cfg.NATS.Prefix,
		Logger: a.logger,
	})
	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start NATS bridge: %w", err)
	}
	a.logger.Info("NATS bridge started", "url", a.cfg.NATS.URL, "prefix", a.cfg.NATS.Prefix)
	return nil
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() {
	if p, ok := a.planner.(*planner.Anthropic); ok && p.Usage().Calls() > 0 {
		in, out := p.Usage().Total()
		a.logger.Info("planner usage", "calls", p.Usage().Calls(), "input_tokens", in, "output_tokens", out)
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", "error", err)
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.procs != nil {
		if err := a.procs.KillAll(); err != nil {
			a.logger.Warn("killing worker processes failed", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store failed", "error", err)
		}
	}
}
