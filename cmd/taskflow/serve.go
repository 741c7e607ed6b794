package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskflow/internal/metrics"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/tui"
)

var (
	serveTUI     bool
	serveMetrics string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Run the engine until interrupted.

On start, tasks left in progress by a previous process are recovered and
pending tasks are started. New tasks start when their task_created
notification arrives, locally or over NATS when nats.url is set.

With --tui, a terminal interface shows task activity and lets you answer
requests; logs then go to taskflow.log next to the database.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "show the terminal interface")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveMetrics != "" {
		cfg.Metrics.Listen = serveMetrics
	}

	var logOut io.Writer = os.Stderr
	if serveTUI {
		f, err := openLogFile(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(cfg.Log, logOut)

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Capabilities.Watch {
		err := a.directory.Watch(ctx, func(ids []string) {
			logger.Info("workers added", "workers", ids)
		})
		if err != nil {
			logger.Warn("capability file will not be watched", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.orch.Listen(gctx))
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		resume(gctx, a, logger)
		sweepOrphans(gctx, a, logger, cfg.Resilience.LeaseTTL)
		return nil
	})

	if serveTUI {
		g.Go(func() error {
			p := tea.NewProgram(tui.New(a.bus, a.hub), tea.WithAltScreen())
			go func() {
				<-gctx.Done()
				p.Quit()
			}()
			_, err := p.Run()
			// Closing the interface stops the engine.
			cancel()
			return err
		})
	} else {
		logger.Info("taskflow serving", "database", cfg.Database.Path, "workers", cfg.Capabilities.File)
	}

	err = g.Wait()
	if running := a.orch.ActiveExecutions(); len(running) > 0 {
		logger.Warn("tasks interrupted, they will be recovered on next start", "tasks", running)
	}
	logger.Info("shutdown complete")
	return err
}

// resume recovers tasks a previous process left in progress, then starts
// tasks that were created while no engine was running.
func resume(ctx context.Context, a *app, logger *slog.Logger) {
	n, err := a.orch.RecoverOrphans(ctx)
	if err != nil {
		logger.Error("orphan recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered orphaned tasks", "count", n)
	}

	pending, err := a.store.ListTasksByStatus(ctx, model.StatusPending)
	if err != nil {
		logger.Error("listing pending tasks failed", "error", err)
		return
	}
	for _, id := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.orch.OrchestrateTask(ctx, id); err != nil && !errors.Is(err, model.ErrAlreadyRunning) {
			logger.Error("starting pending task failed", "task", id, "error", err)
		}
	}
}

// sweepOrphans keeps recovering tasks whose owning process stopped renewing
// its lease, until ctx is done.
func sweepOrphans(ctx context.Context, a *app, logger *slog.Logger, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.orch.RecoverOrphans(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("orphan sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("recovered orphaned tasks", "count", n)
			}
		}
	}
}

// metricsMux serves the registry on /metrics.
func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	return mux
}

// openLogFile opens taskflow.log next to the database for appending.
func openLogFile(dbPath string) (*os.File, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(dir, "taskflow.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
