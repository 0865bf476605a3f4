package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/handlers/echo"
	"github.com/g8r/g8r/pkg/handlers/remote"
	"github.com/g8r/g8r/pkg/messages"
	"github.com/g8r/g8r/pkg/reconciler"
	"github.com/g8r/g8r/pkg/sources"
	"github.com/g8r/g8r/pkg/stores"
	"github.com/g8r/g8r/pkg/telemetry"
)

// app is the set of wired components a command works with.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
	store     stores.Store

	dispatcher *engine.Dispatcher
	converger  *reconciler.Converger
	stacks     *reconciler.StackManager
	queues     *reconciler.QueueManager
}

// newApp loads the configuration, opens and migrates the store and wires the
// engine. Tracing and metrics are only set up when withTelemetry is true.
func newApp(ctx context.Context, withTelemetry bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	a := &app{cfg: cfg}

	var (
		metrics *telemetry.Metrics
		tracer  *telemetry.Tracer
	)
	if withTelemetry {
		t, err := telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
		a.telemetry = t
		a.logger = t.Logger.Zerolog()
		metrics, tracer = t.Metrics, t.Tracer
	} else {
		l, err := telemetry.NewLogger(cfg.Telemetry.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to set up logging: %w", err)
		}
		a.logger = l.Zerolog()
	}

	a.store, err = stores.Open(ctx, cfg.Store)
	if err != nil {
		a.shutdownTelemetry()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := engine.NewRegistry()
	if err := echo.Register(registry, echo.New(a.logger)); err != nil {
		a.Close()
		return nil, err
	}
	if err := remote.Register(registry, remote.New(a.logger)); err != nil {
		a.Close()
		return nil, err
	}
	a.logger.Debug().Strs("handlers", registry.Keys()).Msg("Handlers registered")

	executor := engine.NewExecutor(a.store, registry, a.logger, engine.ExecutorOptions{
		Retry:   cfg.Engine.Retry,
		Metrics: metrics,
		Tracer:  tracer,
	})
	a.dispatcher = engine.NewDispatcher(a.store, executor, a.logger, cfg.Engine.Concurrency)
	a.converger = reconciler.NewConverger(a.store, a.dispatcher, metrics, tracer, a.logger)

	factory := &sources.Factory{
		WorkDir: cfg.Stacks.WorkDir,
		S3:      cfg.S3,
		Redis:   cfg.Redis,
		Hub:     sources.NewMemoryHub(),
		Loader:  config.NewSnapshotLoader(),
		Logger:  a.logger,
	}
	a.stacks = reconciler.NewStackManager(a.store, factory, a.converger, metrics, a.logger, cfg.Stacks.DefaultInterval)
	a.queues = reconciler.NewQueueManager(a.store, factory, messages.DefaultRegistry(a.logger), a.converger, metrics, a.logger)

	return a, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	a.shutdownTelemetry()
}

func (a *app) shutdownTelemetry() {
	if a.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReconciliation prints a reconciliation and turns a failed one into an error.
func printReconciliation(rec *engine.Reconciliation) error {
	if rec == nil {
		fmt.Println("Nothing to converge")
		return nil
	}

	if jsonOutput {
		if err := printJSON(rec); err != nil {
			return err
		}
	} else {
		fmt.Printf("Reconciliation %s: %s\n", rec.ID, rec.Status)
		if rec.Revision != "" {
			fmt.Printf("  revision: %s\n", rec.Revision)
		}
		for _, o := range rec.Outcomes {
			line := fmt.Sprintf("  %-24s %-16s %s", o.Duty, o.Roster, o.Status)
			if o.Reason != "" {
				line += " (" + o.Reason + ")"
			}
			fmt.Println(line)
		}
		if rec.Error != "" {
			fmt.Printf("  error: %s\n", rec.Error)
		}
	}

	if rec.Status == engine.ReconciliationFailed {
		return errReconciliationFailed
	}
	return nil
}

var errReconciliationFailed = errors.New("reconciliation failed")
