package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/Aman-CERP/amanidx/internal/backend"
	"github.com/Aman-CERP/amanidx/internal/callback"
	"github.com/Aman-CERP/amanidx/internal/chunk"
	"github.com/Aman-CERP/amanidx/internal/config"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/ingest"
	"github.com/Aman-CERP/amanidx/internal/reconcile"
	"github.com/Aman-CERP/amanidx/internal/scheduler"
	"github.com/Aman-CERP/amanidx/internal/store"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
	"github.com/Aman-CERP/amanidx/internal/workflow"
)

// loadConfig resolves the configuration for the working directory, or the
// --config file, then applies --data-dir.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			return nil, errors.InternalError("resolve working directory", cwdErr)
		}
		cfg, err = config.Load(cwd)
	}
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Backends.DataDir = dataDir
	}
	return cfg, nil
}

// openStore opens the state store named by cfg.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	slog.Debug("store_opened", slog.String("path", cfg.StorePath()))
	return s, nil
}

// newIngester builds an ingester requesting every enabled index type.
func newIngester(s *store.SQLiteStore, cfg *config.Config, onChange func()) (*ingest.Ingester, error) {
	return ingest.New(s, ingest.Options{
		Types:    cfg.EnabledIndexTypes(),
		OnChange: onChange,
	})
}

// engine is the reconcile side of amanidx: backends, workflows, the
// scheduler and the reconciler, all over one state store.
type engine struct {
	store     *store.SQLiteStore
	registry  *backend.Registry
	metrics   *telemetry.Metrics
	scheduler *scheduler.LocalScheduler
	reconcile *reconcile.Reconciler
}

// openEngine opens the backends (taking the data dir lock) and wires the
// orchestrator, scheduler and reconciler to s.
func openEngine(cfg *config.Config, s *store.SQLiteStore, m *telemetry.Metrics) (*engine, error) {
	registry, err := backend.Open(backend.OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	orch, err := workflow.New(workflow.Dependencies{
		Store:     s,
		Preparer:  chunk.NewPreparer(chunk.Options{}),
		Backends:  registry,
		Callbacks: callback.NewHandler(s, callback.WithMetrics(m)),
		Policy:    workflow.PolicyFromRetryConfig(cfg.RetryConfig()),
		Metrics:   m,
	})
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	sched, err := scheduler.NewLocalScheduler(orch, scheduler.Config{
		MaxParallel:     cfg.Workflow.MaxParallelWorkflows,
		StatusRetention: cfg.Workflow.StatusRetention,
	})
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	rec, err := reconcile.New(reconcile.Config{
		BatchLimit:   cfg.Reconciler.BatchLimit,
		ClaimTimeout: cfg.ClaimTimeout(),
		Concurrency:  cfg.Reconciler.Concurrency,
	}, reconcile.Dependencies{
		Store:     s,
		Scheduler: sched,
		Metrics:   m,
	})
	if err != nil {
		_ = sched.Close(context.Background())
		_ = registry.Close()
		return nil, err
	}

	return &engine{store: s, registry: registry, metrics: m, scheduler: sched, reconcile: rec}, nil
}

// refreshGauges publishes row counts and breaker states.
func (e *engine) refreshGauges(ctx context.Context) {
	counts, err := e.store.Stats(ctx)
	if err != nil {
		slog.Debug("spec_counts_unavailable", slog.String("error", err.Error()))
	} else {
		e.metrics.SetSpecCounts(counts)
	}
	for t, b := range e.registry.Breakers() {
		e.metrics.SetBreakerState(t, int(b.State()))
	}
}

// Close drains running workflows until ctx ends, then closes the backends.
func (e *engine) Close(ctx context.Context) error {
	schedErr := e.scheduler.Close(ctx)
	return errors.Join(schedErr, e.registry.Close())
}
