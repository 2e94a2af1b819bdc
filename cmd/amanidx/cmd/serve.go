package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanidx/internal/async"
	"github.com/Aman-CERP/amanidx/internal/config"
	"github.com/Aman-CERP/amanidx/internal/ingest"
	"github.com/Aman-CERP/amanidx/internal/logging"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/output"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
	"github.com/Aman-CERP/amanidx/internal/watcher"
)

const defaultShutdownTimeout = 30 * time.Second

type serveOptions struct {
	metricsAddr     string
	noWatch         bool
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep indexes converged in the background",
		Long: `Run the reconcile loop until interrupted.

serve ingests every directory in watch.paths, watches them for changes,
reconciles on every change and every reconciler.interval, and exposes
Prometheus metrics and a JSON status document on server.metrics_addr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", `Override server.metrics_addr ("off" disables the endpoint)`)
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "Do not ingest or watch watch.paths")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "How long running workflows may take to finish on shutdown")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !debugMode {
		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Server.LogLevel
		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		defer cleanup()
		slog.SetDefault(logger)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	metrics := telemetry.NewMetrics()
	eng, err := openEngine(cfg, s, metrics)
	if err != nil {
		return err
	}

	loop := async.NewLoop(async.LoopConfig{
		Interval:  cfg.ReconcileInterval(),
		AfterPass: eng.refreshGauges,
	}, eng.reconcile.ReconcileAll)

	ing, err := newIngester(s, cfg, loop.Trigger)
	if err != nil {
		_ = eng.Close(context.Background())
		return err
	}

	out := output.New(cmd.OutOrStdout())
	g, gctx := errgroup.WithContext(ctx)
	loop.Start(gctx)

	addr := cfg.Server.MetricsAddr
	if opts.metricsAddr != "" {
		addr = opts.metricsAddr
	}
	var srv *http.Server
	if addr != "" && !strings.EqualFold(addr, "off") {
		srv = &http.Server{
			Addr:              addr,
			Handler:           newStatusMux(metrics, loop, eng),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint %s: %w", addr, err)
			}
			return nil
		})
		out.Statusf("📈", "Metrics on http://%s/metrics", addr)
	}

	if !opts.noWatch {
		wopts := watchOptions(cfg)
		for _, root := range cfg.Watch.Paths {
			g.Go(func() error { return watchRoot(gctx, ing, root, wopts) })
			out.Statusf("👀", "Watching %s", root)
		}
	}

	out.Successf("amanidx serving %s (interval %s)", s.Path(), cfg.ReconcileInterval())
	<-gctx.Done()

	slog.Info("serve_shutdown", slog.Int("running_workflows", eng.scheduler.Running()))
	loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, eng.Close(shutdownCtx), g.Wait())
	if err := stderrors.Join(errs...); err != nil {
		return err
	}
	out.Success("Stopped")
	return nil
}

// watchOptions maps the watch section onto watcher options.
func watchOptions(cfg *config.Config) watcher.Options {
	opts := watcher.DefaultOptions()
	opts.DebounceWindow = cfg.WatchDebounce()
	if len(cfg.Watch.Extensions) > 0 {
		opts.Extensions = cfg.Watch.Extensions
	}
	return opts
}

// watchRoot ingests root once, then feeds its change batches to ing until
// ctx ends.
func watchRoot(ctx context.Context, ing *ingest.Ingester, root string, opts watcher.Options) error {
	sum, err := ing.IngestDir(ctx, root, root, opts)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", root, err)
	}
	slog.Info("initial_ingest_complete",
		slog.String("root", root),
		slog.Int("seen", sum.Seen),
		slog.Int("changed", sum.Changed),
		slog.Int("failed", sum.Failed))

	w, err := watcher.New(opts)
	if err != nil {
		return err
	}
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx, root) }()
	defer func() { _ = w.Stop() }()

	for {
		select {
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			ing.HandleEvents(ctx, root, batch)
		case err, ok := <-w.Errors():
			if ok {
				slog.Warn("watch_error", slog.String("root", root), slog.String("error", err.Error()))
			}
		case err := <-startErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("watch %s: %w", root, err)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// serveStatus is the document served on /status.
type serveStatus struct {
	Loop      async.ProgressSnapshot `json:"loop"`
	Specs     map[model.Status]int   `json:"specs"`
	Workflows int                    `json:"running_workflows"`
}

func newStatusMux(metrics *telemetry.Metrics, loop *async.Loop, eng *engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !loop.IsRunning() {
			http.Error(w, "reconcile loop stopped", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		counts, err := eng.store.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(serveStatus{
			Loop:      loop.Progress().Snapshot(),
			Specs:     counts,
			Workflows: eng.scheduler.Running(),
		})
	})
	return mux
}
