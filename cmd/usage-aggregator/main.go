package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/aggregator"
	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

var (
	boundarySchedule = flag.String("boundary-schedule", "", "Cron schedule for the period boundary job, UTC (default: ENTITLE_BOUNDARY_SCHEDULE or 00:05 daily)")
	flushInterval    = flag.Duration("flush-interval", 0, "Interval between retry queue flushes (default: ENTITLE_AGGREGATOR_INTERVAL or 5m)")
	metricsAddr      = flag.String("metrics-addr", getEnv("ENTITLE_AGGREGATOR_METRICS_ADDR", ""), "Address serving /metrics, /healthz and /readyz; empty disables it")
	runOnce          = flag.Bool("run-once", false, "Run the boundary job once and exit (also ENTITLE_AGGREGATOR_RUN_ONCE)")
	boundaryDate     = flag.String("date", "", "Date the boundary job runs as (YYYY-MM-DD). If empty, uses today. Only used with --run-once")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "usage-aggregator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if *boundarySchedule != "" {
		if err := aggregator.ValidateSchedule(*boundarySchedule); err != nil {
			return err
		}
		cfg.Aggregator.BoundarySchedule = *boundarySchedule
	}
	if *flushInterval > 0 {
		cfg.Aggregator.FlushInterval = *flushInterval
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "usage-aggregator")
	async.SetLogger(logger)

	if cfg.Storage.CounterBackend == storage.BackendMemory {
		logger.Warn("counter backend is memory; a standalone aggregator only sees its own process state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.Open(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer engine.Close()

	if *runOnce || cfg.Aggregator.RunOnce {
		return runBoundaryOnce(ctx, engine.Aggregator, logger)
	}

	var server *http.Server
	if *metricsAddr != "" {
		server = metricsServer(*metricsAddr, engine)
		go func() {
			logger.WithField("addr", server.Addr).Info("metrics listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	runErr := engine.Aggregator.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
	}
	return runErr
}

// runBoundaryOnce rolls the period before the given date over and sweeps
// licenses, for backfills and tests
func runBoundaryOnce(ctx context.Context, agg *aggregator.Aggregator, logger *observability.Logger) error {
	now := time.Now().UTC()
	if *boundaryDate != "" {
		d, err := time.Parse("2006-01-02", *boundaryDate)
		if err != nil {
			return fmt.Errorf("invalid date format: %w", err)
		}
		now = d
	}

	stats, err := agg.Rollover(ctx, now)
	if err != nil {
		return fmt.Errorf("rollover failed: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"period":   stats.Period,
		"counters": stats.Counters,
		"reset":    stats.Reset,
		"skipped":  stats.Skipped,
		"locked":   stats.Locked,
	}).Info("period rollover complete")

	changed, err := agg.Sweep(ctx, now)
	if err != nil {
		return fmt.Errorf("license sweep failed: %w", err)
	}
	logger.WithField("changed", changed).Info("license sweep complete")
	return nil
}

func metricsServer(addr string, engine *app.App) *http.Server {
	r := mux.NewRouter()
	observability.RegisterHealthRoutes(r, engine.Health)
	r.Handle("/metrics", observability.MetricsHandler(engine.Registry)).Methods(http.MethodGet)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
