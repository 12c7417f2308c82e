package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	withAggregator = flag.Bool("aggregator", true, "Run the usage aggregator in-process (disable when usage-aggregator runs separately)")
	printVersion   = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "entitlementd")
	async.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: serviceVersion(cfg),
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	engine, err := app.Open(ctx, cfg, app.Options{Logger: logger, Version: version})
	if err != nil {
		_ = observability.ShutdownOTel(ctx, providers, logger)
		return err
	}

	opts := api.Options{
		Health:         engine.Health,
		RateLimiter:    engine.RateLimiter(ctx),
		RequestTimeout: cfg.Engine.RequestTimeout,
		Logger:         logger,
	}
	if cfg.Observability.MetricsEnabled {
		opts.Metrics = engine.Metrics
		opts.MetricsHandler = observability.MetricsHandler(engine.Registry)
	}

	// the aggregator stops before the backends close so its final flush
	// still reaches the counter store
	aggCtx, stopAggregator := context.WithCancel(ctx)
	var jobs errgroup.Group
	if *withAggregator {
		opts.Buffer = engine.Aggregator
		jobs.Go(func() error {
			return engine.Aggregator.Run(aggCtx)
		})
	} else {
		// usage-aggregator cannot see this process's retry queue
		jobs.Go(func() error {
			return engine.Evaluator.RunRetries(aggCtx, cfg.Aggregator.FlushInterval)
		})
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(api.NewServer(engine.Evaluator, opts), "entitlementd"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("engine", func(context.Context) error {
		stopAggregator()
		return errors.Join(jobs.Wait(), engine.Close())
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("entitlementd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		return err
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	default:
	}

	logger.Info("entitlementd stopped")
	return nil
}

func serviceVersion(cfg *config.Config) string {
	if cfg.Observability.OTelServiceVersion != "" {
		return cfg.Observability.OTelServiceVersion
	}
	return version
}
