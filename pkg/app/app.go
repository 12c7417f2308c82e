// Package app assembles the entitlement engine from configuration. Both
// binaries build on it: entitlementd serves the HTTP API with an
// in-process aggregator, usage-aggregator runs only the background jobs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/tollgate/pkg/aggregator"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/entitlements"
	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
	"github.com/platinummonkey/tollgate/pkg/storage/redisstore"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

// Options carries optional collaborators. Zero values select defaults.
type Options struct {
	Logger *observability.Logger
	// Registry receives the engine metrics; a fresh registry is created
	// when nil
	Registry *prometheus.Registry
	Version  string
}

// App holds the wired engine and the backends it owns
type App struct {
	Config     *config.Config
	Catalog    *plans.Catalog
	Licenses   *licenses.CachedStore
	Evaluator  *entitlements.Evaluator
	Aggregator *aggregator.Aggregator
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	Health     *observability.HealthChecker

	// DB and Redis are nil when the backend is not configured
	DB    *sql.DB
	Redis *redis.Client

	conn   *postgres.ConnectionManager
	logger *observability.Logger
}

// Open builds the engine described by cfg. On error every backend opened
// so far is closed again.
func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(cfg.Observability.LogLevel, nil)
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	a := &App{
		Config:   cfg,
		Registry: opts.Registry,
		Metrics:  observability.NewMetrics(opts.Registry),
		logger:   opts.Logger,
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Catalog, err = loadCatalog(cfg.Engine.PlanCatalogPath); err != nil {
		return nil, err
	}

	licenseStore, counterStore, err := a.openBackends(ctx)
	if err != nil {
		return nil, err
	}

	a.Licenses, err = licenses.NewCachedStore(licenseStore, licenses.CacheConfig{
		TTL:         cfg.Engine.LicenseCacheTTL,
		Size:        cfg.Engine.LicenseCacheSize,
		LoadTimeout: cfg.Engine.RequestTimeout,
	}, a.Metrics, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create license cache: %w", err)
	}

	meter := usage.NewMeter(counterStore, usage.MeterConfig{
		DefaultMode: cfg.Engine.DefaultMode,
		Modes:       a.Catalog.Modes(),
		Timeout:     cfg.Engine.RequestTimeout,
	})

	var retries *usage.RetryQueue
	if cfg.Engine.RetryQueueCapacity > 0 {
		retries = usage.NewRetryQueue(usage.RetryConfig{Capacity: cfg.Engine.RetryQueueCapacity})
	}

	grace := licenses.NewGracePolicy(cfg.Engine.GracePeriodDays)
	a.Evaluator = entitlements.NewEvaluator(a.Catalog, a.Licenses, meter, entitlements.Options{
		Grace:    &grace,
		Retries:  retries,
		Markers:  counterStore,
		Recorder: a.Metrics,
		Logger:   opts.Logger,
	})

	aggOpts := aggregator.Options{
		Recorder: a.Metrics,
		Logger:   opts.Logger,
	}
	if a.Redis != nil {
		aggOpts.Locker = redisstore.NewLocker(a.Redis, cfg.Storage.RedisKeyPrefix)
	}
	a.Aggregator = aggregator.New(a.Evaluator, counterStore, aggregator.Config{
		FlushInterval:    cfg.Aggregator.FlushInterval,
		BoundarySchedule: cfg.Aggregator.BoundarySchedule,
		Workers:          cfg.Aggregator.Workers,
		LockTTL:          cfg.Aggregator.LockTTL,
		CatchUpPeriods:   cfg.Aggregator.CatchUpPeriods,
	}, aggOpts)

	a.Health = observability.NewHealthChecker(a.DB, a.Redis, observability.HealthOptions{
		Version:       opts.Version,
		RedisRequired: cfg.Storage.NeedsRedis(),
	})

	opts.Logger.WithFields(map[string]interface{}{
		"license_backend": cfg.Storage.LicenseBackend,
		"counter_backend": cfg.Storage.CounterBackend,
		"plans":           len(a.Catalog.Plans),
	}).Info("entitlement engine ready")

	return a, nil
}

func loadCatalog(path string) (*plans.Catalog, error) {
	if path == "" {
		return plans.DefaultCatalog(), nil
	}
	c, err := plans.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan catalog: %w", err)
	}
	return c, nil
}

// openBackends connects the configured stores. The in-memory store serves
// both roles when neither is backed by a server.
func (a *App) openBackends(ctx context.Context) (licenses.Store, aggregator.RolloverStore, error) {
	cfg := a.Config.Storage
	mem := memory.New()

	if cfg.NeedsPostgres() {
		conn, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg), a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.conn = conn
		a.DB = conn.Primary()
		if len(cfg.PostgresReplicaURLs) > 0 {
			conn.StartHealthCheckRoutine(ctx, 30*time.Second)
		}
		if err := postgres.RunMigrations(ctx, a.DB, a.logger); err != nil {
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	// Redis is also opened without Redis counters so the rate limiter and
	// the aggregator lock can share it across instances
	if cfg.NeedsRedis() || cfg.RedisURL != "" {
		client, err := redisstore.NewClient(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = client
	}

	var licenseStore licenses.Store = mem
	if cfg.LicenseBackend == storage.BackendPostgres {
		licenseStore = postgres.NewLicenseStore(a.conn)
	}

	var counterStore aggregator.RolloverStore = mem
	switch cfg.CounterBackend {
	case storage.BackendPostgres:
		counterStore = postgres.NewCounterStore(a.conn)
	case storage.BackendRedis:
		counterStore = redisstore.New(a.Redis, cfg.RedisKeyPrefix, cfg.CounterRetention)
	}

	return licenseStore, counterStore, nil
}

// RateLimiter returns the per-tenant limiter for the HTTP API, or nil when
// rate limiting is disabled. With Redis configured the budget is shared by
// every instance; otherwise idle buckets are dropped until ctx is done.
func (a *App) RateLimiter(ctx context.Context) middleware.Limiter {
	srv := a.Config.Server
	if srv.RateLimitPerMinute <= 0 {
		return nil
	}
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerWindow = srv.RateLimitPerMinute
	rl.BurstSize = srv.RateLimitBurst

	if a.Redis != nil {
		return middleware.NewDistributedRateLimiter(a.Redis, rl, a.Config.Storage.RedisKeyPrefix+":ratelimit")
	}
	limiter := middleware.NewRateLimiter(rl)
	limiter.StartCleanup(ctx)
	return limiter
}

// Close releases the database and Redis connections
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		a.Redis = nil
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
		a.conn = nil
		a.DB = nil
	}
	return errors.Join(errs...)
}
