package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/entitlements"
	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: "0"},
		Engine: config.EngineConfig{
			GracePeriodDays:    7,
			DefaultMode:        plans.ModeSoft,
			RequestTimeout:     time.Second,
			LicenseCacheTTL:    time.Minute,
			LicenseCacheSize:   100,
			RetryQueueCapacity: 10,
		},
		Aggregator: config.AggregatorConfig{
			FlushInterval:    time.Minute,
			BoundarySchedule: "5 0 * * *",
			Workers:          2,
			LockTTL:          time.Minute,
		},
		Storage:       storage.DefaultConfig(),
		Observability: config.ObservabilityConfig{LogLevel: observability.ErrorLevel},
	}
}

func testOptions() Options {
	return Options{Logger: observability.NewLogger(observability.ErrorLevel, io.Discard), Version: "test"}
}

func seedLicense(t *testing.T, a *App, tenant string) {
	t.Helper()
	require.NoError(t, a.Evaluator.UpdateLicense(context.Background(), &licenses.TenantLicense{
		TenantID:   tenant,
		Plan:       plans.TierBasic,
		Features:   licenses.NewFeatureSet("dashboard.basic", "api.calls"),
		Limits:     map[string]plans.Limit{"dashboard.basic": 10, "api.calls": 1000},
		Status:     licenses.StatusActive,
		ValidUntil: time.Now().AddDate(0, 1, 0),
	}))
}

func TestOpen_Memory(t *testing.T) {
	a, err := Open(context.Background(), testConfig(), testOptions())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.RateLimiter(context.Background()))
	assert.NotNil(t, a.Health)
	assert.NotNil(t, a.Registry)

	seedLicense(t, a, "acme")

	d := a.Evaluator.CheckAccess(context.Background(), entitlements.AccessRequest{
		TenantID: "acme",
		Feature:  "dashboard.basic",
	}, time.Now())
	assert.True(t, d.Allowed)

	res, err := a.Evaluator.RecordUsage(context.Background(), entitlements.UsageRequest{
		TenantID: "acme",
		Feature:  "api.calls",
		Value:    3,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// the aggregator shares the counter store with the evaluator
	stats, err := a.Aggregator.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Applied)

	assert.NoError(t, a.Close())
}

func TestOpen_LocalRateLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitPerMinute = 60
	cfg.Server.RateLimitBurst = 5

	a, err := Open(context.Background(), cfg, testOptions())
	require.NoError(t, err)
	defer a.Close()

	rl, ok := a.RateLimiter(context.Background()).(*middleware.RateLimiter)
	require.True(t, ok)

	status, err := rl.Allow(context.Background(), "tenant:acme")
	require.NoError(t, err)
	assert.True(t, status.Allowed)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Storage.CounterBackend = storage.BackendRedis
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	cfg.Server.RateLimitPerMinute = 60

	a, err := Open(context.Background(), cfg, testOptions())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	_, ok := a.RateLimiter(context.Background()).(*middleware.DistributedRateLimiter)
	assert.True(t, ok)

	seedLicense(t, a, "acme")
	res, err := a.Evaluator.RecordUsage(context.Background(), entitlements.UsageRequest{
		TenantID: "acme",
		Feature:  "api.calls",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.NotEmpty(t, mr.Keys())

	status := a.Health.Check(context.Background())
	assert.Equal(t, observability.StatusHealthy, status.Status)

	assert.NoError(t, a.Close())
	assert.Nil(t, a.Redis)
}

func TestOpen_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.CounterBackend = storage.BackendRedis
	cfg.Storage.RedisURL = "redis://127.0.0.1:1"

	_, err := Open(context.Background(), cfg, testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestOpen_CatalogFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		cfg := testConfig()
		cfg.Engine.PlanCatalogPath = filepath.Join(dir, "missing.yaml")

		_, err := Open(context.Background(), cfg, testOptions())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "plan catalog")
	})

	t.Run("custom catalog", func(t *testing.T) {
		path := filepath.Join(dir, "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
features:
  reports.export:
    mode: hard
plans:
  basic:
    display_name: Basic
    features: [reports.export]
    limits:
      reports.export: 2
`), 0o600))

		cfg := testConfig()
		cfg.Engine.PlanCatalogPath = path

		a, err := Open(context.Background(), cfg, testOptions())
		require.NoError(t, err)
		defer a.Close()

		assert.Len(t, a.Catalog.Plans, 1)
		assert.Equal(t, plans.ModeHard, a.Evaluator.EnforcementMode("reports.export"))
	})
}
