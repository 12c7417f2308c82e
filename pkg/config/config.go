package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Entitlement engine configuration
	Engine EngineConfig

	// Aggregator configuration
	Aggregator AggregatorConfig

	// Storage configuration
	Storage storage.Config

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RateLimitPerMinute caps requests per tenant; 0 disables the limiter
	RateLimitPerMinute int
	RateLimitBurst     int
}

// EngineConfig holds request path settings
type EngineConfig struct {
	// GracePeriodDays applies to licenses without their own grace period
	GracePeriodDays int
	// DefaultMode is the enforcement mode for features the catalog leaves
	// unset
	DefaultMode plans.EnforcementMode
	// RequestTimeout bounds each store call on the request path
	RequestTimeout time.Duration
	// LicenseCacheTTL bounds how long a license is served from cache
	LicenseCacheTTL  time.Duration
	LicenseCacheSize int
	// PlanCatalogPath points to a YAML catalog; empty uses the built-in one
	PlanCatalogPath string
	// RetryQueueCapacity bounds soft-mode usage held while the counter store
	// is down. Zero disables the queue.
	RetryQueueCapacity int
}

// AggregatorConfig holds background job settings
type AggregatorConfig struct {
	FlushInterval    time.Duration
	BoundarySchedule string
	Workers          int
	LockTTL          time.Duration
	// CatchUpPeriods bounds how far back a rollover closes periods a
	// missed run left open
	CatchUpPeriods int
	// RunOnce runs a single boundary pass and exits (usage-aggregator only)
	RunOnce bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Engine:        loadEngineConfig(),
		Aggregator:    loadAggregatorConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ENTITLE_HOST", "0.0.0.0"),
		Port:            getEnv("ENTITLE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ENTITLE_READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getEnvDuration("ENTITLE_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:     getEnvDuration("ENTITLE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ENTITLE_SHUTDOWN_TIMEOUT", 30*time.Second),

		RateLimitPerMinute: getEnvInt("ENTITLE_RATE_LIMIT_PER_MINUTE", 0),
		RateLimitBurst:     getEnvInt("ENTITLE_RATE_LIMIT_BURST", 0),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		GracePeriodDays:    getEnvInt("ENTITLE_GRACE_PERIOD_DAYS", 7),
		DefaultMode:        plans.EnforcementMode(strings.ToLower(getEnv("ENTITLE_ENFORCEMENT_MODE", string(plans.ModeSoft)))),
		RequestTimeout:     getEnvDuration("ENTITLE_REQUEST_TIMEOUT", 250*time.Millisecond),
		LicenseCacheTTL:    getEnvDuration("ENTITLE_LICENSE_CACHE_TTL", 30*time.Second),
		LicenseCacheSize:   getEnvInt("ENTITLE_LICENSE_CACHE_SIZE", 10000),
		PlanCatalogPath:    getEnv("ENTITLE_PLAN_CATALOG", ""),
		RetryQueueCapacity: getEnvInt("ENTITLE_RETRY_QUEUE_CAPACITY", 10000),
	}
}

func loadAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		FlushInterval:    getEnvDuration("ENTITLE_AGGREGATOR_INTERVAL", 5*time.Minute),
		BoundarySchedule: getEnv("ENTITLE_BOUNDARY_SCHEDULE", "5 0 * * *"),
		Workers:          getEnvInt("ENTITLE_AGGREGATOR_WORKERS", 8),
		LockTTL:          getEnvDuration("ENTITLE_AGGREGATOR_LOCK_TTL", 10*time.Minute),
		CatchUpPeriods:   getEnvInt("ENTITLE_AGGREGATOR_CATCHUP_PERIODS", 12),
		RunOnce:          getEnvBool("ENTITLE_AGGREGATOR_RUN_ONCE", false),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// Backends
	if backend := getEnv("ENTITLE_LICENSE_BACKEND", ""); backend != "" {
		cfg.LicenseBackend = strings.ToLower(backend)
	}
	if backend := getEnv("ENTITLE_COUNTER_BACKEND", ""); backend != "" {
		cfg.CounterBackend = strings.ToLower(backend)
	}

	// PostgreSQL config
	if pgURL := getEnv("ENTITLE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("ENTITLE_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("ENTITLE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("ENTITLE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("ENTITLE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("ENTITLE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("ENTITLE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("ENTITLE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("ENTITLE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("ENTITLE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if prefix := getEnv("ENTITLE_REDIS_KEY_PREFIX", ""); prefix != "" {
		cfg.RedisKeyPrefix = prefix
	}

	if retention := getEnvDuration("ENTITLE_COUNTER_RETENTION", 0); retention > 0 {
		cfg.CounterRetention = retention
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("ENTITLE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ENTITLE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ENTITLE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ENTITLE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ENTITLE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("ENTITLE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ENTITLE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("ENTITLE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}

	if c.Engine.GracePeriodDays < 0 {
		errs = append(errs, fmt.Errorf("grace period days must not be negative, got %d", c.Engine.GracePeriodDays))
	}
	if !c.Engine.DefaultMode.Valid() {
		errs = append(errs, fmt.Errorf("invalid enforcement mode %q (must be soft or hard)", c.Engine.DefaultMode))
	}
	if c.Engine.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Engine.LicenseCacheTTL <= 0 {
		errs = append(errs, errors.New("license cache TTL must be positive"))
	}
	if c.Engine.RetryQueueCapacity < 0 {
		errs = append(errs, errors.New("retry queue capacity must not be negative"))
	}

	if c.Aggregator.FlushInterval <= 0 {
		errs = append(errs, errors.New("aggregator interval must be positive"))
	}
	if _, err := cron.ParseStandard(c.Aggregator.BoundarySchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid boundary schedule %q: %w", c.Aggregator.BoundarySchedule, err))
	}

	switch c.Storage.LicenseBackend {
	case storage.BackendMemory, storage.BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("invalid license backend: %s (must be memory or postgres)", c.Storage.LicenseBackend))
	}
	switch c.Storage.CounterBackend {
	case storage.BackendMemory, storage.BackendPostgres, storage.BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid counter backend: %s (must be memory, postgres or redis)", c.Storage.CounterBackend))
	}
	if c.Storage.NeedsPostgres() && c.Storage.PostgresURL == "" {
		errs = append(errs, errors.New("postgres URL is required for the postgres backend"))
	}
	if c.Storage.NeedsRedis() && c.Storage.RedisURL == "" {
		errs = append(errs, errors.New("redis URL is required for the redis backend"))
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}
	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("OpenTelemetry sample ratio must be within [0, 1], got %v", r))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
