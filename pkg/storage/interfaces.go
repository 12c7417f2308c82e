package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a failure to reach a backing store: connection
// errors, timeouts and driver faults. Callers branch on it with errors.Is
// and apply their fail-open or fail-closed policy.
var ErrUnavailable = errors.New("store unavailable")

// UnavailableError wraps a transport error from a store adapter
type UnavailableError struct {
	Store string
	Op    string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) true for every UnavailableError
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable wraps err as an UnavailableError. A nil err returns nil.
func Unavailable(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Store: store, Op: op, Err: err}
}

// IsUnavailable reports whether err is a store availability failure,
// including context deadline expiry.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Backend names accepted by Config
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config for storage backends
type Config struct {
	// LicenseBackend is "memory" or "postgres"
	LicenseBackend string
	// CounterBackend is "memory", "postgres" or "redis"
	CounterBackend string

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	RedisKeyPrefix  string

	// CounterRetention is how long a period's counter is kept in stores that
	// expire keys
	CounterRetention time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		LicenseBackend:      BackendMemory,
		CounterBackend:      BackendMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		RedisKeyPrefix:      "tollgate",
		CounterRetention:    400 * 24 * time.Hour,
	}
}

// NeedsPostgres reports whether any configured backend is PostgreSQL
func (c Config) NeedsPostgres() bool {
	return c.LicenseBackend == BackendPostgres || c.CounterBackend == BackendPostgres
}

// NeedsRedis reports whether any configured backend is Redis
func (c Config) NeedsRedis() bool {
	return c.CounterBackend == BackendRedis
}
