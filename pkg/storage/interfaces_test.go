package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, BackendMemory, cfg.LicenseBackend)
	assert.Equal(t, BackendMemory, cfg.CounterBackend)
	assert.Equal(t, 20, cfg.PostgresMaxConns)
	assert.Equal(t, 2, cfg.PostgresMinConns)
	assert.Equal(t, 10*time.Second, cfg.PostgresTimeout)
	assert.Equal(t, 3, cfg.RedisMaxRetries)
	assert.Equal(t, 10, cfg.RedisPoolSize)
	assert.Equal(t, "tollgate", cfg.RedisKeyPrefix)
	assert.False(t, cfg.NeedsPostgres())
	assert.False(t, cfg.NeedsRedis())
}

func TestConfigBackends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LicenseBackend = BackendPostgres
	cfg.CounterBackend = BackendRedis

	assert.True(t, cfg.NeedsPostgres())
	assert.True(t, cfg.NeedsRedis())
}

func TestUnavailable(t *testing.T) {
	assert.Nil(t, Unavailable("postgres", "get license", nil))

	cause := errors.New("connection refused")
	err := Unavailable("postgres", "get license", cause)

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, "postgres get license: connection refused", err.Error())

	wrapped := fmt.Errorf("load: %w", err)
	assert.True(t, IsUnavailable(wrapped))

	var ue *UnavailableError
	assert.True(t, errors.As(wrapped, &ue))
	assert.Equal(t, "get license", ue.Op)
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
	assert.True(t, IsUnavailable(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.False(t, IsUnavailable(errors.New("not found")))
	assert.False(t, IsUnavailable(nil))
}
