package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_SingleHolder(t *testing.T) {
	store, mr := setupStore(t, time.Hour)
	locker := NewLocker(store.client, "test")
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "rollover:2026-09", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lock:rollover:2026-09"))

	_, ok, err = locker.TryLock(ctx, "rollover:2026-09", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire the lock")

	// a stale token leaves the current holder in place
	require.NoError(t, locker.Release(ctx, "rollover:2026-09", "not-the-holder"))
	assert.True(t, mr.Exists("test:lock:rollover:2026-09"))

	require.NoError(t, locker.Release(ctx, "rollover:2026-09", token))
	assert.False(t, mr.Exists("test:lock:rollover:2026-09"))

	_, ok, err = locker.TryLock(ctx, "rollover:2026-09", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_Expires(t *testing.T) {
	store, mr := setupStore(t, time.Hour)
	locker := NewLocker(store.client, "test")
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_InvalidArguments(t *testing.T) {
	store, _ := setupStore(t, time.Hour)
	locker := NewLocker(store.client, "")
	ctx := context.Background()

	_, _, err := locker.TryLock(ctx, "", time.Minute)
	assert.Error(t, err)

	_, _, err = locker.TryLock(ctx, "sweep", 0)
	assert.Error(t, err)

	assert.NoError(t, locker.Release(ctx, "sweep", ""))
}

func TestLocker_Unavailable(t *testing.T) {
	store, mr := setupStore(t, time.Hour)
	locker := NewLocker(store.client, "test")
	mr.Close()

	_, ok, err := locker.TryLock(context.Background(), "sweep", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
