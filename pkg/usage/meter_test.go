package usage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
	"github.com/platinummonkey/tollgate/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = usage.CounterKey{TenantID: "t1", Feature: "dashboard.basic", Period: "2026-01"}

func TestMeter_SoftMode(t *testing.T) {
	ctx := context.Background()
	m := usage.NewMeter(memory.New(), usage.MeterConfig{})
	assert.Equal(t, plans.ModeSoft, m.Mode("dashboard.basic"))

	var res usage.IncrementResult
	var err error
	for i := 0; i < 12; i++ {
		res, err = m.CheckAndIncrement(ctx, testKey, 10, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	assert.Equal(t, int64(12), res.CurrentUsage)
	assert.True(t, res.OverLimit)
	assert.True(t, res.NearLimit)
	assert.NoError(t, res.Err("dashboard.basic"))
}

func TestMeter_HardMode(t *testing.T) {
	ctx := context.Background()
	m := usage.NewMeter(memory.New(), usage.MeterConfig{
		Modes: map[string]plans.EnforcementMode{"dashboard.basic": plans.ModeHard},
	})

	for i := 1; i <= 10; i++ {
		res, err := m.CheckAndIncrement(ctx, testKey, 10, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "increment %d", i)
		assert.False(t, res.OverLimit)
		assert.Equal(t, i >= 9, res.NearLimit)
	}

	res, err := m.CheckAndIncrement(ctx, testKey, 10, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.OverLimit)
	assert.Equal(t, int64(10), res.CurrentUsage)
	assert.Equal(t, plans.Limit(10), res.Limit)

	qerr := res.Err("dashboard.basic")
	require.Error(t, qerr)
	assert.True(t, usage.IsQuotaExceeded(qerr))

	counter, err := m.GetUsage(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(10), counter.Count)
}

func TestMeter_ZeroLimitIsUnusable(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []plans.EnforcementMode{plans.ModeSoft, plans.ModeHard} {
		t.Run(string(mode), func(t *testing.T) {
			m := usage.NewMeter(memory.New(), usage.MeterConfig{DefaultMode: mode})

			res, err := m.CheckAndIncrement(ctx, testKey, 0, 1)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.True(t, res.OverLimit)
			assert.Equal(t, int64(0), res.CurrentUsage)

			check, err := m.Check(ctx, testKey, 0)
			require.NoError(t, err)
			assert.False(t, check.Allowed)
		})
	}
}

func TestMeter_Unlimited(t *testing.T) {
	ctx := context.Background()
	m := usage.NewMeter(memory.New(), usage.MeterConfig{DefaultMode: plans.ModeHard})

	res, err := m.CheckAndIncrement(ctx, testKey, plans.Unlimited, 1000000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.OverLimit)
	assert.False(t, res.NearLimit)
}

func TestMeter_InvalidDelta(t *testing.T) {
	m := usage.NewMeter(memory.New(), usage.MeterConfig{})
	_, err := m.CheckAndIncrement(context.Background(), testKey, 10, 0)
	assert.ErrorIs(t, err, usage.ErrInvalidDelta)
}

func TestMeter_Check(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _, err := store.Increment(ctx, testKey, 10, 10, false)
	require.NoError(t, err)

	hard := usage.NewMeter(store, usage.MeterConfig{DefaultMode: plans.ModeHard})
	res, err := hard.Check(ctx, testKey, 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.OverLimit)

	soft := usage.NewMeter(store, usage.MeterConfig{})
	res, err = soft.Check(ctx, testKey, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.OverLimit)
	assert.True(t, res.NearLimit)

	// Check never changes the counter
	for i := 0; i < 3; i++ {
		c, err := soft.GetUsage(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, int64(10), c.Count)
	}
}

func TestMeter_ConcurrentHardStop(t *testing.T) {
	const (
		n     = 200
		limit = 37
	)
	ctx := context.Background()
	m := usage.NewMeter(memory.New(), usage.MeterConfig{DefaultMode: plans.ModeHard})

	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := m.CheckAndIncrement(ctx, testKey, limit, 1)
			if !assert.NoError(t, err) {
				return
			}
			if res.Allowed {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(limit), accepted.Load())
	assert.Equal(t, int64(n-limit), rejected.Load())

	c, err := m.GetUsage(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), c.Count)
}

type failingStore struct {
	usage.CounterStore
	err error
}

func (f failingStore) Increment(ctx context.Context, key usage.CounterKey, delta int64, limit plans.Limit, hard bool) (int64, bool, error) {
	return 0, false, f.err
}

func (f failingStore) Get(ctx context.Context, key usage.CounterKey) (usage.UsageCounter, error) {
	return usage.UsageCounter{}, f.err
}

func TestMeter_StoreErrorsAreUnavailable(t *testing.T) {
	m := usage.NewMeter(failingStore{err: errors.New("dial tcp: refused")}, usage.MeterConfig{})

	_, err := m.CheckAndIncrement(context.Background(), testKey, 10, 1)
	assert.True(t, errors.Is(err, storage.ErrUnavailable))

	_, err = m.Check(context.Background(), testKey, 10)
	assert.True(t, errors.Is(err, storage.ErrUnavailable))
}

type slowStore struct {
	usage.CounterStore
}

func (slowStore) Increment(ctx context.Context, key usage.CounterKey, delta int64, limit plans.Limit, hard bool) (int64, bool, error) {
	<-ctx.Done()
	return 0, false, ctx.Err()
}

func TestMeter_Timeout(t *testing.T) {
	m := usage.NewMeter(slowStore{}, usage.MeterConfig{Timeout: 10 * time.Millisecond})

	_, err := m.CheckAndIncrement(context.Background(), testKey, 10, 1)
	assert.True(t, storage.IsUnavailable(err))
}
