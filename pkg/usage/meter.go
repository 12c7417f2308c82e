package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// QuotaExceededError reports a refused increment
type QuotaExceededError struct {
	Resource string
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return "quota exceeded for " + e.Resource
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	_, ok := err.(*QuotaExceededError)
	return ok
}

// MeterConfig configures a Meter
type MeterConfig struct {
	// DefaultMode applies to features without a catalog mode
	DefaultMode plans.EnforcementMode
	// Modes overrides the default per feature
	Modes map[string]plans.EnforcementMode
	// Timeout bounds each store call; zero disables it
	Timeout time.Duration
}

// Meter enforces limits on top of a CounterStore
type Meter struct {
	store       CounterStore
	defaultMode plans.EnforcementMode
	modes       map[string]plans.EnforcementMode
	timeout     time.Duration
}

// NewMeter creates a meter. An empty default mode is soft.
func NewMeter(store CounterStore, cfg MeterConfig) *Meter {
	mode := cfg.DefaultMode
	if mode == "" {
		mode = plans.ModeSoft
	}
	modes := make(map[string]plans.EnforcementMode, len(cfg.Modes))
	for k, v := range cfg.Modes {
		modes[k] = v
	}
	return &Meter{
		store:       store,
		defaultMode: mode,
		modes:       modes,
		timeout:     cfg.Timeout,
	}
}

// Mode returns the enforcement mode for a feature
func (m *Meter) Mode(feature string) plans.EnforcementMode {
	if mode, ok := m.modes[feature]; ok {
		return mode
	}
	return m.defaultMode
}

// CheckAndIncrement atomically adds delta to the counter under limit.
//
// A zero limit refuses every increment. In hard mode the counter never
// exceeds the limit: a refused increment leaves it unchanged and reports
// Allowed=false, OverLimit=true. In soft mode the increment always applies
// and OverLimit reports whether the new count is above the limit.
func (m *Meter) CheckAndIncrement(ctx context.Context, key CounterKey, limit plans.Limit, delta int64) (IncrementResult, error) {
	if delta <= 0 {
		return IncrementResult{}, fmt.Errorf("%w: %d", ErrInvalidDelta, delta)
	}
	if limit == 0 {
		return m.refuseUnusable(ctx, key)
	}

	hard := m.Mode(key.Feature) == plans.ModeHard

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	count, applied, err := m.store.Increment(ctx, key, delta, limit, hard)
	if err != nil {
		return IncrementResult{Limit: limit}, unavailable("increment", err)
	}

	res := IncrementResult{
		CurrentUsage: count,
		Limit:        limit,
		Allowed:      applied,
		NearLimit:    nearLimit(count, limit),
	}
	if hard {
		res.OverLimit = !applied
	} else {
		res.OverLimit = !limit.IsUnlimited() && count > int64(limit)
	}
	return res, nil
}

// Check classifies the counter without changing it. Allowed reports
// whether an increment of one would be accepted.
func (m *Meter) Check(ctx context.Context, key CounterKey, limit plans.Limit) (IncrementResult, error) {
	counter, err := m.GetUsage(ctx, key)
	if err != nil {
		return IncrementResult{Limit: limit}, err
	}

	res := IncrementResult{
		CurrentUsage: counter.Count,
		Limit:        limit,
		NearLimit:    nearLimit(counter.Count, limit),
	}
	switch {
	case limit.IsUnlimited():
		res.Allowed = true
	case limit == 0:
		res.OverLimit = true
	case m.Mode(key.Feature) == plans.ModeHard:
		res.OverLimit = counter.Count >= int64(limit)
		res.Allowed = !res.OverLimit
	default:
		res.OverLimit = counter.Count > int64(limit)
		res.Allowed = true
	}
	return res, nil
}

// GetUsage reads a counter
func (m *Meter) GetUsage(ctx context.Context, key CounterKey) (UsageCounter, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	counter, err := m.store.Get(ctx, key)
	if err != nil {
		return UsageCounter{}, unavailable("get", err)
	}
	return counter, nil
}

// List reads every counter of a tenant in a period
func (m *Meter) List(ctx context.Context, tenantID, period string) ([]UsageCounter, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	counters, err := m.store.List(ctx, tenantID, period)
	if err != nil {
		return nil, unavailable("list", err)
	}
	return counters, nil
}

func (m *Meter) refuseUnusable(ctx context.Context, key CounterKey) (IncrementResult, error) {
	counter, err := m.GetUsage(ctx, key)
	if err != nil {
		return IncrementResult{}, err
	}
	return IncrementResult{CurrentUsage: counter.Count, Limit: 0, OverLimit: true}, nil
}

func (m *Meter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Err returns a QuotaExceededError when the result was refused
func (r IncrementResult) Err(feature string) error {
	if r.Allowed {
		return nil
	}
	return &QuotaExceededError{Resource: feature, Current: r.CurrentUsage, Limit: int64(r.Limit)}
}

func nearLimit(count int64, limit plans.Limit) bool {
	if limit.IsUnlimited() || limit <= 0 {
		return false
	}
	return float64(count) >= float64(limit)*WarningThreshold
}

func unavailable(op string, err error) error {
	if storage.IsUnavailable(err) {
		return err
	}
	return storage.Unavailable("counters", op, err)
}
