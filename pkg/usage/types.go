package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

var (
	// ErrInvalidDelta is returned for non-positive increments
	ErrInvalidDelta = errors.New("usage delta must be positive")
	// ErrInvalidPeriod is returned for malformed period identifiers
	ErrInvalidPeriod = errors.New("invalid usage period")
)

// CounterKey identifies a usage counter
type CounterKey struct {
	TenantID string `json:"tenant_id"`
	Feature  string `json:"feature"`
	Period   string `json:"period"`
}

// String renders the key as tenant/feature/period
func (k CounterKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.Feature, k.Period)
}

// UsageCounter is the consumption of one feature by one tenant in a period
type UsageCounter struct {
	TenantID  string      `json:"tenant_id"`
	Feature   string      `json:"feature"`
	Period    string      `json:"period"`
	Count     int64       `json:"count"`
	Limit     plans.Limit `json:"limit"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Key returns the counter's key
func (c UsageCounter) Key() CounterKey {
	return CounterKey{TenantID: c.TenantID, Feature: c.Feature, Period: c.Period}
}

// UsageEvent is a single recorded use of a feature
type UsageEvent struct {
	TenantID  string            `json:"tenant_id"`
	Feature   string            `json:"feature"`
	Value     int64             `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// IdempotencyKey deduplicates retried submissions of the same event
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// ReceivedAt is the server time the event was admitted. License
	// validity is judged at this instant, never at the client timestamp.
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// AdmittedAt returns ReceivedAt, or Timestamp for events admitted before
// ReceivedAt was stamped
func (e UsageEvent) AdmittedAt() time.Time {
	if e.ReceivedAt.IsZero() {
		return e.Timestamp
	}
	return e.ReceivedAt
}

// Key returns the counter the event applies to
func (e UsageEvent) Key() CounterKey {
	return CounterKey{TenantID: e.TenantID, Feature: e.Feature, Period: PeriodOf(e.Timestamp)}
}

// IncrementResult classifies a usage check or increment
type IncrementResult struct {
	CurrentUsage int64       `json:"current_usage"`
	Limit        plans.Limit `json:"limit"`
	// OverLimit is true when usage exceeds the limit (soft mode) or the
	// request was refused because it would (hard mode)
	OverLimit bool `json:"over_limit"`
	// Allowed is true when the increment was applied, or for a read-only
	// check, when a further increment of one would be
	Allowed bool `json:"allowed"`
	// NearLimit is set once usage reaches WarningThreshold of the limit
	NearLimit bool `json:"near_limit"`
}

// WarningThreshold is the fraction of a limit at which NearLimit is set
const WarningThreshold = 0.9

// CounterStore persists usage counters. Increment must be atomic per key:
// when hard is set and limit is not Unlimited, the delta is applied only if
// count+delta <= limit, otherwise the counter is left untouched and applied
// is false. Get returns a zero counter for keys never incremented.
type CounterStore interface {
	Increment(ctx context.Context, key CounterKey, delta int64, limit plans.Limit, hard bool) (count int64, applied bool, err error)
	Get(ctx context.Context, key CounterKey) (UsageCounter, error)
	List(ctx context.Context, tenantID, period string) ([]UsageCounter, error)
	ListPeriod(ctx context.Context, period string) ([]UsageCounter, error)
	// Reset sets the counter to zero without removing it
	Reset(ctx context.Context, key CounterKey) error
}

// MarkerStore records the last period whose counters were reset for a
// tenant and feature. An unknown pair returns "".
type MarkerStore interface {
	LastReset(ctx context.Context, tenantID, feature string) (string, error)
	MarkReset(ctx context.Context, tenantID, feature, period string) error
}

// SnapshotSink receives final counters for closed periods. Saving the same
// key twice keeps the first snapshot.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, counter UsageCounter) error
}
