package entitlements

import (
	"errors"
	"time"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/upgrade"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

// Reason explains a denied decision or a rejected usage recording
type Reason string

const (
	ReasonLicenseNotFound    Reason = "LicenseNotFound"
	ReasonLicenseExpired     Reason = "LicenseExpired"
	ReasonFeatureNotLicensed Reason = "FeatureNotLicensed"
	ReasonInsufficientRole   Reason = "InsufficientRole"
	ReasonUsageLimitExceeded Reason = "UsageLimitExceeded"
	ReasonStoreUnavailable   Reason = "StoreUnavailable"
	// ReasonPeriodClosed refuses usage backdated into a period whose
	// counters were already rolled over
	ReasonPeriodClosed Reason = "PeriodClosed"
)

// DefaultMaxEventSkew is how far ahead of the server clock a usage
// timestamp may be
const DefaultMaxEventSkew = 5 * time.Minute

// ErrInvalidRequest is returned for malformed input. Denials are never
// errors.
var ErrInvalidRequest = errors.New("invalid entitlement request")

// AccessRequest asks whether a caller may use a feature
type AccessRequest struct {
	TenantID string    `json:"tenant_id"`
	Feature  string    `json:"feature"`
	Role     auth.Role `json:"role,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
}

// Decision is the outcome of CheckAccess
type Decision struct {
	Allowed         bool                   `json:"allowed"`
	Reason          Reason                 `json:"reason,omitempty"`
	UpgradeRequired bool                   `json:"upgrade_required"`
	Suggestion      *upgrade.Suggestion    `json:"suggestion,omitempty"`
	Usage           *usage.IncrementResult `json:"usage,omitempty"`
	// Stale is set when the license came from the last-known-good cache
	// because the store was unreachable
	Stale bool `json:"stale,omitempty"`
}

// UsageRequest records consumption of a feature
type UsageRequest struct {
	TenantID string `json:"tenant_id"`
	Feature  string `json:"feature"`
	// Value defaults to 1
	Value    int64             `json:"value,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Timestamp defaults to now and selects the period
	Timestamp      time.Time `json:"timestamp,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Event converts the request into a usage event stamped at now when the
// request carries no timestamp
func (r UsageRequest) Event(now time.Time) usage.UsageEvent {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	value := r.Value
	if value == 0 {
		value = 1
	}
	return usage.UsageEvent{
		TenantID:       r.TenantID,
		Feature:        r.Feature,
		Value:          value,
		Timestamp:      ts.UTC(),
		Metadata:       r.Metadata,
		IdempotencyKey: r.IdempotencyKey,
	}
}

// RecordResult is the outcome of RecordUsage
type RecordResult struct {
	Accepted     bool        `json:"accepted"`
	CurrentUsage int64       `json:"current_usage"`
	Limit        plans.Limit `json:"limit"`
	OverLimit    bool        `json:"over_limit"`
	NearLimit    bool        `json:"near_limit"`
	// Queued is set when the counter store was unreachable and the event
	// was handed to the retry queue
	Queued     bool                `json:"queued,omitempty"`
	Reason     Reason              `json:"reason,omitempty"`
	Suggestion *upgrade.Suggestion `json:"suggestion,omitempty"`
	Stale      bool                `json:"stale,omitempty"`
}

// Recorder receives decision and usage outcomes. *observability.Metrics
// implements it.
type Recorder interface {
	ObserveDecision(reason string)
	ObserveUsage(outcome string)
	ObserveTransition(event string)
	ObserveStoreError(store string)
	SetRetryQueueDepth(n int)
}

// Usage outcomes reported to the Recorder
const (
	OutcomeAccepted  = "accepted"
	OutcomeOverLimit = "over_limit"
	OutcomeRejected  = "rejected"
	OutcomeQueued    = "queued"
	OutcomeFailed    = "failed"
)

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string)   {}
func (nopRecorder) ObserveUsage(string)      {}
func (nopRecorder) ObserveTransition(string) {}
func (nopRecorder) ObserveStoreError(string) {}
func (nopRecorder) SetRetryQueueDepth(int)   {}
