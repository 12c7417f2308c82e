package api

import (
	"context"
	"time"

	"github.com/platinummonkey/tollgate/pkg/entitlements"
	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

// Engine is the entitlement engine behind the API.
// *entitlements.Evaluator implements it.
type Engine interface {
	CheckAccess(ctx context.Context, req entitlements.AccessRequest, now time.Time) entitlements.Decision
	RecordUsage(ctx context.Context, req entitlements.UsageRequest) (entitlements.RecordResult, error)
	AdmitUsage(req entitlements.UsageRequest) (usage.UsageEvent, error)
	GetUsage(ctx context.Context, tenantID, period string) (map[string]usage.UsageCounter, error)
	GetLicense(ctx context.Context, tenantID string) (*licenses.TenantLicense, error)
	IsLicenseValid(l *licenses.TenantLicense, now time.Time) bool
	UpdateLicense(ctx context.Context, l *licenses.TenantLicense) error
	Transition(ctx context.Context, tenantID string, ev licenses.Event, validUntil time.Time) (*licenses.TenantLicense, error)
	EnforcementMode(feature string) plans.EnforcementMode
}

// UsageBuffer accepts usage for batched application.
// *aggregator.Aggregator implements it.
type UsageBuffer interface {
	Submit(ev usage.UsageEvent) error
}

// LicenseResponse is the body of GET /license
type LicenseResponse struct {
	*licenses.TenantLicense
	// Valid is true when the license is active, in trial, or expired but
	// still within its grace period
	Valid bool `json:"valid"`
}

// AccessBody is the body of POST /access
type AccessBody struct {
	Feature string `json:"feature"`
	// Role overrides the caller's role header when set
	Role   string `json:"role,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// UsageBody is the body of POST /usage
type UsageBody struct {
	Feature        string            `json:"feature"`
	Value          int64             `json:"value,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// BufferedResponse is returned when usage is handed to the aggregator
// instead of being applied immediately
type BufferedResponse struct {
	Accepted  bool `json:"accepted"`
	Buffered  bool `json:"buffered"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// UsageReport is the body of GET /usage
type UsageReport struct {
	TenantID string                        `json:"tenant_id"`
	Period   string                        `json:"period"`
	Counters map[string]usage.UsageCounter `json:"counters"`
}

// LicenseEventBody is the body of POST /license/events
type LicenseEventBody struct {
	Event licenses.Event `json:"event"`
	// ValidUntil extends the license. Required for renew and reactivate
	// when the stored valid_until has passed.
	ValidUntil time.Time `json:"valid_until,omitempty"`
}
