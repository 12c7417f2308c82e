package licenses

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Status represents the lifecycle status of a license
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusExpired, StatusSuspended:
		return true
	}
	return false
}

var (
	// ErrLicenseNotFound is returned when a tenant has no license record
	ErrLicenseNotFound = errors.New("license not found")
	// ErrInvalidLicense is returned when a license fails validation on write
	ErrInvalidLicense = errors.New("invalid license")
)

// FeatureSet is an unordered set of feature codes
type FeatureSet map[string]struct{}

// NewFeatureSet builds a set from feature codes, dropping duplicates
func NewFeatureSet(codes ...string) FeatureSet {
	fs := make(FeatureSet, len(codes))
	for _, c := range codes {
		fs[c] = struct{}{}
	}
	return fs
}

// Has reports whether the set contains code
func (fs FeatureSet) Has(code string) bool {
	_, ok := fs[code]
	return ok
}

// Codes returns the members in sorted order
func (fs FeatureSet) Codes() []string {
	out := make([]string, 0, len(fs))
	for c := range fs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array
func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.Codes())
}

// UnmarshalJSON decodes an array of codes
func (fs *FeatureSet) UnmarshalJSON(data []byte) error {
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return err
	}
	*fs = NewFeatureSet(codes...)
	return nil
}

// TenantLicense is the subscription state of a tenant. Records are never
// deleted; a new status supersedes the old one.
type TenantLicense struct {
	TenantID   string                 `json:"tenant_id"`
	Plan       plans.Tier             `json:"plan"`
	Features   FeatureSet             `json:"features"`
	Limits     map[string]plans.Limit `json:"limits,omitempty"`
	Status     Status                 `json:"status"`
	ValidUntil time.Time              `json:"valid_until"`
	// GracePeriodDays overrides the configured default when set
	GracePeriodDays *int      `json:"grace_period_days,omitempty"`
	UpgradeTarget   string    `json:"upgrade_target,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Limit returns the quota for a feature. ok is false when the feature is not
// quota-bound.
func (l *TenantLicense) Limit(code string) (limit plans.Limit, ok bool) {
	limit, ok = l.Limits[code]
	return limit, ok
}

// Clone returns a deep copy so cached values are never shared with callers
func (l *TenantLicense) Clone() *TenantLicense {
	if l == nil {
		return nil
	}
	c := *l
	c.Features = NewFeatureSet(l.Features.Codes()...)
	if l.Limits != nil {
		c.Limits = make(map[string]plans.Limit, len(l.Limits))
		for k, v := range l.Limits {
			c.Limits[k] = v
		}
	}
	if l.GracePeriodDays != nil {
		days := *l.GracePeriodDays
		c.GracePeriodDays = &days
	}
	return &c
}

// NewLicense creates a license for a plan with the catalog's features and
// default limits.
func NewLicense(catalog *plans.Catalog, tenantID string, tier plans.Tier, status Status, validUntil time.Time) (*TenantLicense, error) {
	p, ok := catalog.Plan(tier)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidLicense, tier)
	}
	l := &TenantLicense{
		TenantID:        tenantID,
		Plan:            tier,
		Features:        NewFeatureSet(p.Features...),
		Limits:          catalog.DefaultLimits(tier),
		Status:          status,
		ValidUntil:      validUntil,
		UpgradeTarget:   p.UpgradeURL,
	}
	if p.GracePeriodDays != nil {
		days := *p.GracePeriodDays
		l.GracePeriodDays = &days
	}
	if err := Validate(catalog, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks a license against the catalog: the plan must exist, the
// feature set must be a subset of the plan's features and limits must be
// well formed.
func Validate(catalog *plans.Catalog, l *TenantLicense) error {
	if l.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidLicense)
	}
	if !l.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidLicense, l.Status)
	}
	if l.GracePeriodDays != nil && *l.GracePeriodDays < 0 {
		return fmt.Errorf("%w: grace period days must not be negative", ErrInvalidLicense)
	}
	if err := catalog.CheckSubset(l.Plan, l.Features.Codes()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLicense, err)
	}
	for code, limit := range l.Limits {
		if !l.Features.Has(code) {
			return fmt.Errorf("%w: limit set for unlicensed feature %q", ErrInvalidLicense, code)
		}
		if err := limit.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidLicense, err)
		}
	}
	return nil
}
