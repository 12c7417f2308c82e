package licenses

import "time"

// DefaultGracePeriodDays applies when neither the license nor the engine
// configuration sets a grace period
const DefaultGracePeriodDays = 7

// GracePolicy decides license validity from status and time since expiry
type GracePolicy struct {
	// DefaultDays is used for licenses without their own grace period
	DefaultDays int
}

// NewGracePolicy returns a policy with the given fallback grace period.
// Negative values are treated as zero.
func NewGracePolicy(defaultDays int) GracePolicy {
	if defaultDays < 0 {
		defaultDays = 0
	}
	return GracePolicy{DefaultDays: defaultDays}
}

// GraceDays returns the effective grace period for a license
func (p GracePolicy) GraceDays(l *TenantLicense) int {
	if l.GracePeriodDays != nil {
		return *l.GracePeriodDays
	}
	return p.DefaultDays
}

// GraceEnds returns the last instant at which an expired license is valid
func (p GracePolicy) GraceEnds(l *TenantLicense) time.Time {
	return l.ValidUntil.Add(time.Duration(p.GraceDays(l)) * 24 * time.Hour)
}

// IsValid reports whether the license permits access at now.
//
// suspended is never valid; active and trial are always valid; expired is
// valid while now - valid_until <= grace period. A valid_until in the future
// on an expired license yields a negative difference and is therefore valid.
func (p GracePolicy) IsValid(l *TenantLicense, now time.Time) bool {
	if l == nil {
		return false
	}
	switch l.Status {
	case StatusSuspended:
		return false
	case StatusActive, StatusTrial:
		return true
	case StatusExpired:
		grace := time.Duration(p.GraceDays(l)) * 24 * time.Hour
		return now.Sub(l.ValidUntil) <= grace
	default:
		return false
	}
}

// IsLicenseValid applies the policy with DefaultGracePeriodDays as fallback
func IsLicenseValid(l *TenantLicense, now time.Time) bool {
	return NewGracePolicy(DefaultGracePeriodDays).IsValid(l, now)
}
