package licenses

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestGracePolicy_IsValid(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	policy := NewGracePolicy(7)

	tests := []struct {
		name    string
		license TenantLicense
		want    bool
	}{
		{
			name:    "active far past valid_until",
			license: TenantLicense{Status: StatusActive, ValidUntil: now.AddDate(-1, 0, 0)},
			want:    true,
		},
		{
			name:    "trial",
			license: TenantLicense{Status: StatusTrial, ValidUntil: now.AddDate(0, 0, -30)},
			want:    true,
		},
		{
			name:    "suspended with future valid_until",
			license: TenantLicense{Status: StatusSuspended, ValidUntil: now.AddDate(1, 0, 0)},
			want:    false,
		},
		{
			name:    "expired 5 days with 7 day grace",
			license: TenantLicense{Status: StatusExpired, ValidUntil: now.AddDate(0, 0, -5), GracePeriodDays: intPtr(7)},
			want:    true,
		},
		{
			name:    "expired 5 days with 3 day grace",
			license: TenantLicense{Status: StatusExpired, ValidUntil: now.AddDate(0, 0, -5), GracePeriodDays: intPtr(3)},
			want:    false,
		},
		{
			name:    "expired exactly at grace boundary",
			license: TenantLicense{Status: StatusExpired, ValidUntil: now.Add(-7 * 24 * time.Hour)},
			want:    true,
		},
		{
			name:    "expired one second past grace boundary",
			license: TenantLicense{Status: StatusExpired, ValidUntil: now.Add(-7*24*time.Hour - time.Second)},
			want:    false,
		},
		{
			name:    "expired with future valid_until",
			license: TenantLicense{Status: StatusExpired, ValidUntil: now.Add(time.Hour), GracePeriodDays: intPtr(0)},
			want:    true,
		},
		{
			name:    "expired with zero grace",
			license: TenantLicense{Status: StatusExpired, ValidUntil: now.Add(-time.Second), GracePeriodDays: intPtr(0)},
			want:    false,
		},
		{
			name:    "unknown status",
			license: TenantLicense{Status: "paused", ValidUntil: now.AddDate(1, 0, 0)},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.IsValid(&tt.license, now))
		})
	}

	assert.False(t, policy.IsValid(nil, now))
}

func TestGracePolicy_Defaults(t *testing.T) {
	l := &TenantLicense{Status: StatusExpired}
	assert.Equal(t, 0, NewGracePolicy(-3).GraceDays(l))
	assert.Equal(t, 14, NewGracePolicy(14).GraceDays(l))

	l.GracePeriodDays = intPtr(2)
	assert.Equal(t, 2, NewGracePolicy(14).GraceDays(l))

	until := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.ValidUntil = until
	assert.Equal(t, until.Add(48*time.Hour), NewGracePolicy(14).GraceEnds(l))
}

func TestIsLicenseValid_UsesDefaultGrace(t *testing.T) {
	now := time.Now().UTC()
	l := &TenantLicense{Status: StatusExpired, ValidUntil: now.AddDate(0, 0, -DefaultGracePeriodDays).Add(time.Minute)}
	assert.True(t, IsLicenseValid(l, now))

	l.ValidUntil = now.AddDate(0, 0, -DefaultGracePeriodDays).Add(-time.Minute)
	assert.False(t, IsLicenseValid(l, now))
}
