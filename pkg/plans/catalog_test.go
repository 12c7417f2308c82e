package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
features:
  dashboard.basic:
    mode: hard
  dashboard.advanced: {}
  audit.logs:
    min_role: admin
plans:
  basic:
    display_name: Basic
    features: [dashboard.basic]
    limits:
      dashboard.basic: 10
  professional:
    display_name: Professional
    features: [dashboard.basic, dashboard.advanced]
    limits:
      dashboard.basic: unlimited
  platform:
    display_name: Platform
    grace_period_days: 30
    features: [dashboard.basic, dashboard.advanced, audit.logs]
`

func TestDefaultCatalogIsValid(t *testing.T) {
	c := DefaultCatalog()
	require.NotNil(t, c)

	for _, tier := range Tiers() {
		p, ok := c.Plan(tier)
		require.True(t, ok, "missing plan %s", tier)
		assert.Equal(t, tier, p.Tier)
	}

	// Higher tiers never lose features
	prev, _ := c.Plan(TierBasic)
	for _, tier := range Tiers()[1:] {
		p, _ := c.Plan(tier)
		for _, f := range prev.Features {
			assert.True(t, p.Includes(f), "%s drops %s from %s", tier, f, prev.Tier)
		}
		prev = p
	}
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	basic, ok := c.Plan(TierBasic)
	require.True(t, ok)
	assert.True(t, basic.Includes("dashboard.basic"))
	assert.False(t, basic.Includes("dashboard.advanced"))
	assert.Equal(t, Limit(10), basic.Limits["dashboard.basic"])

	pro, _ := c.Plan(TierProfessional)
	assert.Equal(t, Unlimited, pro.Limits["dashboard.basic"])

	platform, _ := c.Plan(TierPlatform)
	require.NotNil(t, platform.GracePeriodDays)
	assert.Equal(t, 30, *platform.GracePeriodDays)

	assert.Equal(t, auth.RoleAdmin, c.MinRole("audit.logs"))
	assert.Equal(t, auth.Role(""), c.MinRole("dashboard.basic"))
	assert.Equal(t, map[string]EnforcementMode{"dashboard.basic": ModeHard}, c.Modes())
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no plans",
			yaml: "features: {}\n",
		},
		{
			name: "unknown tier",
			yaml: "features: {a: {}}\nplans:\n  gold:\n    features: [a]\n",
		},
		{
			name: "undefined feature",
			yaml: "features: {a: {}}\nplans:\n  basic:\n    features: [b]\n",
		},
		{
			name: "limit for excluded feature",
			yaml: "features: {a: {}, b: {}}\nplans:\n  basic:\n    features: [a]\n    limits: {b: 5}\n",
		},
		{
			name: "negative limit",
			yaml: "features: {a: {}}\nplans:\n  basic:\n    features: [a]\n    limits: {a: -5}\n",
		},
		{
			name: "bad limit string",
			yaml: "features: {a: {}}\nplans:\n  basic:\n    features: [a]\n    limits: {a: lots}\n",
		},
		{
			name: "bad mode",
			yaml: "features: {a: {mode: strict}}\nplans:\n  basic:\n    features: [a]\n",
		},
		{
			name: "bad role",
			yaml: "features: {a: {min_role: root}}\nplans:\n  basic:\n    features: [a]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Plans, 3)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCheckSubset(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	assert.NoError(t, c.CheckSubset(TierBasic, []string{"dashboard.basic"}))

	err = c.CheckSubset(TierBasic, []string{"dashboard.basic", "dashboard.advanced"})
	assert.ErrorIs(t, err, ErrFeatureNotInPlan)
	assert.Contains(t, err.Error(), "dashboard.advanced")

	assert.Error(t, c.CheckSubset(TierEnterprise, nil))
}

func TestLowestTierWith(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	tier, ok := c.LowestTierWith("dashboard.advanced", TierBasic)
	assert.True(t, ok)
	assert.Equal(t, TierProfessional, tier)

	// enterprise is absent from this catalog, so audit.logs skips to platform
	tier, ok = c.LowestTierWith("audit.logs", TierProfessional)
	assert.True(t, ok)
	assert.Equal(t, TierPlatform, tier)

	_, ok = c.LowestTierWith("audit.logs", TierPlatform)
	assert.False(t, ok)
}

func TestDefaultLimitsReturnsCopy(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	limits := c.DefaultLimits(TierBasic)
	limits["dashboard.basic"] = 999

	basic, _ := c.Plan(TierBasic)
	assert.Equal(t, Limit(10), basic.Limits["dashboard.basic"])
	assert.Empty(t, c.DefaultLimits(TierEnterprise))
}
