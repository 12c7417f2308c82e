package upgrade

import (
	"testing"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/stretchr/testify/assert"
)

func TestSuggest_NextTier(t *testing.T) {
	a := NewAdvisor(plans.DefaultCatalog())

	s := a.Suggest(plans.TierBasic, "dashboard.advanced")
	assert.True(t, s.HasUpgradePath)
	assert.Equal(t, plans.TierProfessional, s.SuggestedPlan)
	assert.Equal(t, plans.TierBasic, s.CurrentPlan)
	assert.Equal(t, "dashboard.advanced", s.Feature)
	assert.Contains(t, s.Message, "Professional")
}

func TestSuggest_SkipsTiersWithoutFeature(t *testing.T) {
	a := NewAdvisor(plans.DefaultCatalog())

	s := a.Suggest(plans.TierBasic, "sso")
	assert.True(t, s.HasUpgradePath)
	assert.Equal(t, plans.TierEnterprise, s.SuggestedPlan)
}

func TestSuggest_TopTier(t *testing.T) {
	a := NewAdvisor(plans.DefaultCatalog())

	s := a.Suggest(plans.TierPlatform, "anything")
	assert.False(t, s.HasUpgradePath)
	assert.Empty(t, s.SuggestedPlan)
	assert.NotEmpty(t, s.Message)

	next := a.Suggest(plans.TierEnterprise, "anything")
	assert.NotEqual(t, s.Message, next.Message)
}

func TestSuggest_WithoutCatalog(t *testing.T) {
	a := NewAdvisor(nil)

	s := a.Suggest(plans.TierProfessional, "white_label")
	assert.True(t, s.HasUpgradePath)
	assert.Equal(t, plans.TierEnterprise, s.SuggestedPlan)
	assert.Contains(t, s.Message, "enterprise")
}

func TestSuggest_UnknownTier(t *testing.T) {
	a := NewAdvisor(plans.DefaultCatalog())

	s := a.Suggest(plans.Tier("gold"), "sso")
	assert.False(t, s.HasUpgradePath)
}

func TestSuggest_Monotonic(t *testing.T) {
	catalog := plans.DefaultCatalog()
	for _, withCatalog := range []bool{true, false} {
		a := NewAdvisor(nil)
		if withCatalog {
			a = NewAdvisor(catalog)
		}
		for _, current := range plans.Tiers() {
			for code := range catalog.Features {
				s := a.Suggest(current, code)
				if current.IsTop() {
					assert.False(t, s.HasUpgradePath)
					continue
				}
				if assert.True(t, s.HasUpgradePath, "%s/%s", current, code) {
					assert.True(t, current.Less(s.SuggestedPlan), "%s suggested %s for %s", current, s.SuggestedPlan, code)
				}
			}
		}
	}
}

func TestSuggestQuota(t *testing.T) {
	a := NewAdvisor(plans.DefaultCatalog())

	s := a.SuggestQuota(plans.TierBasic, "dashboard.basic", 10, 10)
	assert.True(t, s.HasUpgradePath)
	assert.True(t, plans.TierBasic.Less(s.SuggestedPlan))
	assert.Contains(t, s.Message, "10 of 10")

	top := a.SuggestQuota(plans.TierPlatform, "dashboard.basic", 10, 10)
	assert.False(t, top.HasUpgradePath)
}
