// Package upgrade maps a denied feature and the tenant's current plan to
// the plan that unlocks it.
package upgrade

import (
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Suggestion is upgrade guidance attached to a denial
type Suggestion struct {
	Feature       string     `json:"feature"`
	CurrentPlan   plans.Tier `json:"current_plan"`
	SuggestedPlan plans.Tier `json:"suggested_plan,omitempty"`
	Message       string     `json:"message"`
	// UpgradeTarget is opaque to the engine and passed through to callers
	UpgradeTarget  string `json:"upgrade_target,omitempty"`
	HasUpgradePath bool   `json:"has_upgrade_path"`
}

// Advisor produces suggestions from the plan catalog
type Advisor struct {
	catalog *plans.Catalog
}

// NewAdvisor creates an advisor. With a nil catalog it always suggests the
// next tier.
func NewAdvisor(catalog *plans.Catalog) *Advisor {
	return &Advisor{catalog: catalog}
}

// Suggest returns the lowest tier above current that includes the feature,
// falling back to the next tier. The top tier gets a suggestion without an
// upgrade path.
func (a *Advisor) Suggest(current plans.Tier, feature string) Suggestion {
	s := Suggestion{Feature: feature, CurrentPlan: current}

	if current.IsTop() {
		s.Message = fmt.Sprintf("%s is not available on any plan above %s. Contact support to discuss options.",
			feature, a.displayName(current))
		return s
	}

	target, ok := a.lowestWith(current, feature)
	if !ok {
		target, ok = current.Next()
	}
	if !ok {
		s.Message = fmt.Sprintf("No upgrade path is available for %s.", feature)
		return s
	}

	s.SuggestedPlan = target
	s.HasUpgradePath = true
	s.Message = fmt.Sprintf("Upgrade to %s to unlock %s.", a.displayName(target), feature)
	if a.catalog != nil {
		if p, found := a.catalog.Plan(target); found {
			s.UpgradeTarget = p.UpgradeURL
		}
	}
	return s
}

// SuggestQuota is guidance for an exhausted quota on a licensed feature.
// It prefers the lowest higher tier whose default limit exceeds the
// current one.
func (a *Advisor) SuggestQuota(current plans.Tier, feature string, used int64, limit plans.Limit) Suggestion {
	s := a.Suggest(current, feature)
	if !s.HasUpgradePath {
		return s
	}
	if t, ok := a.lowestWithHigherLimit(current, feature, limit); ok {
		s.SuggestedPlan = t
		if p, found := a.catalog.Plan(t); found {
			s.UpgradeTarget = p.UpgradeURL
		}
	}
	s.Message = fmt.Sprintf("You have used %d of %s %s this period. Upgrade to %s for a higher limit.",
		used, limit, feature, a.displayName(s.SuggestedPlan))
	return s
}

func (a *Advisor) lowestWithHigherLimit(current plans.Tier, feature string, limit plans.Limit) (plans.Tier, bool) {
	if a.catalog == nil || !current.Valid() {
		return "", false
	}
	for _, t := range plans.Tiers() {
		if !current.Less(t) {
			continue
		}
		p, ok := a.catalog.Plan(t)
		if !ok || !p.Includes(feature) {
			continue
		}
		l, bound := p.Limits[feature]
		if !bound || l.IsUnlimited() || l > limit {
			return t, true
		}
	}
	return "", false
}

func (a *Advisor) lowestWith(current plans.Tier, feature string) (plans.Tier, bool) {
	if a.catalog == nil || !current.Valid() {
		return "", false
	}
	return a.catalog.LowestTierWith(feature, current)
}

func (a *Advisor) displayName(t plans.Tier) string {
	if a.catalog != nil {
		if p, ok := a.catalog.Plan(t); ok && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return string(t)
}
