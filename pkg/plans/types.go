package plans

import (
	"fmt"
	"strings"
)

// Tier represents a subscription plan tier. Tiers are totally ordered.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierPlatform     Tier = "platform"
)

// tierOrder lists tiers from lowest to highest
var tierOrder = []Tier{TierBasic, TierProfessional, TierEnterprise, TierPlatform}

// Tiers returns all tiers from lowest to highest
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// Rank returns the zero-based position of the tier, or -1 for unknown tiers
func (t Tier) Rank() int {
	for i, tier := range tierOrder {
		if tier == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Next returns the tier directly above t. ok is false for the top tier and
// for unknown tiers.
func (t Tier) Next() (next Tier, ok bool) {
	r := t.Rank()
	if r < 0 || r == len(tierOrder)-1 {
		return "", false
	}
	return tierOrder[r+1], true
}

// IsTop reports whether t is the highest tier
func (t Tier) IsTop() bool {
	return t == tierOrder[len(tierOrder)-1]
}

// Less reports whether t ranks strictly below other
func (t Tier) Less(other Tier) bool {
	return t.Rank() < other.Rank()
}

// ParseTier parses a tier name case-insensitively
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown plan tier: %q", s)
	}
	return t, nil
}

// Limit is a per-period quota. Zero means the feature cannot be used;
// Unlimited is the only accepted negative value.
type Limit int64

// Unlimited marks a quota without an upper bound
const Unlimited Limit = -1

// IsUnlimited reports whether the limit has no upper bound
func (l Limit) IsUnlimited() bool {
	return l == Unlimited
}

// Validate rejects negative limits other than Unlimited
func (l Limit) Validate() error {
	if l < 0 && l != Unlimited {
		return fmt.Errorf("invalid limit %d: use %d for unlimited", l, Unlimited)
	}
	return nil
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", int64(l))
}

// EnforcementMode controls what happens when a quota-bound feature reaches
// its limit.
type EnforcementMode string

const (
	// ModeSoft always records usage and flags overage
	ModeSoft EnforcementMode = "soft"
	// ModeHard rejects increments that would exceed the limit
	ModeHard EnforcementMode = "hard"
)

// Valid reports whether m is a known mode
func (m EnforcementMode) Valid() bool {
	return m == ModeSoft || m == ModeHard
}

// ParseMode parses an enforcement mode name
func ParseMode(s string) (EnforcementMode, error) {
	m := EnforcementMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown enforcement mode: %q (must be soft or hard)", s)
	}
	return m, nil
}
