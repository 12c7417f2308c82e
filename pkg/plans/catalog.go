package plans

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// ErrFeatureNotInPlan is returned when a license grants features its plan does not include
var ErrFeatureNotInPlan = errors.New("feature not included in plan")

// FeatureSpec describes a gateable feature in the catalog
type FeatureSpec struct {
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	MinRole     auth.Role       `yaml:"min_role,omitempty" json:"min_role,omitempty"`
	Mode        EnforcementMode `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Plan is the static definition of a tier
type Plan struct {
	Tier            Tier             `yaml:"-" json:"tier"`
	DisplayName     string           `yaml:"display_name" json:"display_name"`
	UpgradeURL      string           `yaml:"upgrade_url,omitempty" json:"upgrade_url,omitempty"`
	GracePeriodDays *int             `yaml:"grace_period_days,omitempty" json:"grace_period_days,omitempty"`
	Features        []string         `yaml:"features" json:"features"`
	Limits          map[string]Limit `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// Includes reports whether the plan grants the feature
func (p *Plan) Includes(code string) bool {
	for _, f := range p.Features {
		if f == code {
			return true
		}
	}
	return false
}

// Catalog maps plan tiers to features and default quotas. It is loaded once
// at startup and never mutated afterwards.
type Catalog struct {
	Features map[string]FeatureSpec `yaml:"features"`
	Plans    map[Tier]*Plan         `yaml:"plans"`
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in plan catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads and validates a YAML catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	for tier, p := range c.Plans {
		if p == nil {
			return nil, fmt.Errorf("plan %q has no definition", tier)
		}
		p.Tier = tier
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks internal consistency of the catalog
func (c *Catalog) Validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("plan catalog defines no plans")
	}
	for code, spec := range c.Features {
		if spec.Mode != "" && !spec.Mode.Valid() {
			return fmt.Errorf("feature %q: invalid mode %q", code, spec.Mode)
		}
		if spec.MinRole != "" && !spec.MinRole.Valid() {
			return fmt.Errorf("feature %q: invalid min_role %q", code, spec.MinRole)
		}
	}
	for tier, p := range c.Plans {
		if !tier.Valid() {
			return fmt.Errorf("unknown plan tier %q", tier)
		}
		if p.GracePeriodDays != nil && *p.GracePeriodDays < 0 {
			return fmt.Errorf("plan %q: grace_period_days must not be negative", tier)
		}
		for _, f := range p.Features {
			if _, ok := c.Features[f]; !ok {
				return fmt.Errorf("plan %q references undefined feature %q", tier, f)
			}
		}
		for f, l := range p.Limits {
			if !p.Includes(f) {
				return fmt.Errorf("plan %q sets a limit for feature %q it does not include", tier, f)
			}
			if err := l.Validate(); err != nil {
				return fmt.Errorf("plan %q feature %q: %w", tier, f, err)
			}
		}
	}
	return nil
}

// Plan returns the plan for a tier
func (c *Catalog) Plan(t Tier) (*Plan, bool) {
	p, ok := c.Plans[t]
	return p, ok
}

// Feature returns the catalog entry for a feature code
func (c *Catalog) Feature(code string) (FeatureSpec, bool) {
	spec, ok := c.Features[code]
	return spec, ok
}

// MinRole returns the minimum role required for a feature, or "" when the
// feature has no role gate.
func (c *Catalog) MinRole(code string) auth.Role {
	return c.Features[code].MinRole
}

// Modes returns the features that override the default enforcement mode
func (c *Catalog) Modes() map[string]EnforcementMode {
	out := make(map[string]EnforcementMode)
	for code, spec := range c.Features {
		if spec.Mode != "" {
			out[code] = spec.Mode
		}
	}
	return out
}

// DefaultLimits returns a copy of the plan's default quotas
func (c *Catalog) DefaultLimits(t Tier) map[string]Limit {
	out := make(map[string]Limit)
	if p, ok := c.Plans[t]; ok {
		for f, l := range p.Limits {
			out[f] = l
		}
	}
	return out
}

// CheckSubset verifies that every feature is granted by the tier's plan
func (c *Catalog) CheckSubset(t Tier, features []string) error {
	p, ok := c.Plans[t]
	if !ok {
		return fmt.Errorf("plan %q is not in the catalog", t)
	}
	var extra []string
	for _, f := range features {
		if !p.Includes(f) {
			extra = append(extra, f)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("%w: plan %q does not include %s", ErrFeatureNotInPlan, t, strings.Join(extra, ", "))
	}
	return nil
}

// LowestTierWith returns the lowest tier strictly above `above` whose plan
// includes the feature.
func (c *Catalog) LowestTierWith(code string, above Tier) (Tier, bool) {
	for _, t := range tierOrder {
		if t.Rank() <= above.Rank() {
			continue
		}
		if p, ok := c.Plans[t]; ok && p.Includes(code) {
			return t, true
		}
	}
	return "", false
}

// UnmarshalYAML accepts integers or the string "unlimited"
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be a scalar", value.Line)
	}
	if strings.EqualFold(value.Value, "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid limit %q", value.Line, value.Value)
	}
	*l = Limit(n)
	return nil
}
