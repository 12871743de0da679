package entitlement

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aiox-platform/quotaengine/internal/catalog"
	"github.com/aiox-platform/quotaengine/internal/window"
)

// ResourcePlan is one tier's limits on one resource. Message limits are
// per window kind; a zero or absent token cap means the plan sets none.
type ResourcePlan struct {
	Messages         map[window.Kind]catalog.Limit `yaml:"messages,omitempty" json:"messages,omitempty"`
	TokensPerMessage catalog.Limit                 `yaml:"tokens_per_message,omitempty" json:"tokens_per_message,omitempty"`
	TokensPerDay     catalog.Limit                 `yaml:"tokens_per_day,omitempty" json:"tokens_per_day,omitempty"`
}

func (p ResourcePlan) tokenLimits() (catalog.TokenLimits, bool) {
	if p.TokensPerMessage == 0 && p.TokensPerDay == 0 {
		return catalog.TokenLimits{}, false
	}
	t := catalog.NoTokenLimits
	if p.TokensPerMessage != 0 {
		t.PerMessage = p.TokensPerMessage
	}
	if p.TokensPerDay != 0 {
		t.PerDay = p.TokensPerDay
	}
	return t, true
}

func (p ResourcePlan) validate() error {
	for kind, l := range p.Messages {
		if !kind.Valid() {
			return fmt.Errorf("unknown window kind %q", kind)
		}
		if l < catalog.Unlimited {
			return fmt.Errorf("message limit %d below -1", l)
		}
	}
	if p.TokensPerMessage < catalog.Unlimited || p.TokensPerDay < catalog.Unlimited {
		return fmt.Errorf("token caps below -1")
	}
	return nil
}

// PlanTable maps tier -> resource -> limits.
type PlanTable map[Tier]map[string]ResourcePlan

// DefaultPlans returns the built-in plan table. Free carries token caps only,
// so its message limits come from the catalog (base + referral bonus).
func DefaultPlans() PlanTable {
	u := catalog.Unlimited
	return PlanTable{
		TierFree: {
			"orzion-mini":  {TokensPerMessage: 6000, TokensPerDay: 30000},
			"orzion-turbo": {TokensPerMessage: 3000, TokensPerDay: 20000},
			"orzion-pro":   {TokensPerMessage: 2000, TokensPerDay: 10000},
		},
		TierPro: {
			"orzion-mini":  {Messages: map[window.Kind]catalog.Limit{window.Day: 500}, TokensPerMessage: 10000, TokensPerDay: 50000},
			"orzion-turbo": {Messages: map[window.Kind]catalog.Limit{window.Day: 300}, TokensPerMessage: 6000, TokensPerDay: 25000},
			"orzion-pro":   {Messages: map[window.Kind]catalog.Limit{window.Day: 150}, TokensPerMessage: 5000, TokensPerDay: 20000},
		},
		TierTeams: {
			"orzion-mini": {
				Messages:         map[window.Kind]catalog.Limit{window.Hour: u, window.ThreeHour: u, window.Day: u},
				TokensPerMessage: 50000, TokensPerDay: 256000,
			},
			"orzion-turbo": {
				Messages:         map[window.Kind]catalog.Limit{window.Hour: u, window.ThreeHour: u, window.Day: u},
				TokensPerMessage: 30000, TokensPerDay: 128000,
			},
			"orzion-pro": {
				Messages:         map[window.Kind]catalog.Limit{window.Day: 1000},
				TokensPerMessage: 40000, TokensPerDay: 50000,
			},
		},
	}
}

type plansFile struct {
	Plans map[Tier]map[string]ResourcePlan `yaml:"plans"`
}

// LoadPlans returns the default plan table with the tiers found in path
// replacing the built-in ones. An empty path returns the defaults.
func LoadPlans(path string) (PlanTable, error) {
	plans := DefaultPlans()
	if path == "" {
		return plans, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plans file: %w", err)
	}
	return parsePlans(plans, data)
}

func parsePlans(plans PlanTable, data []byte) (PlanTable, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plans file: %w", err)
	}
	for tier, resources := range f.Plans {
		if !tier.Valid() {
			return nil, fmt.Errorf("plans file: unknown tier %q", tier)
		}
		for name, p := range resources {
			if err := p.validate(); err != nil {
				return nil, fmt.Errorf("plans file: %s/%s: %w", tier, name, err)
			}
		}
		plans[tier] = resources
	}
	return plans, nil
}
