package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Unlimited disables a limit.
const Unlimited int64 = -1

// Limits caps one upstream provider model. Daily resets at midnight UTC,
// PerMinute at the top of each minute.
type Limits struct {
	Daily     int64 `yaml:"daily" json:"daily_limit"`
	PerMinute int64 `yaml:"rpm" json:"rpm_limit"`
}

func (l Limits) validate() error {
	if l.Daily < Unlimited || l.Daily == 0 {
		return fmt.Errorf("daily must be positive or %d", Unlimited)
	}
	if l.PerMinute < Unlimited || l.PerMinute == 0 {
		return fmt.Errorf("rpm must be positive or %d", Unlimited)
	}
	return nil
}

// Table maps provider name to model name to limits.
type Table map[string]map[string]Limits

// Lookup returns the limits for provider/model.
func (t Table) Lookup(provider, model string) (Limits, bool) {
	l, ok := t[provider][model]
	return l, ok
}

// DefaultLimits returns the built-in provider table: the primary provider's
// free tier and an uncapped, billed fallback.
func DefaultLimits() Table {
	return Table{
		"google": {
			"pro":   {Daily: 200, PerMinute: 5},
			"turbo": {Daily: 1000, PerMinute: 15},
			"mini":  {Daily: 1500, PerMinute: 15},
			"image": {Daily: 50, PerMinute: 5},
		},
		"openrouter": {
			"pro":   {Daily: Unlimited, PerMinute: Unlimited},
			"turbo": {Daily: Unlimited, PerMinute: Unlimited},
			"mini":  {Daily: Unlimited, PerMinute: Unlimited},
			"image": {Daily: Unlimited, PerMinute: Unlimited},
		},
	}
}

type limitsFile struct {
	Providers map[string]map[string]Limits `yaml:"providers"`
}

// LoadLimits returns the default table with the providers found in path
// replacing the built-in ones. An empty path returns the defaults.
func LoadLimits(path string) (Table, error) {
	limits := DefaultLimits()
	if path == "" {
		return limits, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return parseLimits(limits, data)
}

func parseLimits(limits Table, data []byte) (Table, error) {
	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}
	for name, models := range f.Providers {
		if len(models) == 0 {
			return nil, fmt.Errorf("providers file: %s has no models", name)
		}
		for model, l := range models {
			if err := l.validate(); err != nil {
				return nil, fmt.Errorf("providers file: %s/%s: %w", name, model, err)
			}
		}
		limits[name] = models
	}
	return limits, nil
}
