package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/window"
)

var (
	ErrUnknownResource   = errors.New("unknown resource")
	ErrInvalidMultiplier = errors.New("bonus multiplier must be a number >= 1")
)

// Catalog resolves effective limits from stored quotas, configured resource
// policies and the caller's plan.
type Catalog struct {
	repo      Repository
	resources []config.ResourcePolicy
	byName    map[string]config.ResourcePolicy
}

func New(repo Repository, resources []config.ResourcePolicy) *Catalog {
	byName := make(map[string]config.ResourcePolicy, len(resources))
	for _, r := range resources {
		byName[r.Name] = r
	}
	return &Catalog{repo: repo, resources: resources, byName: byName}
}

// Resources returns the configured resource policies in configuration order.
func (c *Catalog) Resources() []config.ResourcePolicy {
	return c.resources
}

func (c *Catalog) Policy(resource string) (config.ResourcePolicy, bool) {
	p, ok := c.byName[resource]
	return p, ok
}

// Quota returns the stored row, or the configured defaults with no bonus when
// the user has no row for a configured resource.
func (c *Catalog) Quota(ctx context.Context, userID uuid.UUID, resource string) (*UsageQuota, error) {
	policy, ok := c.byName[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	q, err := c.repo.Get(ctx, userID, resource)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = defaultQuota(userID, policy)
	}
	return q, nil
}

// Limits returns every window limit plus token caps of one resource.
// A plan override, including Unlimited, wins over base + bonus.
func (c *Catalog) Limits(ctx context.Context, userID uuid.UUID, resource string, plan Plan) (*ResourceLimits, error) {
	q, err := c.Quota(ctx, userID, resource)
	if err != nil {
		return nil, err
	}

	limits := &ResourceLimits{
		Resource:   resource,
		Windows:    make(map[window.Kind]Limit, len(window.Kinds)),
		Overridden: make(map[window.Kind]bool),
		Tokens:     NoTokenLimits,
		Quota:      q,
	}
	for _, kind := range window.Kinds {
		if plan != nil {
			if l, ok := plan.MessageLimit(resource, kind); ok {
				limits.Windows[kind] = l
				limits.Overridden[kind] = true
				continue
			}
		}
		limits.Windows[kind] = q.Effective(kind)
	}
	if plan != nil {
		if t, ok := plan.TokenLimits(resource); ok {
			limits.Tokens = t
		}
	}
	return limits, nil
}

// EffectiveLimit returns the limit enforced for one window kind.
func (c *Catalog) EffectiveLimit(ctx context.Context, userID uuid.UUID, resource string, kind window.Kind, plan Plan) (Limit, error) {
	limits, err := c.Limits(ctx, userID, resource, plan)
	if err != nil {
		return 0, err
	}
	return limits.Limit(kind), nil
}

// ApplyBonus recomputes the bonus of every bonus-eligible resource from the
// stored base limits. Calling it again with the same multiplier changes nothing.
func (c *Catalog) ApplyBonus(ctx context.Context, userID uuid.UUID, multiplier float64) (int, error) {
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) || multiplier < 1 {
		return 0, ErrInvalidMultiplier
	}

	if _, err := c.EnsureDefaults(ctx, userID); err != nil {
		return 0, err
	}
	rows, err := c.repo.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, q := range rows {
		policy, ok := c.byName[q.Resource]
		if !ok || policy.BonusExcluded {
			continue
		}
		changed, err := c.repo.SetBonus(ctx, userID, q.Resource, BonusFor(q.Base, multiplier))
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}

	slog.Debug("catalog: applied bonus", "user_id", userID, "multiplier", multiplier, "resources", updated)
	return updated, nil
}

// EnsureDefaults seeds one row per configured resource. Existing rows are
// left untouched.
func (c *Catalog) EnsureDefaults(ctx context.Context, userID uuid.UUID) (int64, error) {
	quotas := make([]UsageQuota, 0, len(c.resources))
	for _, p := range c.resources {
		quotas = append(quotas, *defaultQuota(userID, p))
	}
	return c.repo.EnsureDefaults(ctx, quotas)
}

func defaultQuota(userID uuid.UUID, p config.ResourcePolicy) *UsageQuota {
	base := make(map[window.Kind]int64, len(window.Kinds))
	bonus := make(map[window.Kind]int64, len(window.Kinds))
	for _, kind := range window.Kinds {
		base[kind] = p.Base[kind]
		bonus[kind] = 0
	}
	return &UsageQuota{UserID: userID, Resource: p.Name, Base: base, Bonus: bonus}
}
