// Package entitlement tracks each user's subscription tier and answers the
// plan limits the quota engine enforces. It is the billing boundary: the
// engine only reads it, admins and referral rewards write it.
package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/catalog"
	"github.com/aiox-platform/quotaengine/internal/window"
)

type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierTeams Tier = "teams"
)

func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro || t == TierTeams
}

// Rank orders tiers; a grant never moves a user to a lower rank.
func (t Tier) Rank() int {
	switch t {
	case TierPro:
		return 1
	case TierTeams:
		return 2
	default:
		return 0
	}
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidGrant, s)
	}
	return t, nil
}

// Grant actions recorded in entitlement_grants.
const (
	ActionGrant  = "grant"
	ActionExpire = "expire"
	ActionCancel = "cancel"
)

var (
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrInvalidOverride = errors.New("invalid override")
)

// Entitlement matches the user_entitlements table schema. It implements
// catalog.Plan once resolved by the Service.
type Entitlement struct {
	UserID    uuid.UUID               `json:"user_id"`
	Tier      Tier                    `json:"tier"`
	ExpiresAt *time.Time              `json:"expires_at,omitempty"`
	Overrides map[string]ResourcePlan `json:"overrides,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`

	plan map[string]ResourcePlan
}

// Active reports whether the paid tier is in force at now. A paid tier
// without expiry never lapses.
func (e *Entitlement) Active(now time.Time) bool {
	if e == nil || e.Tier == TierFree {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// MessageLimit returns the plan's message limit for the window, overrides first.
func (e *Entitlement) MessageLimit(resource string, kind window.Kind) (catalog.Limit, bool) {
	if o, ok := e.Overrides[resource]; ok {
		if l, ok := o.Messages[kind]; ok {
			return l, true
		}
	}
	if p, ok := e.plan[resource]; ok {
		if l, ok := p.Messages[kind]; ok {
			return l, true
		}
	}
	return 0, false
}

// TokenLimits returns the plan's token caps, overrides first.
func (e *Entitlement) TokenLimits(resource string) (catalog.TokenLimits, bool) {
	if o, ok := e.Overrides[resource]; ok {
		if t, ok := o.tokenLimits(); ok {
			return t, true
		}
	}
	if p, ok := e.plan[resource]; ok {
		return p.tokenLimits()
	}
	return catalog.TokenLimits{}, false
}

var _ catalog.Plan = (*Entitlement)(nil)

// Grant extends a user's entitlement by a number of days.
type Grant struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Tier   Tier      `json:"tier" validate:"required,oneof=pro teams"`
	Days   int       `json:"days" validate:"required,min=1,max=3650"`
	Reason string    `json:"reason" validate:"required,max=200"`
	// SourceRef makes the grant idempotent: a second grant with the same
	// reference returns the first one's result.
	SourceRef string `json:"source_ref,omitempty" validate:"max=200"`
}

func (g Grant) Validate() error {
	switch {
	case g.UserID == uuid.Nil:
		return fmt.Errorf("%w: user_id is required", ErrInvalidGrant)
	case g.Tier == TierFree || !g.Tier.Valid():
		return fmt.Errorf("%w: tier must be pro or teams", ErrInvalidGrant)
	case g.Days < 1 || g.Days > 3650:
		return fmt.Errorf("%w: days must be between 1 and 3650", ErrInvalidGrant)
	case g.Reason == "":
		return fmt.Errorf("%w: reason is required", ErrInvalidGrant)
	}
	return nil
}

// GrantRecord matches the entitlement_grants table schema.
type GrantRecord struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Action    string     `json:"action"`
	Tier      Tier       `json:"tier"`
	Days      int        `json:"days"`
	Reason    string     `json:"reason"`
	SourceRef string     `json:"source_ref,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Lapsed is an entitlement downgraded to free.
type Lapsed struct {
	UserID uuid.UUID
	Tier   Tier
}

// Extend computes the tier and expiry after g is applied to cur at now.
// An inactive entitlement starts over at now. An active one of equal or
// higher rank keeps its tier and gains the days; a higher-rank grant
// replaces it starting at now.
func Extend(cur *Entitlement, g Grant, now time.Time) (Tier, *time.Time) {
	d := time.Duration(g.Days) * 24 * time.Hour

	if !cur.Active(now) || g.Tier.Rank() > cur.Tier.Rank() {
		exp := now.Add(d)
		return g.Tier, &exp
	}
	if cur.ExpiresAt == nil {
		return cur.Tier, nil
	}
	exp := cur.ExpiresAt.Add(d)
	return cur.Tier, &exp
}
