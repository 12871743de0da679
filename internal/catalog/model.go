// Package catalog holds the per-user, per-resource base and bonus message
// limits and computes the limit actually enforced.
package catalog

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/window"
)

// Limit is a message or token allowance. Unlimited is its sentinel.
type Limit int64

// Unlimited disables a limit.
const Unlimited Limit = -1

func (l Limit) IsUnlimited() bool {
	return l < 0
}

// UsageQuota matches the usage_quotas table schema.
type UsageQuota struct {
	UserID    uuid.UUID             `json:"user_id"`
	Resource  string                `json:"resource"`
	Base      map[window.Kind]int64 `json:"base"`
	Bonus     map[window.Kind]int64 `json:"bonus"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Effective returns base + bonus for kind.
func (q *UsageQuota) Effective(kind window.Kind) Limit {
	return Limit(q.Base[kind] + q.Bonus[kind])
}

// BonusFor computes the bonus limits for base under multiplier:
// floor(base * (multiplier - 1)) per window kind.
func BonusFor(base map[window.Kind]int64, multiplier float64) map[window.Kind]int64 {
	bonus := make(map[window.Kind]int64, len(base))
	for kind, b := range base {
		v := math.Floor(float64(b) * (multiplier - 1))
		if v < 0 {
			v = 0
		}
		bonus[kind] = int64(v)
	}
	return bonus
}

// TokenLimits are plan token caps. Either may be Unlimited.
type TokenLimits struct {
	PerMessage Limit `json:"tokens_per_message"`
	PerDay     Limit `json:"tokens_per_day"`
}

// NoTokenLimits is used when a plan sets no token caps.
var NoTokenLimits = TokenLimits{PerMessage: Unlimited, PerDay: Unlimited}

// Plan is the view of a user's subscription plan the catalog consults.
// The second return value reports whether the plan sets the limit at all.
type Plan interface {
	MessageLimit(resource string, kind window.Kind) (Limit, bool)
	TokenLimits(resource string) (TokenLimits, bool)
}

// ResourceLimits are the effective limits of one user on one resource.
type ResourceLimits struct {
	Resource   string                `json:"resource"`
	Windows    map[window.Kind]Limit `json:"windows"`
	Overridden map[window.Kind]bool  `json:"-"`
	Tokens     TokenLimits           `json:"tokens"`
	Quota      *UsageQuota           `json:"-"`
}

// Limit returns the effective limit for kind, Unlimited when not set.
func (l *ResourceLimits) Limit(kind window.Kind) Limit {
	if v, ok := l.Windows[kind]; ok {
		return v
	}
	return Unlimited
}
