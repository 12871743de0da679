package quota

import (
	"time"
	"unicode/utf8"

	"github.com/aiox-platform/quotaengine/internal/catalog"
	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/entitlement"
	"github.com/aiox-platform/quotaengine/internal/window"
)

type Reason string

const (
	ReasonLimitExceeded      Reason = "limit_exceeded"
	ReasonTokensPerMessage   Reason = "token_per_message_exceeded"
	ReasonDailyTokensReached Reason = "daily_token_limit_exceeded"
	ReasonUnavailable        Reason = "unavailable"
	ReasonInvalid            Reason = "invalid"
)

// Cost is what one admitted request consumes.
type Cost struct {
	Messages int64 `json:"messages"`
	Tokens   int64 `json:"tokens"`
}

// DefaultCost is one message without token accounting.
var DefaultCost = Cost{Messages: 1}

// Decision is the result of Admit. A denial is a Decision, not an error.
type Decision struct {
	Allowed  bool             `json:"allowed"`
	Reason   Reason           `json:"reason,omitempty"`
	Resource string           `json:"resource"`
	Tier     entitlement.Tier `json:"tier,omitempty"`
	// Window is the window that denied the request, empty for token denials.
	Window     window.Kind   `json:"window,omitempty"`
	Limit      catalog.Limit `json:"limit,omitempty"`
	Remaining  catalog.Limit `json:"remaining"`
	RetryAfter time.Duration `json:"-"`
}

// Err returns nil for an admitted request, ErrStoreUnavailable when the
// engine could not decide and a *LimitExceededError otherwise.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonUnavailable:
		return ErrStoreUnavailable
	case d.Reason == ReasonInvalid:
		return &ValidationError{Field: "request", Message: "rejected"}
	}
	return &LimitExceededError{
		Resource:   d.Resource,
		Window:     d.Window,
		Reason:     d.Reason,
		RetryAfter: d.RetryAfter,
	}
}

// WindowUsage is one window of a usage summary.
type WindowUsage struct {
	Kind       window.Kind   `json:"window"`
	Limit      catalog.Limit `json:"limit"`
	Used       int64         `json:"used"`
	Remaining  catalog.Limit `json:"remaining"`
	Percentage float64       `json:"percentage"`
	Unlimited  bool          `json:"unlimited"`
	ResetsAt   time.Time     `json:"resets_at"`
}

// ResourceUsage summarizes one resource for a user.
type ResourceUsage struct {
	Resource      string              `json:"resource"`
	Regime        config.Regime       `json:"regime"`
	Windows       []WindowUsage       `json:"windows"`
	Tokens        catalog.TokenLimits `json:"token_limits"`
	MessagesToday int64               `json:"messages_today"`
	TokensToday   int64               `json:"tokens_today"`
}

// EstimateTokens approximates the token count of text at four characters per
// token, never less than one.
func EstimateTokens(text string) int64 {
	return max(1, int64(utf8.RuneCountInString(text)/4))
}

func remaining(limit catalog.Limit, used int64) catalog.Limit {
	if limit.IsUnlimited() {
		return catalog.Unlimited
	}
	return max(0, limit-catalog.Limit(used))
}

func percentage(limit catalog.Limit, used int64) float64 {
	if limit.IsUnlimited() || limit <= 0 {
		return 0
	}
	return min(100, float64(used)*100/float64(limit))
}
