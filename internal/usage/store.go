// Package usage records request counts per (user, resource, window) and
// per-day message and token volume.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/window"
)

// Store holds one counter per (user, resource, window kind, window start).
//
// IncrementAndGet is atomic for concurrent callers on the same key and returns
// the count after the delta is applied. Negative deltas are only used to
// compensate an increment that overshot its limit.
type Store interface {
	IncrementAndGet(ctx context.Context, userID uuid.UUID, resource string, key window.Key, delta int64, at time.Time) (int64, error)
	Get(ctx context.Context, userID uuid.UUID, resource string, key window.Key) (int64, error)
	SweepBefore(ctx context.Context, kind window.Kind, cutoff time.Time) (int64, error)
}

// DailyUsage is the message and token volume of one user on one resource
// during one UTC day.
type DailyUsage struct {
	UserID        uuid.UUID `json:"user_id"`
	Resource      string    `json:"resource"`
	Date          time.Time `json:"date"`
	MessagesUsed  int64     `json:"messages_used"`
	TokensUsed    int64     `json:"tokens_used"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
}

// DailyStore holds one DailyUsage row per (user, resource, day).
type DailyStore interface {
	AddDaily(ctx context.Context, userID uuid.UUID, resource string, day time.Time, messages, tokens int64, at time.Time) (DailyUsage, error)
	GetDaily(ctx context.Context, userID uuid.UUID, resource string, day time.Time) (DailyUsage, error)
	SweepDailyBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Backend is a store that keeps both window counters and daily usage.
type Backend interface {
	Store
	DailyStore
}
