package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/aiox-platform/quotaengine/internal/window"
)

// ErrStoreUnavailable is wrapped by every error caused by a failing
// dependency: usage store, catalog or entitlement lookups.
var ErrStoreUnavailable = errors.New("quota system unavailable")

// ValidationError reports a malformed admission request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// LimitExceededError is the error form of a denied Decision.
type LimitExceededError struct {
	Resource   string
	Window     window.Kind
	Reason     Reason
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	if e.Window == "" {
		return fmt.Sprintf("%s: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("%s: %s on %s window, retry after %s", e.Resource, e.Reason, e.Window, e.RetryAfter)
}

// Retryable reports whether waiting RetryAfter can lift the denial.
func (e *LimitExceededError) Retryable() bool {
	return e.RetryAfter > 0
}
