package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "QUOTA_EVENTS"
	StreamTasks  = "QUOTA_TASKS"
)

// Subject constants.
const (
	SubjectReferralApproved = "quota.events.referral.approved"
	SubjectAuditEvent       = "quota.events.audit"
	SubjectProvisionTask    = "quota.tasks.provision"
)

// ReferralApproved is published after a referral redemption commits.
// Consumers apply the referrer's bonus and grant the referral reward.
type ReferralApproved struct {
	EventID             uuid.UUID `json:"event_id"`
	ReferrerID          uuid.UUID `json:"referrer_id"`
	ReferredID          uuid.UUID `json:"referred_id"`
	SuccessfulReferrals int       `json:"successful_referrals"`
	Multiplier          float64   `json:"multiplier"`
	ApprovedAt          time.Time `json:"approved_at"`
}

// ProvisionTask asks the reconciler to retry account initialization.
type ProvisionTask struct {
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// AuditEvent is published for security and operational audit logging.
type AuditEvent struct {
	UserID       uuid.UUID      `json:"user_id"`
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"` // info, warn, error
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	IPHash       string         `json:"ip_hash,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
