package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types written by the engine.
const (
	EventReferralApproved     = "referral_approved"
	EventReferralRejected     = "referral_rejected"
	EventEntitlementGranted   = "entitlement_granted"
	EventEntitlementExpired   = "entitlement_expired"
	EventEntitlementCancelled = "entitlement_cancelled"
	EventProvisionFailed      = "account_provision_failed"
	EventCodeExhausted        = "referral_code_exhausted"
	EventProviderExhausted    = "provider_exhausted"
)

// Severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// AuditLog matches the audit_logs table schema.
type AuditLog struct {
	ID           uuid.UUID       `json:"id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	EventType    string          `json:"event_type"`
	Severity     string          `json:"severity"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IPHash       string          `json:"ip_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for audit log queries.
type ListParams struct {
	UserID    *uuid.UUID
	EventType string
	Severity  string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
