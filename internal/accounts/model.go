// Package accounts records the accounts known to the engine and seeds their
// quota rows and referral profile.
package accounts

import (
	"time"

	"github.com/google/uuid"
)

// Account matches the accounts table schema.
type Account struct {
	UserID            uuid.UUID  `json:"user_id"`
	CreatedAt         time.Time  `json:"created_at"`
	ProvisionedAt     *time.Time `json:"provisioned_at,omitempty"`
	ProvisionAttempts int        `json:"provision_attempts"`
	LastError         string     `json:"last_error,omitempty"`
}

// Provisioned reports whether quota defaults and the referral profile exist.
func (a *Account) Provisioned() bool {
	return a.ProvisionedAt != nil
}

type InitializeRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	// CreatedAt is when the identity service created the user. Defaults to now.
	CreatedAt time.Time `json:"created_at"`
}
