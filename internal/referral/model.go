// Package referral keeps referral profiles, redeems referral codes and turns
// approved referrals into quota bonuses and plan rewards.
package referral

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Rejection reasons recorded on referral_events.
const (
	ReasonInvalidCode     = "invalid_code"
	ReasonSelfReferral    = "self_referral"
	ReasonAccountNotNew   = "account_not_new"
	ReasonAlreadyReferred = "already_referred"
	ReasonAddressCooldown = "address_cooldown"
	// ReasonInternalError closes an event whose redemption failed on a
	// dependency. The referred user may redeem again.
	ReasonInternalError = "internal_error"
)

var (
	// ErrReferralAbuse matches rejections caused by too many redemptions
	// from one network address.
	ErrReferralAbuse           = errors.New("referral abuse")
	ErrCodeGenerationExhausted = errors.New("referral code generation exhausted")
	ErrInvalidCodeFormat       = errors.New("invalid referral code format")
)

// RejectedError is returned by Redeem for every terminal rejection.
type RejectedError struct {
	EventID uuid.UUID
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("referral rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrReferralAbuse && e.Reason == ReasonAddressCooldown
}

// Profile matches the referral_profiles table schema.
type Profile struct {
	UserID              uuid.UUID `json:"user_id"`
	ReferralCode        string    `json:"referral_code"`
	SuccessfulReferrals int       `json:"successful_referrals"`
	BonusMultiplier     float64   `json:"bonus_multiplier"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Event matches the referral_events table schema.
type Event struct {
	ID              uuid.UUID  `json:"id"`
	ReferrerID      *uuid.UUID `json:"referrer_id,omitempty"`
	ReferredID      uuid.UUID  `json:"referred_id"`
	Code            string     `json:"code"`
	AddressHash     string     `json:"-"`
	Status          Status     `json:"status"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

type RedeemRequest struct {
	ReferredID uuid.UUID `json:"referred_id" validate:"required"`
	Code       string    `json:"code" validate:"required,max=32"`
	RemoteAddr string    `json:"remote_addr" validate:"required,max=64"`
}

// Stats summarizes a user's referral activity.
type Stats struct {
	ReferralCode        string    `json:"referral_code"`
	SuccessfulReferrals int       `json:"successful_referrals"`
	BonusMultiplier     float64   `json:"bonus_multiplier"`
	Recent              []Event   `json:"recent"`
	CreatedAt           time.Time `json:"created_at"`
}

// LeaderboardEntry omits user identity.
type LeaderboardEntry struct {
	Rank                int       `json:"rank"`
	SuccessfulReferrals int       `json:"successful_referrals"`
	BonusMultiplier     float64   `json:"bonus_multiplier"`
	MemberSince         time.Time `json:"member_since"`
}

// approval is the input of the approval transaction.
type approval struct {
	EventID       uuid.UUID
	ReferrerID    uuid.UUID
	AddressHash   string
	Now           time.Time
	Cooldown      time.Duration
	MaxPerAddress int
	BonusFactor   float64
	MaxMultiplier float64
}
