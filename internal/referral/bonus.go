package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/quotaengine/internal/entitlement"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

// BonusApplier recomputes a user's quota bonus from a multiplier.
type BonusApplier interface {
	ApplyBonus(ctx context.Context, userID uuid.UUID, multiplier float64) (int, error)
}

// RewardGranter extends a user's plan entitlement.
type RewardGranter interface {
	GrantBonusDuration(ctx context.Context, g entitlement.Grant) (time.Time, error)
}

// RewardFor returns the plan reward for the referrer's nth approved referral.
func RewardFor(n int) (entitlement.Tier, int) {
	switch {
	case n <= 1:
		return entitlement.TierPro, 14
	case n == 10:
		return entitlement.TierTeams, 14
	default:
		return entitlement.TierPro, 21
	}
}

// BonusHandler turns an approved referral into the referrer's quota bonus
// and plan reward. Handling the same event twice has no further effect.
type BonusHandler struct {
	repo    Repository
	catalog BonusApplier
	grants  RewardGranter
}

func NewBonusHandler(repo Repository, catalog BonusApplier, grants RewardGranter) *BonusHandler {
	return &BonusHandler{repo: repo, catalog: catalog, grants: grants}
}

func (h *BonusHandler) Handle(ctx context.Context, ev inats.ReferralApproved) error {
	// The multiplier is re-read so a late redelivery applies the current value.
	p, err := h.repo.GetProfile(ctx, ev.ReferrerID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("referrer profile %s not found", ev.ReferrerID)
	}

	rows, err := h.catalog.ApplyBonus(ctx, ev.ReferrerID, p.BonusMultiplier)
	if err != nil {
		return fmt.Errorf("applying referral bonus: %w", err)
	}

	tier, days := RewardFor(ev.SuccessfulReferrals)
	expiresAt, err := h.grants.GrantBonusDuration(ctx, entitlement.Grant{
		UserID:    ev.ReferrerID,
		Tier:      tier,
		Days:      days,
		Reason:    fmt.Sprintf("referral #%d", ev.SuccessfulReferrals),
		SourceRef: "referral:" + ev.EventID.String(),
	})
	if err != nil {
		return fmt.Errorf("granting referral reward: %w", err)
	}

	slog.Info("referral bonus applied",
		"event_id", ev.EventID,
		"referrer_id", ev.ReferrerID,
		"multiplier", p.BonusMultiplier,
		"rows_updated", rows,
		"reward_tier", tier,
		"reward_days", days,
		"expires_at", expiresAt,
	)
	return nil
}

// Consumer applies bonuses for approvals published on NATS.
type Consumer struct {
	handler     *BonusHandler
	consumerMgr *inats.ConsumerManager
}

func NewConsumer(handler *BonusHandler, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{handler: handler, consumerMgr: consumerMgr}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consumerMgr.Run(ctx, inats.StreamEvents, "referral-bonus", inats.SubjectReferralApproved, c.handleMsg)
}

func (c *Consumer) handleMsg(ctx context.Context, msg jetstream.Msg) error {
	return c.handle(ctx, msg.Data())
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	var ev inats.ReferralApproved
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Error("referral consumer: unmarshaling event", "error", err)
		return nil
	}
	return c.handler.Handle(ctx, ev)
}
