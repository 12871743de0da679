package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	"github.com/aiox-platform/quotaengine/internal/metrics"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

// Service resolves plans and applies grants, expirations and cancellations.
type Service struct {
	repo     Repository
	plans    PlanTable
	recorder audit.Recorder
	now      func() time.Time
}

func NewService(repo Repository, plans PlanTable, recorder audit.Recorder) *Service {
	if plans == nil {
		plans = DefaultPlans()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Service{
		repo:     repo,
		plans:    plans,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Plans returns the plan table in use.
func (s *Service) Plans() PlanTable {
	return s.plans
}

// Resolve returns the user's entitlement with its plan attached. Users with
// no row, or whose paid tier has lapsed, resolve to the free plan.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	e, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving entitlement: %w", err)
	}
	if e == nil {
		e = &Entitlement{UserID: userID, Tier: TierFree}
	} else if !e.Active(s.now()) {
		e.Tier = TierFree
		e.ExpiresAt = nil
	}
	e.plan = s.plans[e.Tier]
	return e, nil
}

// GrantBonusDuration extends the user's entitlement by g.Days and returns the
// resulting expiry. The zero time means the tier does not expire.
func (s *Service) GrantBonusDuration(ctx context.Context, g Grant) (time.Time, error) {
	if err := g.Validate(); err != nil {
		return time.Time{}, err
	}

	rec, applied, err := s.repo.Grant(ctx, g, s.now(), Extend)
	if err != nil {
		return time.Time{}, fmt.Errorf("granting entitlement: %w", err)
	}

	var expiresAt time.Time
	if rec.ExpiresAt != nil {
		expiresAt = *rec.ExpiresAt
	}
	if !applied {
		slog.Debug("entitlement: grant already applied", "user_id", g.UserID, "source_ref", g.SourceRef)
		return expiresAt, nil
	}

	slog.Info("entitlement granted",
		"user_id", g.UserID, "tier", rec.Tier, "days", g.Days, "reason", g.Reason, "expires_at", expiresAt)
	s.recorder.Record(ctx, inats.AuditEvent{
		UserID:       g.UserID,
		EventType:    audit.EventEntitlementGranted,
		Severity:     audit.SeverityInfo,
		ResourceType: "entitlement",
		ResourceID:   rec.ID.String(),
		Details: map[string]any{
			"requested_tier": g.Tier,
			"tier":           rec.Tier,
			"days":           g.Days,
			"reason":         g.Reason,
			"source_ref":     g.SourceRef,
			"expires_at":     expiresAt,
		},
	})
	return expiresAt, nil
}

// ExpireStaleEntitlements downgrades every paid tier whose expiry is at or
// before now and returns how many were downgraded.
func (s *Service) ExpireStaleEntitlements(ctx context.Context, now time.Time) (int64, error) {
	lapsed, err := s.repo.ExpireStale(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expiring entitlements: %w", err)
	}
	for _, l := range lapsed {
		s.recorder.Record(ctx, inats.AuditEvent{
			UserID:       l.UserID,
			EventType:    audit.EventEntitlementExpired,
			Severity:     audit.SeverityInfo,
			ResourceType: "entitlement",
			Details:      map[string]any{"from_tier": l.Tier},
		})
	}
	if n := len(lapsed); n > 0 {
		metrics.EntitlementsExpiredTotal.Add(float64(n))
		slog.Info("entitlements expired", "count", n)
	}
	return int64(len(lapsed)), nil
}

// Cancel downgrades the user to free immediately. It reports whether a paid
// tier was cancelled.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled"
	}
	l, err := s.repo.Cancel(ctx, userID, reason, s.now())
	if err != nil {
		return false, fmt.Errorf("cancelling entitlement: %w", err)
	}
	if l == nil {
		return false, nil
	}
	slog.Info("entitlement cancelled", "user_id", userID, "tier", l.Tier, "reason", reason)
	s.recorder.Record(ctx, inats.AuditEvent{
		UserID:       userID,
		EventType:    audit.EventEntitlementCancelled,
		Severity:     audit.SeverityInfo,
		ResourceType: "entitlement",
		Details:      map[string]any{"from_tier": l.Tier, "reason": reason},
	})
	return true, nil
}

// SetOverrides replaces the user's per-resource limit overrides.
func (s *Service) SetOverrides(ctx context.Context, userID uuid.UUID, overrides map[string]ResourcePlan) error {
	for name, p := range overrides {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidOverride, name, err)
		}
	}
	return s.repo.SetOverrides(ctx, userID, overrides)
}

// History returns the most recent grant, expiry and cancellation records.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]GrantRecord, error) {
	return s.repo.History(ctx, userID, limit)
}
