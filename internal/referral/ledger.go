package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	"github.com/aiox-platform/quotaengine/internal/metrics"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
	"github.com/aiox-platform/quotaengine/internal/observability"
)

// RecentLimit is the number of approved referrals returned by Stats.
const RecentLimit = 20

// ErrInvalidRequest reports a redeem request missing required fields.
var ErrInvalidRequest = errors.New("invalid redeem request")

// AccountReader reports when an account was created.
type AccountReader interface {
	CreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, bool, error)
}

// ApprovalPublisher hands approved referrals to the bonus consumer.
type ApprovalPublisher interface {
	PublishReferralApproved(ctx context.Context, event inats.ReferralApproved) error
}

// Ledger owns referral profiles and the redemption state machine.
type Ledger struct {
	repo      Repository
	accounts  AccountReader
	hasher    *AddressHasher
	cfg       config.ReferralConfig
	publisher ApprovalPublisher
	bonus     *BonusHandler
	recorder  audit.Recorder
	tracer    trace.Tracer

	now  func() time.Time
	seed func([]byte) error
}

// NewLedger creates a Ledger. When publisher is nil approvals are handled
// inline by bonus; when a publish fails bonus is used as the fallback.
func NewLedger(repo Repository, accounts AccountReader, hasher *AddressHasher, cfg config.ReferralConfig,
	publisher ApprovalPublisher, bonus *BonusHandler, recorder audit.Recorder) *Ledger {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Ledger{
		repo:      repo,
		accounts:  accounts,
		hasher:    hasher,
		cfg:       cfg,
		publisher: publisher,
		bonus:     bonus,
		recorder:  recorder,
		tracer:    observability.Tracer("quotaengine/referral"),
		now:       func() time.Time { return time.Now().UTC() },
		seed: func(b []byte) error {
			_, err := rand.Read(b)
			return err
		},
	}
}

// EnsureProfile returns the user's profile, creating it with a fresh code
// and a multiplier of 1.0 when missing.
func (l *Ledger) EnsureProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	p, err := l.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	for attempt := 0; attempt < l.retries(); attempt++ {
		code, err := l.GenerateUniqueCode(ctx, userID)
		if err != nil {
			return nil, err
		}
		now := l.now()
		created, err := l.repo.CreateProfile(ctx, &Profile{UserID: userID, ReferralCode: code, CreatedAt: now})
		if errors.Is(err, errCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if created {
			slog.Debug("referral: profile created", "user_id", userID)
		}
		// A concurrent caller may have won the insert; read back either way.
		return l.repo.GetProfile(ctx, userID)
	}
	return nil, l.exhausted(ctx, userID)
}

// GenerateUniqueCode derives candidate codes from SHA-256(random seed ||
// user id) until one is free, giving up after the configured retries.
func (l *Ledger) GenerateUniqueCode(ctx context.Context, userID uuid.UUID) (string, error) {
	seed := make([]byte, 16)
	for attempt := 0; attempt < l.retries(); attempt++ {
		if err := l.seed(seed); err != nil {
			return "", fmt.Errorf("reading random seed: %w", err)
		}
		code := deriveCode(seed, userID)
		exists, err := l.repo.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
		slog.Debug("referral: code collision", "attempt", attempt+1)
	}
	return "", l.exhausted(ctx, userID)
}

func (l *Ledger) exhausted(ctx context.Context, userID uuid.UUID) error {
	slog.Error("referral: code generation exhausted", "user_id", userID, "retries", l.retries())
	l.recorder.Record(ctx, inats.AuditEvent{
		UserID:       userID,
		EventType:    audit.EventCodeExhausted,
		Severity:     audit.SeverityError,
		ResourceType: "referral_profile",
		Details:      map[string]any{"retries": l.retries()},
	})
	return ErrCodeGenerationExhausted
}

func (l *Ledger) retries() int {
	if l.cfg.CodeRetries <= 0 {
		return 10
	}
	return l.cfg.CodeRetries
}

// Redeem records a redemption of code by the referred user and resolves it.
// Every rejection is returned as a *RejectedError.
func (l *Ledger) Redeem(ctx context.Context, req RedeemRequest) (*Event, error) {
	ctx, span := l.tracer.Start(ctx, observability.SpanRedeem,
		trace.WithAttributes(attribute.String("referred_id", req.ReferredID.String())))
	defer span.End()

	event, err := l.redeem(ctx, req)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			span.SetAttributes(attribute.String("rejection_reason", rejected.Reason))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return event, err
}

func (l *Ledger) redeem(ctx context.Context, req RedeemRequest) (*Event, error) {
	if req.ReferredID == uuid.Nil || req.RemoteAddr == "" {
		return nil, fmt.Errorf("%w: referred_id and remote_addr are required", ErrInvalidRequest)
	}
	code, err := validateCode(req.Code)
	if err != nil {
		return nil, err
	}

	now := l.now()
	referrer, err := l.repo.GetProfileByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:          uuid.New(),
		ReferredID:  req.ReferredID,
		Code:        code,
		AddressHash: l.hasher.Hash(req.RemoteAddr),
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if referrer != nil {
		event.ReferrerID = &referrer.UserID
	}
	if err := l.repo.InsertEvent(ctx, event); err != nil {
		return nil, err
	}

	if reason, err := l.precheck(ctx, referrer, req.ReferredID, now); err != nil {
		return nil, l.abandon(ctx, event, err)
	} else if reason != "" {
		return nil, l.reject(ctx, event, reason)
	}

	profile, err := l.repo.Approve(ctx, approval{
		EventID:       event.ID,
		ReferrerID:    referrer.UserID,
		AddressHash:   event.AddressHash,
		Now:           now,
		Cooldown:      l.cfg.Cooldown,
		MaxPerAddress: l.cfg.MaxPerAddress,
		BonusFactor:   l.cfg.BonusFactor,
		MaxMultiplier: l.cfg.MaxMultiplier,
	})
	switch {
	case errors.Is(err, errCooldown):
		return nil, l.reject(ctx, event, ReasonAddressCooldown)
	case errors.Is(err, errAlreadyApproved):
		return nil, l.reject(ctx, event, ReasonAlreadyReferred)
	case err != nil:
		return nil, l.abandon(ctx, event, err)
	}

	event.Status = StatusApproved
	event.ResolvedAt = &now
	metrics.ReferralRedemptionsTotal.WithLabelValues(string(StatusApproved), "").Inc()
	slog.Info("referral approved",
		"event_id", event.ID,
		"referrer_id", profile.UserID,
		"referred_id", req.ReferredID,
		"successful_referrals", profile.SuccessfulReferrals,
		"multiplier", profile.BonusMultiplier,
	)
	l.recorder.Record(ctx, inats.AuditEvent{
		UserID:       req.ReferredID,
		EventType:    audit.EventReferralApproved,
		ResourceType: "referral_event",
		ResourceID:   event.ID.String(),
		IPHash:       event.AddressHash,
		Details: map[string]any{
			"referrer_id":          profile.UserID,
			"successful_referrals": profile.SuccessfulReferrals,
			"multiplier":           profile.BonusMultiplier,
		},
	})

	l.notify(ctx, inats.ReferralApproved{
		EventID:             event.ID,
		ReferrerID:          profile.UserID,
		ReferredID:          req.ReferredID,
		SuccessfulReferrals: profile.SuccessfulReferrals,
		Multiplier:          profile.BonusMultiplier,
		ApprovedAt:          now,
	})
	return event, nil
}

// precheck returns the rejection reason for checks that need no lock.
func (l *Ledger) precheck(ctx context.Context, referrer *Profile, referredID uuid.UUID, now time.Time) (string, error) {
	if referrer == nil {
		return ReasonInvalidCode, nil
	}
	if referrer.UserID == referredID {
		return ReasonSelfReferral, nil
	}

	createdAt, ok, err := l.accounts.CreatedAt(ctx, referredID)
	if err != nil {
		return "", err
	}
	if !ok || now.Sub(createdAt) > l.newAccountWindow() {
		return ReasonAccountNotNew, nil
	}

	referred, err := l.repo.HasApproved(ctx, referredID)
	if err != nil {
		return "", err
	}
	if referred {
		return ReasonAlreadyReferred, nil
	}
	return "", nil
}

func (l *Ledger) newAccountWindow() time.Duration {
	if l.cfg.NewAccountWindow <= 0 {
		return 24 * time.Hour
	}
	return l.cfg.NewAccountWindow
}

func (l *Ledger) reject(ctx context.Context, event *Event, reason string) error {
	if err := l.repo.Reject(ctx, event.ID, reason, l.now()); err != nil {
		return err
	}
	metrics.ReferralRedemptionsTotal.WithLabelValues(string(StatusRejected), reason).Inc()

	severity := audit.SeverityInfo
	if reason == ReasonSelfReferral || reason == ReasonAddressCooldown {
		severity = audit.SeverityWarn
	}
	slog.Info("referral rejected", "event_id", event.ID, "referred_id", event.ReferredID, "reason", reason)
	l.recorder.Record(ctx, inats.AuditEvent{
		UserID:       event.ReferredID,
		EventType:    audit.EventReferralRejected,
		Severity:     severity,
		ResourceType: "referral_event",
		ResourceID:   event.ID.String(),
		IPHash:       event.AddressHash,
		Details:      map[string]any{"reason": reason, "code": event.Code},
	})
	return &RejectedError{EventID: event.ID, Reason: reason}
}

// abandon closes an event whose redemption failed on a dependency and
// returns cause. When the reject itself fails, RejectStalePending closes the
// event later.
func (l *Ledger) abandon(ctx context.Context, event *Event, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := l.repo.Reject(ctx, event.ID, ReasonInternalError, l.now()); err != nil {
		slog.Error("referral: closing failed redemption", "event_id", event.ID, "error", err)
		return cause
	}
	metrics.ReferralRedemptionsTotal.WithLabelValues(string(StatusRejected), ReasonInternalError).Inc()
	slog.Warn("referral redemption failed", "event_id", event.ID, "referred_id", event.ReferredID, "error", cause)
	return cause
}

// PendingTimeout is how long an event may stay pending before
// RejectStalePending closes it.
const PendingTimeout = 10 * time.Minute

// RejectStalePending rejects events left pending for longer than
// PendingTimeout, so every event reaches a terminal state.
func (l *Ledger) RejectStalePending(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.repo.RejectPendingBefore(ctx, now.Add(-PendingTimeout), ReasonInternalError, now, 1000)
	if err != nil {
		return n, err
	}
	if n > 0 {
		metrics.ReferralRedemptionsTotal.WithLabelValues(string(StatusRejected), ReasonInternalError).Add(float64(n))
		slog.Info("referral: rejected stale pending events", "count", n)
	}
	return n, nil
}

// notify never fails the redemption: the approval is committed, so a lost
// publish falls back to applying the bonus inline.
func (l *Ledger) notify(ctx context.Context, ev inats.ReferralApproved) {
	if l.publisher != nil {
		err := l.publisher.PublishReferralApproved(ctx, ev)
		if err == nil {
			return
		}
		slog.Warn("referral: publishing approval, applying inline", "event_id", ev.EventID, "error", err)
	}
	if l.bonus == nil {
		slog.Error("referral: no bonus handler for approval", "event_id", ev.EventID)
		return
	}
	if err := l.bonus.Handle(ctx, ev); err != nil {
		slog.Error("referral: applying bonus inline", "event_id", ev.EventID, "error", err)
	}
}

// Stats returns the user's referral summary, creating the profile if needed.
func (l *Ledger) Stats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	p, err := l.EnsureProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := l.repo.RecentApproved(ctx, userID, RecentLimit)
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []Event{}
	}
	return &Stats{
		ReferralCode:        p.ReferralCode,
		SuccessfulReferrals: p.SuccessfulReferrals,
		BonusMultiplier:     p.BonusMultiplier,
		Recent:              recent,
		CreatedAt:           p.CreatedAt,
	}, nil
}

// ValidateCode reports whether code belongs to a referrer. Malformed codes
// are simply invalid.
func (l *Ledger) ValidateCode(ctx context.Context, raw string) (bool, error) {
	code := NormalizeCode(raw)
	if !ValidCode(code) {
		return false, nil
	}
	p, err := l.repo.GetProfileByCode(ctx, code)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	entries, err := l.repo.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []LeaderboardEntry{}
	}
	return entries, nil
}

// SweepCooldowns deletes address cooldowns that expired at or before now.
func (l *Ledger) SweepCooldowns(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return l.repo.SweepCooldowns(ctx, now, batchSize)
}
