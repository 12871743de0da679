package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	"github.com/aiox-platform/quotaengine/internal/metrics"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
	"github.com/aiox-platform/quotaengine/internal/referral"
)

const (
	// MaxProvisionAttempts stops reconciliation of an account that keeps failing.
	MaxProvisionAttempts = 10
	// PendingGrace is how long a fresh account is left to its own Initialize
	// call before the sweep picks it up.
	PendingGrace = time.Minute
	sweepBatch   = 100
)

var ErrInvalidAccount = errors.New("invalid account")

// QuotaSeeder creates the default usage quota rows of a user.
type QuotaSeeder interface {
	EnsureDefaults(ctx context.Context, userID uuid.UUID) (int64, error)
}

// ProfileCreator creates the user's referral profile.
type ProfileCreator interface {
	EnsureProfile(ctx context.Context, userID uuid.UUID) (*referral.Profile, error)
}

// TaskPublisher queues an account for asynchronous provisioning.
type TaskPublisher interface {
	PublishProvisionTask(ctx context.Context, task inats.ProvisionTask) error
}

// Service initializes accounts in two phases: the account row is recorded
// first, then quota defaults and the referral profile are seeded. A failed
// second phase leaves the account pending for the reconciler.
type Service struct {
	repo     Repository
	quotas   QuotaSeeder
	profiles ProfileCreator
	tasks    TaskPublisher
	recorder audit.Recorder
	now      func() time.Time
}

// NewService creates a Service. tasks may be nil, in which case failed
// accounts are only retried by SweepPending.
func NewService(repo Repository, quotas QuotaSeeder, profiles ProfileCreator, tasks TaskPublisher, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Service{
		repo:     repo,
		quotas:   quotas,
		profiles: profiles,
		tasks:    tasks,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initialize records the account and provisions it. Calling it again for a
// known account is a no-op apart from retrying a pending provisioning. Only a
// failure to record the account is returned as an error.
func (s *Service) Initialize(ctx context.Context, userID uuid.UUID, createdAt time.Time) (*Account, bool, error) {
	if userID == uuid.Nil {
		return nil, false, fmt.Errorf("%w: user id is required", ErrInvalidAccount)
	}
	now := s.now()
	if createdAt.IsZero() {
		createdAt = now
	}
	if createdAt.After(now.Add(time.Minute)) {
		return nil, false, fmt.Errorf("%w: created_at is in the future", ErrInvalidAccount)
	}

	a, created, err := s.repo.Create(ctx, userID, createdAt.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("recording account: %w", err)
	}
	if a.Provisioned() {
		return a, created, nil
	}

	if err := s.Provision(ctx, userID); err != nil {
		slog.Warn("accounts: provisioning deferred", "user_id", userID, "error", err)
		s.deferProvision(ctx, a, err)
	}

	a, err = s.repo.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return a, created, nil
}

// Provision seeds quota defaults and the referral profile and marks the
// account provisioned. Every step is idempotent.
func (s *Service) Provision(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.quotas.EnsureDefaults(ctx, userID); err != nil {
		return s.fail(ctx, userID, fmt.Errorf("seeding quota defaults: %w", err))
	}
	if _, err := s.profiles.EnsureProfile(ctx, userID); err != nil {
		return s.fail(ctx, userID, fmt.Errorf("creating referral profile: %w", err))
	}
	if err := s.repo.MarkProvisioned(ctx, userID, s.now()); err != nil {
		metrics.AccountProvisioningTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AccountProvisioningTotal.WithLabelValues("provisioned").Inc()
	return nil
}

func (s *Service) fail(ctx context.Context, userID uuid.UUID, cause error) error {
	metrics.AccountProvisioningTotal.WithLabelValues("failed").Inc()
	if err := s.repo.RecordFailure(ctx, userID, cause.Error()); err != nil {
		slog.Error("accounts: recording provisioning failure", "user_id", userID, "error", err)
	}
	return cause
}

// deferProvision hands a failed account to the reconciler and records the failure.
func (s *Service) deferProvision(ctx context.Context, a *Account, cause error) {
	s.recorder.Record(ctx, inats.AuditEvent{
		UserID:       a.UserID,
		EventType:    audit.EventProvisionFailed,
		Severity:     audit.SeverityWarn,
		ResourceType: "account",
		ResourceID:   a.UserID.String(),
		Details:      map[string]any{"error": cause.Error()},
	})
	if s.tasks == nil {
		return
	}
	task := inats.ProvisionTask{UserID: a.UserID, CreatedAt: a.CreatedAt, Error: cause.Error()}
	if err := s.tasks.PublishProvisionTask(ctx, task); err != nil {
		slog.Warn("accounts: queueing provisioning retry", "user_id", a.UserID, "error", err)
	}
}

// CreatedAt returns when the account was created. The bool is false for
// unknown accounts.
func (s *Service) CreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, bool, error) {
	return Reader{Repo: s.repo}.CreatedAt(ctx, userID)
}

// Reader answers account age lookups straight from the repository. It lets
// the referral ledger be built before the Service that depends on it.
type Reader struct {
	Repo Repository
}

func (r Reader) CreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, bool, error) {
	a, err := r.Repo.Get(ctx, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	if a == nil {
		return time.Time{}, false, nil
	}
	return a.CreatedAt, true, nil
}

// Get returns the account or nil when unknown.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return s.repo.Get(ctx, userID)
}

// SweepPending provisions accounts left pending for longer than PendingGrace
// and returns how many succeeded.
func (s *Service) SweepPending(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.repo.ListPending(ctx, now.Add(-PendingGrace), MaxProvisionAttempts, sweepBatch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, a := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.Provision(ctx, a.UserID); err != nil {
			slog.Warn("accounts: reconciling account", "user_id", a.UserID, "attempts", a.ProvisionAttempts+1, "error", err)
			continue
		}
		done++
	}
	if len(pending) > 0 {
		slog.Info("accounts: reconciliation sweep", "pending", len(pending), "provisioned", done)
	}
	return done, nil
}

var (
	_ referral.AccountReader = (*Service)(nil)
	_ referral.AccountReader = Reader{}
)
