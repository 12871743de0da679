package accounts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
	"github.com/aiox-platform/quotaengine/internal/referral"
)

type fakeRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Account
	err  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[uuid.UUID]*Account)}
}

func (f *fakeRepo) Create(_ context.Context, userID uuid.UUID, createdAt time.Time) (*Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if a, ok := f.rows[userID]; ok {
		out := *a
		return &out, false, nil
	}
	a := &Account{UserID: userID, CreatedAt: createdAt}
	f.rows[userID] = a
	out := *a
	return &out, true, nil
}

func (f *fakeRepo) Get(_ context.Context, userID uuid.UUID) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.rows[userID]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (f *fakeRepo) MarkProvisioned(_ context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[userID]
	if a.ProvisionedAt == nil {
		a.ProvisionedAt = &at
	}
	a.ProvisionAttempts++
	a.LastError = ""
	return nil
}

func (f *fakeRepo) RecordFailure(_ context.Context, userID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[userID]
	if a.ProvisionedAt == nil {
		a.ProvisionAttempts++
		a.LastError = reason
	}
	return nil
}

func (f *fakeRepo) ListPending(_ context.Context, cutoff time.Time, maxAttempts, limit int) ([]Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Account
	for _, a := range f.rows {
		if a.ProvisionedAt == nil && a.CreatedAt.Before(cutoff) && a.ProvisionAttempts < maxAttempts {
			out = append(out, *a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeSeeder struct {
	mu    sync.Mutex
	err   error
	calls map[uuid.UUID]int
}

func (f *fakeSeeder) EnsureDefaults(_ context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[uuid.UUID]int)
	}
	f.calls[userID]++
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	err      error
	profiles map[uuid.UUID]*referral.Profile
}

func (f *fakeProfiles) EnsureProfile(_ context.Context, userID uuid.UUID) (*referral.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.profiles == nil {
		f.profiles = make(map[uuid.UUID]*referral.Profile)
	}
	p, ok := f.profiles[userID]
	if !ok {
		p = &referral.Profile{UserID: userID, ReferralCode: "abcd2345", BonusMultiplier: 1}
		f.profiles[userID] = p
	}
	return p, nil
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []inats.ProvisionTask
	err   error
}

func (f *fakeTasks) PublishProvisionTask(_ context.Context, task inats.ProvisionTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []inats.AuditEvent
}

func (r *captureRecorder) Record(_ context.Context, event inats.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type fixture struct {
	svc      *Service
	repo     *fakeRepo
	seeder   *fakeSeeder
	profiles *fakeProfiles
	tasks    *fakeTasks
	recorder *captureRecorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newFakeRepo(),
		seeder:   &fakeSeeder{},
		profiles: &fakeProfiles{},
		tasks:    &fakeTasks{},
		recorder: &captureRecorder{},
		now:      time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.repo, f.seeder, f.profiles, f.tasks, f.recorder)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func TestInitialize_ProvisionsNewAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	createdAt := f.now.Add(-time.Hour)

	a, created, err := f.svc.Initialize(ctx, userID, createdAt)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, a.Provisioned())
	assert.Equal(t, createdAt, a.CreatedAt)
	assert.Equal(t, 1, a.ProvisionAttempts)
	assert.Contains(t, f.profiles.profiles, userID)
	assert.Empty(t, f.tasks.tasks)
}

func TestInitialize_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	first, created, err := f.svc.Initialize(ctx, userID, time.Time{})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, f.now, first.CreatedAt)

	f.now = f.now.Add(time.Hour)
	second, created, err := f.svc.Initialize(ctx, userID, f.now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, *first.ProvisionedAt, *second.ProvisionedAt)
	assert.Equal(t, 1, f.seeder.calls[userID])
}

func TestInitialize_DefersFailedProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.profiles.err = errors.New("referral store down")

	a, created, err := f.svc.Initialize(ctx, userID, f.now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, a.Provisioned())
	assert.Equal(t, 1, a.ProvisionAttempts)
	assert.Contains(t, a.LastError, "referral store down")

	require.Len(t, f.tasks.tasks, 1)
	assert.Equal(t, userID, f.tasks.tasks[0].UserID)
	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, audit.EventProvisionFailed, f.recorder.events[0].EventType)

	// A repeated call retries the pending provisioning.
	f.profiles.err = nil
	a, created, err = f.svc.Initialize(ctx, userID, f.now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, a.Provisioned())
	assert.Empty(t, a.LastError)
}

func TestInitialize_PublishFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seeder.err = errors.New("timeout")
	f.tasks.err = errors.New("nats down")

	a, _, err := f.svc.Initialize(context.Background(), uuid.New(), f.now)
	require.NoError(t, err)
	assert.False(t, a.Provisioned())
}

func TestInitialize_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Initialize(ctx, uuid.Nil, f.now)
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, _, err = f.svc.Initialize(ctx, uuid.New(), f.now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidAccount)

	f.repo.err = errors.New("connection refused")
	_, _, err = f.svc.Initialize(ctx, uuid.New(), f.now)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidAccount)
}

func TestCreatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	createdAt := f.now.Add(-2 * time.Hour)

	_, ok, err := f.svc.CreatedAt(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = f.svc.Initialize(ctx, userID, createdAt)
	require.NoError(t, err)

	got, ok, err := f.svc.CreatedAt(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, createdAt, got)
}

func TestSweepPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seeder.err = errors.New("timeout")

	old := uuid.New()
	_, _, err := f.svc.Initialize(ctx, old, f.now.Add(-time.Hour))
	require.NoError(t, err)
	fresh := uuid.New()
	_, _, err = f.svc.Initialize(ctx, fresh, f.now)
	require.NoError(t, err)

	f.seeder.err = nil
	n, err := f.svc.SweepPending(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := f.svc.Get(ctx, old)
	require.NoError(t, err)
	assert.True(t, a.Provisioned())

	a, err = f.svc.Get(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, a.Provisioned())
}

func TestSweepPending_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seeder.err = errors.New("timeout")
	userID := uuid.New()

	_, _, err := f.svc.Initialize(ctx, userID, f.now.Add(-time.Hour))
	require.NoError(t, err)
	for i := 0; i < MaxProvisionAttempts+3; i++ {
		_, err := f.svc.SweepPending(ctx, f.now)
		require.NoError(t, err)
	}

	a, err := f.svc.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, MaxProvisionAttempts, a.ProvisionAttempts)
}

func TestReconciler_Handle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReconciler(f.svc, nil)
	userID := uuid.New()

	f.seeder.err = errors.New("timeout")
	_, _, err := f.svc.Initialize(ctx, userID, f.now)
	require.NoError(t, err)

	// Still failing: the error naks the message for redelivery.
	payload := []byte(`{"user_id":"` + userID.String() + `"}`)
	assert.Error(t, r.handle(ctx, payload))

	f.seeder.err = nil
	require.NoError(t, r.handle(ctx, payload))
	a, err := f.svc.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, a.Provisioned())

	// Provisioned, unknown and malformed tasks are acked.
	assert.NoError(t, r.handle(ctx, payload))
	assert.NoError(t, r.handle(ctx, []byte(`{"user_id":"`+uuid.NewString()+`"}`)))
	assert.NoError(t, r.handle(ctx, []byte(`not json`)))
}

func TestHandler_Initialize(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	userID := uuid.New()
	body := `{"user_id":"` + userID.String() + `","created_at":"2026-10-16T11:00:00Z"}`

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Initialize(rec, req)
		return rec
	}

	rec := post(body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), userID.String())

	rec = post(body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(`{"created_at":"2026-10-16T11:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(`{"user_id":"` + uuid.NewString() + `","created_at":"2030-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
