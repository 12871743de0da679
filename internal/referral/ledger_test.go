package referral

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/entitlement"
	"github.com/aiox-platform/quotaengine/internal/governance/audit"
)

type ledgerFixture struct {
	ledger   *Ledger
	repo     *fakeRepo
	accounts fakeAccounts
	catalog  *fakeCatalog
	granter  *fakeGranter
	recorder *captureRecorder
	now      time.Time
}

func testReferralConfig() config.ReferralConfig {
	return config.ReferralConfig{
		BonusFactor:      2.0,
		MaxMultiplier:    10.0,
		Cooldown:         30 * 24 * time.Hour,
		MaxPerAddress:    1,
		NewAccountWindow: 24 * time.Hour,
		AddressSecret:    "address-secret-for-tests",
		CodeRetries:      10,
	}
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		repo:     newFakeRepo(),
		accounts: fakeAccounts{},
		catalog:  &fakeCatalog{},
		granter:  &fakeGranter{},
		recorder: &captureRecorder{},
		now:      time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	hasher, err := NewAddressHasher("address-secret-for-tests")
	require.NoError(t, err)
	bonus := NewBonusHandler(f.repo, f.catalog, f.granter)
	f.ledger = NewLedger(f.repo, f.accounts, hasher, testReferralConfig(), nil, bonus, f.recorder)
	f.ledger.now = func() time.Time { return f.now }
	return f
}

// referrer creates a profile and returns the user and code.
func (f *ledgerFixture) referrer(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	f.accounts[id] = f.now.Add(-90 * 24 * time.Hour)
	p, err := f.ledger.EnsureProfile(context.Background(), id)
	require.NoError(t, err)
	return id, p.ReferralCode
}

// newUser registers an account created an hour ago.
func (f *ledgerFixture) newUser() uuid.UUID {
	id := uuid.New()
	f.accounts[id] = f.now.Add(-time.Hour)
	return id
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected), "expected *RejectedError, got %v", err)
	return rejected.Reason
}

func TestRedeem_Approves(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	referrerID, code := f.referrer(t)
	referredID := f.newUser()

	event, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: referredID, Code: " " + strings.ToUpper(code) + " ", RemoteAddr: "203.0.113.7:51234"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, event.Status)
	assert.Equal(t, StatusApproved, f.repo.event(event.ID).Status)

	p, err := f.repo.GetProfile(ctx, referrerID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.SuccessfulReferrals)
	assert.Equal(t, 2.0, p.BonusMultiplier)

	require.Len(t, f.catalog.calls, 1)
	assert.Equal(t, bonusCall{referrerID, 2.0}, f.catalog.calls[0])

	require.Len(t, f.granter.grants, 1)
	g := f.granter.grants[0]
	assert.Equal(t, referrerID, g.UserID)
	assert.Equal(t, entitlement.TierPro, g.Tier)
	assert.Equal(t, 14, g.Days)
	assert.Equal(t, "referral:"+event.ID.String(), g.SourceRef)
}

func TestRedeem_AddressCooldown(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	referrerID, code := f.referrer(t)
	addr := "198.51.100.20"

	_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: addr})
	require.NoError(t, err)

	_, err = f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: addr + ":443"})
	require.Error(t, err)
	assert.Equal(t, ReasonAddressCooldown, rejectionReason(t, err))
	assert.ErrorIs(t, err, ErrReferralAbuse)

	p, err := f.repo.GetProfile(ctx, referrerID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.SuccessfulReferrals, "a rejected redemption must not count")
	assert.Equal(t, 2.0, p.BonusMultiplier)

	// Once the cooldown has expired the address may redeem again.
	f.now = f.now.Add(31 * 24 * time.Hour)
	_, err = f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: addr})
	require.NoError(t, err)

	p, err = f.repo.GetProfile(ctx, referrerID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.SuccessfulReferrals)
}

func TestRedeem_Rejections(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	referrerID, code := f.referrer(t)

	oldUser := uuid.New()
	f.accounts[oldUser] = f.now.Add(-25 * time.Hour)

	tests := []struct {
		name   string
		req    RedeemRequest
		reason string
	}{
		{"unknown code", RedeemRequest{ReferredID: f.newUser(), Code: "zzzzzzzz", RemoteAddr: "192.0.2.1"}, ReasonInvalidCode},
		{"self referral", RedeemRequest{ReferredID: referrerID, Code: code, RemoteAddr: "192.0.2.2"}, ReasonSelfReferral},
		{"account too old", RedeemRequest{ReferredID: oldUser, Code: code, RemoteAddr: "192.0.2.3"}, ReasonAccountNotNew},
		{"unknown account", RedeemRequest{ReferredID: uuid.New(), Code: code, RemoteAddr: "192.0.2.4"}, ReasonAccountNotNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Redeem(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.reason, rejectionReason(t, err))
			assert.NotErrorIs(t, err, ErrReferralAbuse)
		})
	}

	// Every rejection left a terminal event behind.
	for _, e := range f.repo.events {
		assert.Equal(t, StatusRejected, e.Status)
		assert.NotEmpty(t, e.RejectionReason)
	}
	assert.Empty(t, f.catalog.calls)
}

func TestRedeem_AlreadyReferred(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, code1 := f.referrer(t)
	_, code2 := f.referrer(t)
	referred := f.newUser()

	_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: referred, Code: code1, RemoteAddr: "192.0.2.10"})
	require.NoError(t, err)

	_, err = f.ledger.Redeem(ctx, RedeemRequest{ReferredID: referred, Code: code2, RemoteAddr: "192.0.2.11"})
	require.Error(t, err)
	assert.Equal(t, ReasonAlreadyReferred, rejectionReason(t, err))
}

func TestRedeem_InvalidInput(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: "abc", RemoteAddr: "192.0.2.1"})
	assert.ErrorIs(t, err, ErrInvalidCodeFormat)

	_, err = f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: "ab0cdefg", RemoteAddr: "192.0.2.1"})
	assert.ErrorIs(t, err, ErrInvalidCodeFormat)

	_, err = f.ledger.Redeem(ctx, RedeemRequest{Code: "abcdefgh", RemoteAddr: "192.0.2.1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, f.repo.events, "malformed requests record nothing")
}

func TestRedeem_MultiplierIsCapped(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	referrerID, code := f.referrer(t)

	want := []float64{2, 4, 8, 10, 10}
	for i, m := range want {
		addr := "10.0.0." + string(rune('1'+i))
		_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: addr})
		require.NoError(t, err)

		p, err := f.repo.GetProfile(ctx, referrerID)
		require.NoError(t, err)
		assert.Equal(t, m, p.BonusMultiplier, "after referral %d", i+1)
	}
}

func TestRedeem_PublishesApproval(t *testing.T) {
	f := newLedgerFixture(t)
	pub := &fakePublisher{}
	f.ledger.publisher = pub
	referrerID, code := f.referrer(t)

	event, err := f.ledger.Redeem(context.Background(), RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: "192.0.2.50"})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, event.ID, pub.events[0].EventID)
	assert.Equal(t, referrerID, pub.events[0].ReferrerID)
	assert.Equal(t, 1, pub.events[0].SuccessfulReferrals)
	assert.Empty(t, f.catalog.calls, "published approvals are applied by the consumer")
}

func TestRedeem_PublishFailureAppliesInline(t *testing.T) {
	f := newLedgerFixture(t)
	f.ledger.publisher = &fakePublisher{err: errors.New("nats down")}
	_, code := f.referrer(t)

	_, err := f.ledger.Redeem(context.Background(), RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: "192.0.2.51"})
	require.NoError(t, err)
	assert.Len(t, f.catalog.calls, 1)
	assert.Len(t, f.granter.grants, 1)
}

func TestRedeem_StoreError(t *testing.T) {
	f := newLedgerFixture(t)
	_, code := f.referrer(t)
	f.repo.err = errors.New("db down")

	_, err := f.ledger.Redeem(context.Background(), RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: "192.0.2.1"})
	require.Error(t, err)
	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected))
}

func TestRedeem_FailedApprovalClosesEvent(t *testing.T) {
	f := newLedgerFixture(t)
	_, code := f.referrer(t)
	referred := f.newUser()
	f.repo.approveErr = errors.New("connection reset")

	_, err := f.ledger.Redeem(context.Background(), RedeemRequest{ReferredID: referred, Code: code, RemoteAddr: "192.0.2.1"})
	require.ErrorContains(t, err, "connection reset")
	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected))

	require.Len(t, f.repo.events, 1)
	for _, e := range f.repo.events {
		assert.Equal(t, StatusRejected, e.Status)
		assert.Equal(t, ReasonInternalError, e.RejectionReason)
		assert.NotNil(t, e.ResolvedAt)
	}

	// The user can redeem again once the dependency recovers.
	f.repo.approveErr = nil
	event, err := f.ledger.Redeem(context.Background(), RedeemRequest{ReferredID: referred, Code: code, RemoteAddr: "192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, event.Status)
}

func TestRejectStalePending(t *testing.T) {
	f := newLedgerFixture(t)
	stale := &Event{ID: uuid.New(), ReferredID: uuid.New(), Code: "abcdefgh", Status: StatusPending,
		CreatedAt: f.now.Add(-time.Hour)}
	fresh := &Event{ID: uuid.New(), ReferredID: uuid.New(), Code: "abcdefgh", Status: StatusPending,
		CreatedAt: f.now.Add(-time.Minute)}
	require.NoError(t, f.repo.InsertEvent(context.Background(), stale))
	require.NoError(t, f.repo.InsertEvent(context.Background(), fresh))

	n, err := f.ledger.RejectStalePending(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, StatusRejected, f.repo.events[stale.ID].Status)
	assert.Equal(t, ReasonInternalError, f.repo.events[stale.ID].RejectionReason)
	assert.Equal(t, StatusPending, f.repo.events[fresh.ID].Status)

	n, err = f.ledger.RejectStalePending(context.Background(), f.now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGenerateUniqueCode_NoCollisions(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		userID := uuid.New()
		code, err := f.ledger.GenerateUniqueCode(ctx, userID)
		require.NoError(t, err)
		require.True(t, ValidCode(code), "code %q", code)
		require.False(t, seen[code], "duplicate code %q", code)
		seen[code] = true

		created, err := f.repo.CreateProfile(ctx, &Profile{UserID: userID, ReferralCode: code, CreatedAt: f.now})
		require.NoError(t, err)
		require.True(t, created)
	}
	assert.Len(t, seen, 10000)
}

func TestGenerateUniqueCode_Exhausted(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.ledger.seed = func(b []byte) error {
		for i := range b {
			b[i] = 7
		}
		return nil
	}
	userID := uuid.New()
	taken := deriveCode(make16(7), userID)
	_, err := f.repo.CreateProfile(ctx, &Profile{UserID: uuid.New(), ReferralCode: taken, CreatedAt: f.now})
	require.NoError(t, err)

	_, err = f.ledger.GenerateUniqueCode(ctx, userID)
	assert.ErrorIs(t, err, ErrCodeGenerationExhausted)

	require.NotEmpty(t, f.recorder.events)
	last := f.recorder.events[len(f.recorder.events)-1]
	assert.Equal(t, audit.EventCodeExhausted, last.EventType)
	assert.Equal(t, audit.SeverityError, last.Severity)
}

func make16(v byte) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestEnsureProfile_Idempotent(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	p1, err := f.ledger.EnsureProfile(ctx, userID)
	require.NoError(t, err)
	p2, err := f.ledger.EnsureProfile(ctx, userID)
	require.NoError(t, err)

	assert.Equal(t, p1.ReferralCode, p2.ReferralCode)
	assert.Equal(t, 1.0, p2.BonusMultiplier)
	assert.Equal(t, 0, p2.SuccessfulReferrals)
	assert.Len(t, f.repo.profiles, 1)
}

func TestStats(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	referrerID, code := f.referrer(t)

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: "172.16.0." + string(rune('1'+i))})
		require.NoError(t, err)
	}

	stats, err := f.ledger.Stats(ctx, referrerID)
	require.NoError(t, err)
	assert.Equal(t, code, stats.ReferralCode)
	assert.Equal(t, 3, stats.SuccessfulReferrals)
	assert.Equal(t, 8.0, stats.BonusMultiplier)
	require.Len(t, stats.Recent, 3)
	assert.True(t, stats.Recent[0].ResolvedAt.After(*stats.Recent[2].ResolvedAt))

	fresh, err := f.ledger.Stats(ctx, uuid.New())
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.ReferralCode)
	assert.Empty(t, fresh.Recent)
}

func TestValidateCode(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, code := f.referrer(t)

	ok, err := f.ledger.ValidateCode(ctx, "  "+strings.ToUpper(code))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.ledger.ValidateCode(ctx, "zzzzzzzz")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.ledger.ValidateCode(ctx, "not a code")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaderboard(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, code1 := f.referrer(t)
	_, code2 := f.referrer(t)
	f.referrer(t)

	addrs := []string{"10.1.0.1", "10.1.0.2", "10.1.0.3"}
	for _, a := range addrs[:2] {
		_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code2, RemoteAddr: a})
		require.NoError(t, err)
	}
	_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code1, RemoteAddr: addrs[2]})
	require.NoError(t, err)

	entries, err := f.ledger.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "profiles without referrals are not ranked")
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 2, entries[0].SuccessfulReferrals)
	assert.Equal(t, 1, entries[1].SuccessfulReferrals)
}

func TestSweepCooldowns(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, code := f.referrer(t)

	_, err := f.ledger.Redeem(ctx, RedeemRequest{ReferredID: f.newUser(), Code: code, RemoteAddr: "10.2.0.1"})
	require.NoError(t, err)

	n, err := f.ledger.SweepCooldowns(ctx, f.now, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = f.ledger.SweepCooldowns(ctx, f.now.Add(30*24*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
