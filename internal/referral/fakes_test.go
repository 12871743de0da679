package referral

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/entitlement"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

type cooldown struct {
	count     int
	expiresAt time.Time
}

type fakeRepo struct {
	mu        sync.Mutex
	profiles  map[uuid.UUID]*Profile
	byCode    map[string]uuid.UUID
	events    map[uuid.UUID]*Event
	cooldowns map[string]cooldown
	err       error
	// approveErr fails Approve with an infrastructure error.
	approveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		profiles:  make(map[uuid.UUID]*Profile),
		byCode:    make(map[string]uuid.UUID),
		events:    make(map[uuid.UUID]*Event),
		cooldowns: make(map[string]cooldown),
	}
}

func (f *fakeRepo) GetProfile(_ context.Context, userID uuid.UUID) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) GetProfileByCode(_ context.Context, code string) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.byCode[code]
	if !ok {
		return nil, nil
	}
	cp := *f.profiles[id]
	return &cp, nil
}

func (f *fakeRepo) CreateProfile(_ context.Context, p *Profile) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[p.UserID]; ok {
		return false, nil
	}
	if _, ok := f.byCode[p.ReferralCode]; ok {
		return false, errCodeTaken
	}
	f.profiles[p.UserID] = &Profile{
		UserID:          p.UserID,
		ReferralCode:    p.ReferralCode,
		BonusMultiplier: 1.0,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.CreatedAt,
	}
	f.byCode[p.ReferralCode] = p.UserID
	return true, nil
}

func (f *fakeRepo) CodeExists(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byCode[code]
	return ok, nil
}

func (f *fakeRepo) InsertEvent(_ context.Context, e *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *e
	f.events[e.ID] = &cp
	return nil
}

func (f *fakeRepo) Reject(_ context.Context, eventID uuid.UUID, reason string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events[eventID]
	if e != nil && e.Status == StatusPending {
		e.Status, e.RejectionReason, e.ResolvedAt = StatusRejected, reason, &now
	}
	return nil
}

func (f *fakeRepo) RejectPendingBefore(_ context.Context, cutoff time.Time, reason string, now time.Time, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.events {
		if e.Status == StatusPending && e.CreatedAt.Before(cutoff) {
			e.Status, e.RejectionReason, e.ResolvedAt = StatusRejected, reason, &now
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) HasApproved(_ context.Context, referredID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ReferredID == referredID && e.Status == StatusApproved {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) Approve(_ context.Context, a approval) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return nil, f.approveErr
	}

	count := 1
	if c, ok := f.cooldowns[a.AddressHash]; ok && c.expiresAt.After(a.Now) {
		count = c.count + 1
	}
	if count > a.MaxPerAddress {
		return nil, errCooldown
	}

	ev := f.events[a.EventID]
	if ev == nil || ev.Status != StatusPending {
		return nil, errors.New("event not pending")
	}
	for _, e := range f.events {
		if e.ReferredID == ev.ReferredID && e.Status == StatusApproved {
			return nil, errAlreadyApproved
		}
	}

	p := f.profiles[a.ReferrerID]
	if p == nil {
		return nil, errors.New("referrer not found")
	}
	f.cooldowns[a.AddressHash] = cooldown{count: count, expiresAt: a.Now.Add(a.Cooldown)}
	ev.Status, ev.ResolvedAt = StatusApproved, &a.Now
	p.SuccessfulReferrals++
	p.BonusMultiplier = min(p.BonusMultiplier*a.BonusFactor, a.MaxMultiplier)
	p.UpdatedAt = a.Now
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) RecentApproved(_ context.Context, referrerID uuid.UUID, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.ReferrerID != nil && *e.ReferrerID == referrerID && e.Status == StatusApproved {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.After(*out[j].ResolvedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) Leaderboard(_ context.Context, limit int) ([]LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ps []*Profile
	for _, p := range f.profiles {
		if p.SuccessfulReferrals > 0 {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].SuccessfulReferrals != ps[j].SuccessfulReferrals {
			return ps[i].SuccessfulReferrals > ps[j].SuccessfulReferrals
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
	var out []LeaderboardEntry
	for i, p := range ps {
		if i == limit {
			break
		}
		out = append(out, LeaderboardEntry{Rank: i + 1, SuccessfulReferrals: p.SuccessfulReferrals,
			BonusMultiplier: p.BonusMultiplier, MemberSince: p.CreatedAt})
	}
	return out, nil
}

func (f *fakeRepo) SweepCooldowns(_ context.Context, now time.Time, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, c := range f.cooldowns {
		if !c.expiresAt.After(now) {
			delete(f.cooldowns, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) event(id uuid.UUID) Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.events[id]
}

type fakeAccounts map[uuid.UUID]time.Time

func (a fakeAccounts) CreatedAt(_ context.Context, userID uuid.UUID) (time.Time, bool, error) {
	t, ok := a[userID]
	return t, ok, nil
}

type bonusCall struct {
	UserID     uuid.UUID
	Multiplier float64
}

type fakeCatalog struct {
	mu    sync.Mutex
	calls []bonusCall
	err   error
}

func (c *fakeCatalog) ApplyBonus(_ context.Context, userID uuid.UUID, multiplier float64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.calls = append(c.calls, bonusCall{userID, multiplier})
	return 2, nil
}

type fakeGranter struct {
	mu     sync.Mutex
	grants []entitlement.Grant
	seen   map[string]bool
}

func (g *fakeGranter) GrantBonusDuration(_ context.Context, gr entitlement.Grant) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = make(map[string]bool)
	}
	if !g.seen[gr.SourceRef] {
		g.seen[gr.SourceRef] = true
		g.grants = append(g.grants, gr)
	}
	return time.Now().Add(time.Duration(gr.Days) * 24 * time.Hour), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []inats.ReferralApproved
	err    error
}

func (p *fakePublisher) PublishReferralApproved(_ context.Context, ev inats.ReferralApproved) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []inats.AuditEvent
}

func (c *captureRecorder) Record(_ context.Context, e inats.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}
