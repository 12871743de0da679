package catalog

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/window"
)

type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]*UsageQuota
	err  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]*UsageQuota)}
}

func rowKey(userID uuid.UUID, resource string) string {
	return userID.String() + "/" + resource
}

func copyQuota(q *UsageQuota) *UsageQuota {
	out := *q
	out.Base = make(map[window.Kind]int64)
	out.Bonus = make(map[window.Kind]int64)
	for k, v := range q.Base {
		out.Base[k] = v
	}
	for k, v := range q.Bonus {
		out.Bonus[k] = v
	}
	return &out
}

func (f *fakeRepo) Get(_ context.Context, userID uuid.UUID, resource string) (*UsageQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	q, ok := f.rows[rowKey(userID, resource)]
	if !ok {
		return nil, nil
	}
	return copyQuota(q), nil
}

func (f *fakeRepo) List(_ context.Context, userID uuid.UUID) ([]UsageQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []UsageQuota
	for _, q := range f.rows {
		if q.UserID == userID {
			out = append(out, *copyQuota(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

func (f *fakeRepo) EnsureDefaults(_ context.Context, quotas []UsageQuota) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var created int64
	for i := range quotas {
		k := rowKey(quotas[i].UserID, quotas[i].Resource)
		if _, ok := f.rows[k]; ok {
			continue
		}
		f.rows[k] = copyQuota(&quotas[i])
		created++
	}
	return created, nil
}

func (f *fakeRepo) SetBonus(_ context.Context, userID uuid.UUID, resource string, bonus map[window.Kind]int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.rows[rowKey(userID, resource)]
	if !ok {
		return false, nil
	}
	q.Bonus = make(map[window.Kind]int64)
	for k, v := range bonus {
		q.Bonus[k] = v
	}
	return true, nil
}

type fakePlan struct {
	messages map[string]map[window.Kind]Limit
	tokens   map[string]TokenLimits
}

func (p fakePlan) MessageLimit(resource string, kind window.Kind) (Limit, bool) {
	l, ok := p.messages[resource][kind]
	return l, ok
}

func (p fakePlan) TokenLimits(resource string) (TokenLimits, bool) {
	t, ok := p.tokens[resource]
	return t, ok
}

func testResources() []config.ResourcePolicy {
	restricted := map[window.Kind]int64{window.Hour: 30, window.ThreeHour: 100, window.Day: 300}
	return []config.ResourcePolicy{
		{Name: "orzion-mini", Regime: config.RegimeRolling, BonusExcluded: true,
			Base: map[window.Kind]int64{window.Hour: 150, window.ThreeHour: 450, window.Day: 1500}},
		{Name: "orzion-turbo", Regime: config.RegimeRolling, Base: restricted},
		{Name: "orzion-pro", Regime: config.RegimeRolling, Base: restricted},
	}
}

func TestEnsureDefaults_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, testResources())
	ctx := context.Background()
	userID := uuid.New()

	created, err := c.EnsureDefaults(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), created)

	created, err = c.EnsureDefaults(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), created)

	q, err := c.Quota(ctx, userID, "orzion-turbo")
	require.NoError(t, err)
	assert.Equal(t, int64(30), q.Base[window.Hour])
	assert.Equal(t, int64(100), q.Base[window.ThreeHour])
	assert.Equal(t, int64(300), q.Base[window.Day])
}

func TestApplyBonus_DoublesRestrictedLimits(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, testResources())
	ctx := context.Background()
	userID := uuid.New()

	_, err := c.ApplyBonus(ctx, userID, 2.0)
	require.NoError(t, err)

	q, err := c.Quota(ctx, userID, "orzion-pro")
	require.NoError(t, err)
	assert.Equal(t, map[window.Kind]int64{window.Hour: 30, window.ThreeHour: 100, window.Day: 300}, q.Bonus)

	limits, err := c.Limits(ctx, userID, "orzion-pro", nil)
	require.NoError(t, err)
	assert.Equal(t, Limit(60), limits.Limit(window.Hour))
	assert.Equal(t, Limit(200), limits.Limit(window.ThreeHour))
	assert.Equal(t, Limit(600), limits.Limit(window.Day))
}

func TestApplyBonus_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, testResources())
	ctx := context.Background()
	userID := uuid.New()

	_, err := c.ApplyBonus(ctx, userID, 4.0)
	require.NoError(t, err)
	first, err := c.Quota(ctx, userID, "orzion-turbo")
	require.NoError(t, err)

	_, err = c.ApplyBonus(ctx, userID, 4.0)
	require.NoError(t, err)
	second, err := c.Quota(ctx, userID, "orzion-turbo")
	require.NoError(t, err)

	assert.Equal(t, first.Bonus, second.Bonus)
	assert.Equal(t, int64(90), second.Bonus[window.Hour])
}

func TestApplyBonus_RecomputesFromScratch(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, testResources())
	ctx := context.Background()
	userID := uuid.New()

	_, err := c.ApplyBonus(ctx, userID, 8.0)
	require.NoError(t, err)
	_, err = c.ApplyBonus(ctx, userID, 2.0)
	require.NoError(t, err)

	q, err := c.Quota(ctx, userID, "orzion-turbo")
	require.NoError(t, err)
	assert.Equal(t, int64(30), q.Bonus[window.Hour])
}

func TestApplyBonus_SkipsExcludedResource(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, testResources())
	ctx := context.Background()
	userID := uuid.New()

	updated, err := c.ApplyBonus(ctx, userID, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	q, err := c.Quota(ctx, userID, "orzion-mini")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Bonus[window.Day])
}

func TestApplyBonus_RoundsDown(t *testing.T) {
	bonus := BonusFor(map[window.Kind]int64{window.Hour: 30, window.ThreeHour: 100, window.Day: 300}, 1.5)
	assert.Equal(t, int64(15), bonus[window.Hour])
	assert.Equal(t, int64(50), bonus[window.ThreeHour])

	bonus = BonusFor(map[window.Kind]int64{window.Hour: 7}, 1.5)
	assert.Equal(t, int64(3), bonus[window.Hour])

	bonus = BonusFor(map[window.Kind]int64{window.Hour: 30}, 1.0)
	assert.Equal(t, int64(0), bonus[window.Hour])
}

func TestApplyBonus_RejectsInvalidMultiplier(t *testing.T) {
	c := New(newFakeRepo(), testResources())
	for _, m := range []float64{0.5, math.NaN(), math.Inf(1)} {
		_, err := c.ApplyBonus(context.Background(), uuid.New(), m)
		assert.ErrorIs(t, err, ErrInvalidMultiplier)
	}
}

func TestLimits_MissingRowFallsBackToDefaults(t *testing.T) {
	c := New(newFakeRepo(), testResources())

	limits, err := c.Limits(context.Background(), uuid.New(), "orzion-mini", nil)
	require.NoError(t, err)
	assert.Equal(t, Limit(1500), limits.Limit(window.Day))
	assert.Equal(t, NoTokenLimits, limits.Tokens)
}

func TestLimits_PlanOverrideWins(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, testResources())
	ctx := context.Background()
	userID := uuid.New()
	_, err := c.ApplyBonus(ctx, userID, 2.0)
	require.NoError(t, err)

	plan := fakePlan{
		messages: map[string]map[window.Kind]Limit{
			"orzion-pro":   {window.Day: 150},
			"orzion-turbo": {window.Hour: Unlimited, window.ThreeHour: Unlimited, window.Day: Unlimited},
		},
		tokens: map[string]TokenLimits{"orzion-pro": {PerMessage: 5000, PerDay: 20000}},
	}

	pro, err := c.Limits(ctx, userID, "orzion-pro", plan)
	require.NoError(t, err)
	assert.Equal(t, Limit(150), pro.Limit(window.Day))
	assert.Equal(t, Limit(60), pro.Limit(window.Hour))
	assert.True(t, pro.Overridden[window.Day])
	assert.False(t, pro.Overridden[window.Hour])
	assert.Equal(t, Limit(20000), pro.Tokens.PerDay)

	turbo, err := c.EffectiveLimit(ctx, userID, "orzion-turbo", window.Day, plan)
	require.NoError(t, err)
	assert.True(t, turbo.IsUnlimited())
}

func TestLimits_UnknownResource(t *testing.T) {
	c := New(newFakeRepo(), testResources())
	_, err := c.Limits(context.Background(), uuid.New(), "orzion-ultra", nil)
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestLimits_RepositoryError(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("connection refused")
	c := New(repo, testResources())

	_, err := c.Limits(context.Background(), uuid.New(), "orzion-pro", nil)
	assert.Error(t, err)
}
