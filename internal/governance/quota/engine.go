// Package quota decides whether a request fits the user's quota and records
// it against every window the resource is enforced on.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aiox-platform/quotaengine/internal/catalog"
	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/entitlement"
	"github.com/aiox-platform/quotaengine/internal/metrics"
	"github.com/aiox-platform/quotaengine/internal/observability"
	"github.com/aiox-platform/quotaengine/internal/usage"
	"github.com/aiox-platform/quotaengine/internal/window"
)

// LimitSource resolves configured resources and effective limits.
type LimitSource interface {
	Resources() []config.ResourcePolicy
	Policy(resource string) (config.ResourcePolicy, bool)
	Limits(ctx context.Context, userID uuid.UUID, resource string, plan catalog.Plan) (*catalog.ResourceLimits, error)
}

// PlanResolver returns the user's active entitlement.
type PlanResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error)
}

type Engine struct {
	store  usage.Backend
	limits LimitSource
	plans  PlanResolver
	strict bool
	tracer trace.Tracer
}

// NewEngine creates an Engine. mode is config.ModeSoft or config.ModeStrict.
func NewEngine(store usage.Backend, limits LimitSource, plans PlanResolver, mode string) *Engine {
	return &Engine{
		store:  store,
		limits: limits,
		plans:  plans,
		strict: mode == config.ModeStrict,
		tracer: observability.Tracer("quotaengine/quota"),
	}
}

func (e *Engine) mode() string {
	if e.strict {
		return config.ModeStrict
	}
	return config.ModeSoft
}

// windowCheck is one window counted for the request.
type windowCheck struct {
	key   window.Key
	limit catalog.Limit
	count int64
}

// Admit decides whether the request fits and, if it does, records it. A
// denial never records anything in soft mode; strict mode records first and
// compensates. When a dependency fails the request is denied with
// ReasonUnavailable and the returned error wraps ErrStoreUnavailable.
func (e *Engine) Admit(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost) (Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, observability.SpanAdmit, trace.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("mode", e.mode()),
	))
	defer span.End()

	d, err := e.admit(ctx, userID, resource, now.UTC(), cost)

	metrics.AdmitDuration.WithLabelValues(e.mode()).Observe(time.Since(start).Seconds())
	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Reason)
	}
	metrics.AdmissionsTotal.WithLabelValues(resource, outcome).Inc()
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d, err
}

func (e *Engine) admit(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost) (Decision, error) {
	d := Decision{Resource: resource}

	policy, err := e.validate(userID, resource, &cost)
	if err != nil {
		d.Reason = ReasonInvalid
		return d, err
	}

	limits, ent, err := e.resolve(ctx, userID, resource)
	if err != nil {
		return e.unavailable(d, userID, err)
	}
	d.Tier = ent.Tier

	checks := make([]windowCheck, 0, len(window.Kinds))
	for _, kind := range policy.Regime.Windows() {
		checks = append(checks, windowCheck{key: window.For(now, kind), limit: limits.Limit(kind)})
	}

	if policy.Regime.TokenCaps() {
		denied, err := e.checkTokens(ctx, userID, resource, now, cost, limits.Tokens, &d)
		if err != nil {
			return e.unavailable(d, userID, err)
		}
		if denied {
			d.Remaining = e.peekRemaining(ctx, userID, resource, checks)
			return d, nil
		}
	}

	if e.strict {
		return e.admitStrict(ctx, userID, resource, now, cost, checks, d)
	}
	return e.admitSoft(ctx, userID, resource, now, cost, checks, d)
}

func (e *Engine) validate(userID uuid.UUID, resource string, cost *Cost) (config.ResourcePolicy, error) {
	if userID == uuid.Nil {
		return config.ResourcePolicy{}, &ValidationError{Field: "user_id", Message: "required"}
	}
	if resource == "" {
		return config.ResourcePolicy{}, &ValidationError{Field: "resource", Message: "required"}
	}
	policy, ok := e.limits.Policy(resource)
	if !ok {
		return config.ResourcePolicy{}, &ValidationError{Field: "resource", Message: fmt.Sprintf("unknown resource %q", resource)}
	}
	if cost.Messages < 0 || cost.Tokens < 0 {
		return config.ResourcePolicy{}, &ValidationError{Field: "cost", Message: "must not be negative"}
	}
	if cost.Messages == 0 {
		cost.Messages = 1
	}
	return policy, nil
}

func (e *Engine) resolve(ctx context.Context, userID uuid.UUID, resource string) (*catalog.ResourceLimits, *entitlement.Entitlement, error) {
	ent, err := e.plans.Resolve(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving plan: %w", err)
	}
	limits, err := e.limits.Limits(ctx, userID, resource, ent)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving limits: %w", err)
	}
	return limits, ent, nil
}

func (e *Engine) unavailable(d Decision, userID uuid.UUID, err error) (Decision, error) {
	slog.Warn("quota: store unavailable, denying", "user_id", userID, "resource", d.Resource, "error", err)
	d.Allowed = false
	d.Reason = ReasonUnavailable
	d.Window, d.Limit, d.RetryAfter = "", 0, 0
	return d, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// checkTokens applies the plan's token caps. It fills d and returns true when
// the request is denied.
func (e *Engine) checkTokens(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost, caps catalog.TokenLimits, d *Decision) (bool, error) {
	if !caps.PerMessage.IsUnlimited() && catalog.Limit(cost.Tokens) > caps.PerMessage {
		d.Reason = ReasonTokensPerMessage
		d.Limit = caps.PerMessage
		return true, nil
	}
	if caps.PerDay.IsUnlimited() {
		return false, nil
	}

	daily, err := e.store.GetDaily(ctx, userID, resource, now)
	if err != nil {
		return false, err
	}
	if catalog.Limit(daily.TokensUsed+cost.Tokens) > caps.PerDay {
		day := window.For(now, window.Day)
		d.Reason = ReasonDailyTokensReached
		d.Limit = caps.PerDay
		d.RetryAfter = day.Until(now)
		return true, nil
	}
	return false, nil
}

func (e *Engine) admitSoft(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost, checks []windowCheck, d Decision) (Decision, error) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range checks {
		if checks[i].limit.IsUnlimited() {
			continue
		}
		g.Go(func() error {
			n, err := e.store.Get(gctx, userID, resource, checks[i].key)
			checks[i].count = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return e.unavailable(d, userID, fmt.Errorf("reading usage: %w", err))
	}

	if deny(checks, cost, now, &d, func(c windowCheck) int64 { return c.count + cost.Messages }) {
		d.Remaining = tightest(checks, func(c windowCheck) int64 { return c.count })
		return d, nil
	}

	if err := e.record(ctx, userID, resource, now, cost, checks); err != nil {
		return e.unavailable(d, userID, err)
	}
	d.Allowed = true
	d.Remaining = tightest(checks, func(c windowCheck) int64 { return c.count })
	return d, nil
}

// record increments every window and the day's usage concurrently, storing
// the new counts in checks. When any write fails the writes that landed are
// taken back, so a failed request leaves no usage behind.
func (e *Engine) record(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost, checks []windowCheck) error {
	landed := make([]bool, len(checks))
	var dailyLanded bool

	var g errgroup.Group
	for i := range checks {
		g.Go(func() error {
			n, err := e.store.IncrementAndGet(ctx, userID, resource, checks[i].key, cost.Messages, now)
			if err != nil {
				return err
			}
			checks[i].count = n
			landed[i] = true
			return nil
		})
	}
	g.Go(func() error {
		if _, err := e.store.AddDaily(ctx, userID, resource, now, cost.Messages, cost.Tokens, now); err != nil {
			return err
		}
		dailyLanded = true
		return nil
	})
	if err := g.Wait(); err != nil {
		e.compensate(ctx, userID, resource, now, cost, checks, landed, dailyLanded)
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

func (e *Engine) admitStrict(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost, checks []windowCheck, d Decision) (Decision, error) {
	incremented := make([]bool, len(checks))
	var g errgroup.Group
	for i := range checks {
		g.Go(func() error {
			n, err := e.store.IncrementAndGet(ctx, userID, resource, checks[i].key, cost.Messages, now)
			if err != nil {
				return err
			}
			checks[i].count = n
			incremented[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.compensate(ctx, userID, resource, now, cost, checks, incremented, false)
		return e.unavailable(d, userID, fmt.Errorf("recording usage: %w", err))
	}

	if deny(checks, cost, now, &d, func(c windowCheck) int64 { return c.count }) {
		e.compensate(ctx, userID, resource, now, cost, checks, incremented, false)
		d.Remaining = tightest(checks, func(c windowCheck) int64 { return c.count - cost.Messages })
		return d, nil
	}

	if _, err := e.store.AddDaily(ctx, userID, resource, now, cost.Messages, cost.Tokens, now); err != nil {
		e.compensate(ctx, userID, resource, now, cost, checks, incremented, false)
		return e.unavailable(d, userID, fmt.Errorf("recording daily usage: %w", err))
	}
	d.Allowed = true
	d.Remaining = tightest(checks, func(c windowCheck) int64 { return c.count })
	return d, nil
}

// compensate takes back the writes of a denied request: the marked window
// increments and, when daily is set, the day's totals. Each write is
// compensated independently; a failure leaves that row overcounted by the
// request's cost until it rolls over.
func (e *Engine) compensate(ctx context.Context, userID uuid.UUID, resource string, now time.Time, cost Cost, checks []windowCheck, incremented []bool, daily bool) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := range checks {
		if !incremented[i] {
			continue
		}
		metrics.CompensationsTotal.WithLabelValues(e.mode()).Inc()
		g.Go(func() error {
			_, err := e.store.IncrementAndGet(ctx, userID, resource, checks[i].key, -cost.Messages, now)
			if err != nil {
				slog.Error("quota: compensating window increment",
					"user_id", userID, "resource", resource, "window", checks[i].key.Kind, "error", err)
			}
			return err
		})
	}
	if daily {
		metrics.CompensationsTotal.WithLabelValues(e.mode()).Inc()
		g.Go(func() error {
			_, err := e.store.AddDaily(ctx, userID, resource, now, -cost.Messages, -cost.Tokens, now)
			if err != nil {
				slog.Error("quota: compensating daily usage", "user_id", userID, "resource", resource, "error", err)
			}
			return err
		})
	}
	_ = g.Wait()
}

// deny fills d from the limited window with the longest wait among those
// whose projected count exceeds the limit.
func deny(checks []windowCheck, cost Cost, now time.Time, d *Decision, projected func(windowCheck) int64) bool {
	denied := false
	for _, c := range checks {
		if c.limit.IsUnlimited() || catalog.Limit(projected(c)) <= c.limit {
			continue
		}
		wait := c.key.Until(now)
		if !denied || wait > d.RetryAfter {
			d.Window = c.key.Kind
			d.Limit = c.limit
			d.RetryAfter = wait
		}
		denied = true
	}
	if denied {
		d.Reason = ReasonLimitExceeded
	}
	return denied
}

// tightest is the smallest remaining allowance over limited windows.
func tightest(checks []windowCheck, used func(windowCheck) int64) catalog.Limit {
	out := catalog.Unlimited
	for _, c := range checks {
		if c.limit.IsUnlimited() {
			continue
		}
		r := remaining(c.limit, used(c))
		if out.IsUnlimited() || r < out {
			out = r
		}
	}
	return out
}

// peekRemaining reads current counts for a token denial. Errors only cost
// the informational Remaining field.
func (e *Engine) peekRemaining(ctx context.Context, userID uuid.UUID, resource string, checks []windowCheck) catalog.Limit {
	for i := range checks {
		if checks[i].limit.IsUnlimited() {
			continue
		}
		n, err := e.store.Get(ctx, userID, resource, checks[i].key)
		if err != nil {
			return catalog.Unlimited
		}
		checks[i].count = n
	}
	return tightest(checks, func(c windowCheck) int64 { return c.count })
}

// Usage summarizes every configured resource for the user at now.
func (e *Engine) Usage(ctx context.Context, userID uuid.UUID, now time.Time) ([]ResourceUsage, error) {
	if userID == uuid.Nil {
		return nil, &ValidationError{Field: "user_id", Message: "required"}
	}
	now = now.UTC()

	ent, err := e.plans.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving plan: %w", ErrStoreUnavailable, err)
	}

	resources := e.limits.Resources()
	out := make([]ResourceUsage, len(resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, policy := range resources {
		g.Go(func() error {
			ru, err := e.resourceUsage(gctx, userID, policy, ent, now)
			if err != nil {
				return fmt.Errorf("%s: %w", policy.Name, err)
			}
			out[i] = ru
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

func (e *Engine) resourceUsage(ctx context.Context, userID uuid.UUID, policy config.ResourcePolicy, ent *entitlement.Entitlement, now time.Time) (ResourceUsage, error) {
	limits, err := e.limits.Limits(ctx, userID, policy.Name, ent)
	if err != nil {
		return ResourceUsage{}, err
	}
	ru := ResourceUsage{Resource: policy.Name, Regime: policy.Regime, Tokens: catalog.NoTokenLimits}
	if policy.Regime.TokenCaps() {
		ru.Tokens = limits.Tokens
	}

	for _, kind := range policy.Regime.Windows() {
		key := window.For(now, kind)
		used, err := e.store.Get(ctx, userID, policy.Name, key)
		if err != nil {
			return ResourceUsage{}, err
		}
		limit := limits.Limit(kind)
		ru.Windows = append(ru.Windows, WindowUsage{
			Kind:       kind,
			Limit:      limit,
			Used:       used,
			Remaining:  remaining(limit, used),
			Percentage: percentage(limit, used),
			Unlimited:  limit.IsUnlimited(),
			ResetsAt:   key.End(),
		})
	}

	daily, err := e.store.GetDaily(ctx, userID, policy.Name, now)
	if err != nil {
		return ResourceUsage{}, err
	}
	ru.MessagesToday = daily.MessagesUsed
	ru.TokensToday = daily.TokensUsed
	return ru, nil
}
