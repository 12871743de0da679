package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	"github.com/aiox-platform/quotaengine/internal/metrics"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

var ErrUnknownModel = errors.New("unknown provider or model")

// Reasons a provider model is unavailable.
const (
	ReasonExhausted   = "exhausted"
	ReasonDailyLimit  = "daily_limit"
	ReasonRateLimited = "rate_limited"
)

// Decision answers whether a call to an upstream model may be made now.
type Decision struct {
	Available  bool          `json:"available"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// Status is the current day's accounting for one provider model.
type Status struct {
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	Used        int64      `json:"requests_used"`
	MinuteUsed  int64      `json:"minute_used"`
	Exhausted   bool       `json:"is_exhausted"`
	LastErrorAt *time.Time `json:"last_error_time,omitempty"`
	Limits
}

// Tracker counts calls to upstream providers in Redis so every replica sees
// the same daily and per-minute totals.
type Tracker struct {
	rdb      redis.Cmdable
	limits   Table
	recorder audit.Recorder
	now      func() time.Time
}

func NewTracker(rdb redis.Cmdable, limits Table, recorder audit.Recorder) *Tracker {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Tracker{
		rdb:      rdb,
		limits:   limits,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type keys struct {
	used, exhausted, minute string
}

func keysFor(provider, model string, now time.Time) keys {
	prefix := fmt.Sprintf("provider:%s:%s", provider, model)
	day := now.Format(time.DateOnly)
	return keys{
		used:      prefix + ":" + day + ":used",
		exhausted: prefix + ":" + day + ":exhausted",
		minute:    prefix + ":rpm:" + strconv.FormatInt(now.Unix()/60, 10),
	}
}

func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Sub(now)
}

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

type snapshot struct {
	used, minute int64
	exhausted    string
}

func (t *Tracker) read(ctx context.Context, k keys) (snapshot, error) {
	pipe := t.rdb.Pipeline()
	usedCmd := pipe.Get(ctx, k.used)
	minuteCmd := pipe.Get(ctx, k.minute)
	exhaustedCmd := pipe.Get(ctx, k.exhausted)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return snapshot{}, fmt.Errorf("reading provider counters: %w", err)
	}

	var s snapshot
	var err error
	if s.used, err = intOrZero(usedCmd); err != nil {
		return snapshot{}, err
	}
	if s.minute, err = intOrZero(minuteCmd); err != nil {
		return snapshot{}, err
	}
	s.exhausted, err = exhaustedCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snapshot{}, err
	}
	return s, nil
}

func intOrZero(cmd *redis.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Check reports whether provider/model can take another call. Reaching the
// daily limit marks the model exhausted until midnight UTC.
func (t *Tracker) Check(ctx context.Context, provider, model string) (Decision, error) {
	limits, ok := t.limits.Lookup(provider, model)
	if !ok {
		return Decision{}, ErrUnknownModel
	}
	now := t.now()
	k := keysFor(provider, model, now)

	s, err := t.read(ctx, k)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Available: true}
	switch {
	case s.exhausted != "":
		d = Decision{Reason: ReasonExhausted, RetryAfter: untilMidnight(now)}
	case limits.Daily != Unlimited && s.used >= limits.Daily:
		if err := t.rdb.Set(ctx, k.exhausted, ReasonDailyLimit, untilMidnight(now)).Err(); err != nil {
			return Decision{}, fmt.Errorf("marking provider exhausted: %w", err)
		}
		slog.Warn("provider daily quota reached",
			"provider", provider, "model", model, "used", s.used, "limit", limits.Daily)
		d = Decision{Reason: ReasonDailyLimit, RetryAfter: untilMidnight(now)}
	case limits.PerMinute != Unlimited && s.minute >= limits.PerMinute:
		d = Decision{Reason: ReasonRateLimited, RetryAfter: untilNextMinute(now)}
	}

	outcome := "available"
	if !d.Available {
		outcome = d.Reason
	}
	metrics.ProviderChecksTotal.WithLabelValues(provider, model, outcome).Inc()
	return d, nil
}

// Record counts one call made to provider/model.
func (t *Tracker) Record(ctx context.Context, provider, model string) (Status, error) {
	limits, ok := t.limits.Lookup(provider, model)
	if !ok {
		return Status{}, ErrUnknownModel
	}
	now := t.now()
	k := keysFor(provider, model, now)

	pipe := t.rdb.TxPipeline()
	usedCmd := pipe.Incr(ctx, k.used)
	pipe.Expire(ctx, k.used, untilMidnight(now))
	minuteCmd := pipe.Incr(ctx, k.minute)
	pipe.Expire(ctx, k.minute, 2*time.Minute)
	exhaustedCmd := pipe.Get(ctx, k.exhausted)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("recording provider call: %w", err)
	}

	s := snapshot{used: usedCmd.Val(), minute: minuteCmd.Val(), exhausted: exhaustedCmd.Val()}
	return status(provider, model, limits, s), nil
}

// MarkExhausted takes provider/model out of rotation until midnight UTC,
// typically after the upstream answered 429.
func (t *Tracker) MarkExhausted(ctx context.Context, provider, model string, statusCode int) (Status, error) {
	limits, ok := t.limits.Lookup(provider, model)
	if !ok {
		return Status{}, ErrUnknownModel
	}
	now := t.now()
	k := keysFor(provider, model, now)

	if err := t.rdb.Set(ctx, k.exhausted, now.Format(time.RFC3339), untilMidnight(now)).Err(); err != nil {
		return Status{}, fmt.Errorf("marking provider exhausted: %w", err)
	}

	t.recorder.Record(ctx, inats.AuditEvent{
		EventType:    audit.EventProviderExhausted,
		Severity:     audit.SeverityWarn,
		ResourceType: "provider",
		ResourceID:   provider + "/" + model,
		Details:      map[string]any{"status_code": statusCode},
		Timestamp:    now,
	})
	slog.Warn("provider marked exhausted", "provider", provider, "model", model, "status_code", statusCode)

	s, err := t.read(ctx, k)
	if err != nil {
		return Status{}, err
	}
	return status(provider, model, limits, s), nil
}

// Status returns the current day's counters for provider/model.
func (t *Tracker) Status(ctx context.Context, provider, model string) (Status, error) {
	limits, ok := t.limits.Lookup(provider, model)
	if !ok {
		return Status{}, ErrUnknownModel
	}
	s, err := t.read(ctx, keysFor(provider, model, t.now()))
	if err != nil {
		return Status{}, err
	}
	return status(provider, model, limits, s), nil
}

func status(provider, model string, limits Limits, s snapshot) Status {
	st := Status{
		Provider:   provider,
		Model:      model,
		Used:       s.used,
		MinuteUsed: s.minute,
		Exhausted:  s.exhausted != "",
		Limits:     limits,
	}
	if at, err := time.Parse(time.RFC3339, s.exhausted); err == nil {
		st.LastErrorAt = &at
	}
	return st
}
