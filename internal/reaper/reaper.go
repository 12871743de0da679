// Package reaper deletes expired usage rows and address cooldowns and runs
// the engine's periodic maintenance jobs.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/metrics"
	"github.com/aiox-platform/quotaengine/internal/observability"
	"github.com/aiox-platform/quotaengine/internal/usage"
	"github.com/aiox-platform/quotaengine/internal/window"
)

const (
	DefaultWindowRetention = 7 * 24 * time.Hour
	DefaultDailyRetention  = 30 * 24 * time.Hour
)

// CooldownSweeper deletes address cooldowns that expired at or before now.
type CooldownSweeper interface {
	SweepCooldowns(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// Report counts the rows deleted by one run.
type Report struct {
	Windows   map[window.Kind]int64 `json:"windows"`
	Daily     int64                 `json:"daily"`
	Cooldowns int64                 `json:"cooldowns"`
	Duration  time.Duration         `json:"duration_ns"`
}

// Total is the number of rows deleted.
func (r Report) Total() int64 {
	n := r.Daily + r.Cooldowns
	for _, v := range r.Windows {
		n += v
	}
	return n
}

type Reaper struct {
	store           usage.Backend
	cooldowns       CooldownSweeper
	windowRetention time.Duration
	dailyRetention  time.Duration
	batchSize       int
	tracer          trace.Tracer
}

// New creates a Reaper. cooldowns may be nil.
func New(store usage.Backend, cooldowns CooldownSweeper, cfg config.ReaperConfig) *Reaper {
	r := &Reaper{
		store:           store,
		cooldowns:       cooldowns,
		windowRetention: cfg.WindowRetention,
		dailyRetention:  cfg.DailyRetention,
		batchSize:       cfg.BatchSize,
		tracer:          observability.Tracer("quotaengine/reaper"),
	}
	if r.windowRetention <= 0 {
		r.windowRetention = DefaultWindowRetention
	}
	if r.dailyRetention <= 0 {
		r.dailyRetention = DefaultDailyRetention
	}
	return r
}

// RunOnce deletes windows that started before now minus the window
// retention, daily rows older than the daily retention and expired
// cooldowns. A failing sweep does not stop the others; their errors are
// joined. Running it twice for the same now deletes nothing the second time.
func (r *Reaper) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, observability.SpanReaperRun)
	defer span.End()

	now = now.UTC()
	report := Report{Windows: make(map[window.Kind]int64, len(window.Kinds))}
	var errs []error

	windowCutoff := now.Add(-r.windowRetention)
	for _, kind := range window.Kinds {
		n, err := r.store.SweepBefore(ctx, kind, windowCutoff)
		report.Windows[kind] = n
		metrics.ReaperDeletedTotal.WithLabelValues("usage_windows").Add(float64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("sweeping %s windows: %w", kind, err))
		}
	}

	n, err := r.store.SweepDailyBefore(ctx, now.Add(-r.dailyRetention))
	report.Daily = n
	metrics.ReaperDeletedTotal.WithLabelValues("daily_usage").Add(float64(n))
	if err != nil {
		errs = append(errs, fmt.Errorf("sweeping daily usage: %w", err))
	}

	if r.cooldowns != nil {
		n, err := r.cooldowns.SweepCooldowns(ctx, now, r.batchSize)
		report.Cooldowns = n
		metrics.ReaperDeletedTotal.WithLabelValues("address_cooldowns").Add(float64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("sweeping address cooldowns: %w", err))
		}
	}

	report.Duration = time.Since(start)
	span.SetAttributes(attribute.Int64("deleted", report.Total()))

	if err := errors.Join(errs...); err != nil {
		metrics.ReaperRunsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("reaper: run failed", "deleted", report.Total(), "error", err)
		return report, err
	}

	metrics.ReaperRunsTotal.WithLabelValues("ok").Inc()
	slog.Info("reaper: run complete",
		"windows", report.Windows,
		"daily", report.Daily,
		"cooldowns", report.Cooldowns,
		"duration", report.Duration,
	)
	return report, nil
}
