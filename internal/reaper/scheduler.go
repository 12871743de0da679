package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a periodic maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals. A job still running when its next
// tick fires skips that tick.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

func NewScheduler(jobs ...Job) *Scheduler {
	logger := slogLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobs: jobs,
	}
}

// Start schedules every job and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			slog.Info("scheduler: job disabled", "job", job.Name)
			continue
		}
		if _, err := s.cron.AddFunc("@every "+job.Interval.String(), s.wrap(ctx, job)); err != nil {
			return fmt.Errorf("scheduling %s: %w", job.Name, err)
		}
		slog.Info("scheduler: job scheduled", "job", job.Name, "interval", job.Interval)
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
	return nil
}

func (s *Scheduler) wrap(ctx context.Context, job Job) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			slog.Error("scheduler: job failed", "job", job.Name, "error", err)
			return
		}
		slog.Debug("scheduler: job done", "job", job.Name, "duration", time.Since(start))
	}
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
