package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiox-platform/quotaengine/internal/window"
)

// PostgresStore keeps counters in the usage_windows and daily_usage tables.
type PostgresStore struct {
	pool      *pgxpool.Pool
	batchSize int
}

// NewPostgresStore creates a PostgresStore. Sweeps delete at most batchSize
// rows per statement.
func NewPostgresStore(pool *pgxpool.Pool, batchSize int) *PostgresStore {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &PostgresStore{pool: pool, batchSize: batchSize}
}

// IncrementAndGet upserts the window row and returns the new count.
func (s *PostgresStore) IncrementAndGet(ctx context.Context, userID uuid.UUID, resource string, key window.Key, delta int64, at time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_windows (user_id, resource, window_kind, window_start, request_count, last_request_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, resource, window_kind, window_start)
		 DO UPDATE SET request_count = usage_windows.request_count + EXCLUDED.request_count,
		               last_request_at = GREATEST(usage_windows.last_request_at, EXCLUDED.last_request_at)
		 RETURNING request_count`,
		userID, resource, string(key.Kind), key.Start, delta, at,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing usage window: %w", err)
	}
	return count, nil
}

// Get returns the window count, or 0 when no row exists.
func (s *PostgresStore) Get(ctx context.Context, userID uuid.UUID, resource string, key window.Key) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT request_count FROM usage_windows
		 WHERE user_id = $1 AND resource = $2 AND window_kind = $3 AND window_start = $4`,
		userID, resource, string(key.Kind), key.Start,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading usage window: %w", err)
	}
	return count, nil
}

// SweepBefore deletes windows of kind that started before cutoff. Rows are
// removed in batches; the start predicate is checked again by each DELETE.
func (s *PostgresStore) SweepBefore(ctx context.Context, kind window.Kind, cutoff time.Time) (int64, error) {
	return s.sweep(ctx, "usage windows",
		`DELETE FROM usage_windows
		 WHERE ctid IN (
		     SELECT ctid FROM usage_windows
		     WHERE window_kind = $1 AND window_start < $2
		     LIMIT $3
		 ) AND window_kind = $1 AND window_start < $2`,
		string(kind), cutoff, s.batchSize)
}

// AddDaily upserts the daily row and returns the updated totals.
func (s *PostgresStore) AddDaily(ctx context.Context, userID uuid.UUID, resource string, day time.Time, messages, tokens int64, at time.Time) (DailyUsage, error) {
	d := DailyUsage{UserID: userID, Resource: resource, Date: window.DayStart(day)}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO daily_usage (user_id, resource, usage_date, messages_used, tokens_used, last_request_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, resource, usage_date)
		 DO UPDATE SET messages_used = daily_usage.messages_used + EXCLUDED.messages_used,
		               tokens_used = daily_usage.tokens_used + EXCLUDED.tokens_used,
		               last_request_at = GREATEST(daily_usage.last_request_at, EXCLUDED.last_request_at)
		 RETURNING messages_used, tokens_used, last_request_at`,
		userID, resource, d.Date, messages, tokens, at,
	).Scan(&d.MessagesUsed, &d.TokensUsed, &d.LastRequestAt)
	if err != nil {
		return DailyUsage{}, fmt.Errorf("incrementing daily usage: %w", err)
	}
	return d, nil
}

// GetDaily returns the day's totals, zero when nothing was recorded.
func (s *PostgresStore) GetDaily(ctx context.Context, userID uuid.UUID, resource string, day time.Time) (DailyUsage, error) {
	d := DailyUsage{UserID: userID, Resource: resource, Date: window.DayStart(day)}
	err := s.pool.QueryRow(ctx,
		`SELECT messages_used, tokens_used, last_request_at FROM daily_usage
		 WHERE user_id = $1 AND resource = $2 AND usage_date = $3`,
		userID, resource, d.Date,
	).Scan(&d.MessagesUsed, &d.TokensUsed, &d.LastRequestAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return d, nil
		}
		return DailyUsage{}, fmt.Errorf("reading daily usage: %w", err)
	}
	return d, nil
}

// SweepDailyBefore deletes daily rows for days before the day of cutoff.
func (s *PostgresStore) SweepDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.sweep(ctx, "daily usage",
		`DELETE FROM daily_usage
		 WHERE ctid IN (
		     SELECT ctid FROM daily_usage WHERE usage_date < $1 LIMIT $2
		 ) AND usage_date < $1`,
		window.DayStart(cutoff), s.batchSize)
}

func (s *PostgresStore) sweep(ctx context.Context, what, query string, args ...any) (int64, error) {
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("sweeping %s: %w", what, err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(s.batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
