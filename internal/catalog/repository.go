package catalog

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

type Repository interface {
	Get(ctx context.Context, userID uuid.UUID, resource string) (*UsageQuota, error)
	List(ctx context.Context, userID uuid.UUID) ([]UsageQuota, error)
	// EnsureDefaults inserts the rows that do not exist yet and returns how
	// many were created.
	EnsureDefaults(ctx context.Context, quotas []UsageQuota) (int64, error)
	// SetBonus replaces the bonus columns of one row in a single statement.
	SetBonus(ctx context.Context, userID uuid.UUID, resource string, bonus map[window.Kind]int64) (bool, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const quotaColumns = `user_id, resource, base_hour, base_three_hour, base_day,
	bonus_hour, bonus_three_hour, bonus_day, updated_at`

func scanQuota(row pgx.Row) (*UsageQuota, error) {
	var (
		q                   UsageQuota
		bh, b3h, bd         int64
		bonH, bon3H, bonDay int64
	)
	if err := row.Scan(&q.UserID, &q.Resource, &bh, &b3h, &bd, &bonH, &bon3H, &bonDay, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.Base = map[window.Kind]int64{window.Hour: bh, window.ThreeHour: b3h, window.Day: bd}
	q.Bonus = map[window.Kind]int64{window.Hour: bonH, window.ThreeHour: bon3H, window.Day: bonDay}
	return &q, nil
}

func (r *postgresRepository) Get(ctx context.Context, userID uuid.UUID, resource string) (*UsageQuota, error) {
	query := `SELECT ` + quotaColumns + ` FROM usage_quotas WHERE user_id = $1 AND resource = $2`

	q, err := scanQuota(r.pool.QueryRow(ctx, query, userID, resource))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying usage quota: %w", err)
	}
	return q, nil
}

func (r *postgresRepository) List(ctx context.Context, userID uuid.UUID) ([]UsageQuota, error) {
	query := `SELECT ` + quotaColumns + ` FROM usage_quotas WHERE user_id = $1 ORDER BY resource`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing usage quotas: %w", err)
	}
	defer rows.Close()

	var out []UsageQuota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage quota: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage quotas: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) EnsureDefaults(ctx context.Context, quotas []UsageQuota) (int64, error) {
	if len(quotas) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, q := range quotas {
		batch.Queue(
			`INSERT INTO usage_quotas (user_id, resource, base_hour, base_three_hour, base_day)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, resource) DO NOTHING`,
			q.UserID, q.Resource, q.Base[window.Hour], q.Base[window.ThreeHour], q.Base[window.Day])
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var created int64
	for _, q := range quotas {
		tag, err := br.Exec()
		if err != nil {
			return created, fmt.Errorf("seeding usage quota %s: %w", q.Resource, err)
		}
		created += tag.RowsAffected()
	}
	return created, nil
}

func (r *postgresRepository) SetBonus(ctx context.Context, userID uuid.UUID, resource string, bonus map[window.Kind]int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE usage_quotas
		 SET bonus_hour = $3, bonus_three_hour = $4, bonus_day = $5, updated_at = $6
		 WHERE user_id = $1 AND resource = $2`,
		userID, resource, bonus[window.Hour], bonus[window.ThreeHour], bonus[window.Day], time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("updating bonus limits: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
