package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExtendFunc computes a grant's resulting tier and expiry from the locked row.
type ExtendFunc func(cur *Entitlement, g Grant, now time.Time) (Tier, *time.Time)

type Repository interface {
	Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error)
	// Grant applies g atomically. When g.SourceRef was already applied the
	// earlier record is returned with applied=false.
	Grant(ctx context.Context, g Grant, now time.Time, extend ExtendFunc) (rec *GrantRecord, applied bool, err error)
	ExpireStale(ctx context.Context, now time.Time) ([]Lapsed, error)
	Cancel(ctx context.Context, userID uuid.UUID, reason string, now time.Time) (*Lapsed, error)
	SetOverrides(ctx context.Context, userID uuid.UUID, overrides map[string]ResourcePlan) error
	History(ctx context.Context, userID uuid.UUID, limit int) ([]GrantRecord, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

var errDuplicateGrant = errors.New("grant source already applied")

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *postgresRepository) Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	query := `SELECT user_id, tier, expires_at, overrides, updated_at FROM user_entitlements WHERE user_id = $1`

	e := &Entitlement{}
	var overrides []byte
	err := r.pool.QueryRow(ctx, query, userID).Scan(&e.UserID, &e.Tier, &e.ExpiresAt, &overrides, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying entitlement: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &e.Overrides); err != nil {
			return nil, fmt.Errorf("decoding entitlement overrides: %w", err)
		}
	}
	return e, nil
}

func (r *postgresRepository) Grant(ctx context.Context, g Grant, now time.Time, extend ExtendFunc) (*GrantRecord, bool, error) {
	var rec *GrantRecord
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if g.SourceRef != "" {
			existing, err := grantBySource(ctx, tx, g.SourceRef)
			if err != nil {
				return err
			}
			if existing != nil {
				rec = existing
				return errDuplicateGrant
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO user_entitlements (user_id, tier, updated_at) VALUES ($1, 'free', $2)
			 ON CONFLICT (user_id) DO NOTHING`, g.UserID, now); err != nil {
			return fmt.Errorf("ensuring entitlement row: %w", err)
		}

		cur := &Entitlement{UserID: g.UserID}
		if err := tx.QueryRow(ctx,
			`SELECT tier, expires_at FROM user_entitlements WHERE user_id = $1 FOR UPDATE`, g.UserID,
		).Scan(&cur.Tier, &cur.ExpiresAt); err != nil {
			return fmt.Errorf("locking entitlement: %w", err)
		}

		tier, expiresAt := extend(cur, g, now)
		if _, err := tx.Exec(ctx,
			`UPDATE user_entitlements SET tier = $2, expires_at = $3, updated_at = $4 WHERE user_id = $1`,
			g.UserID, tier, expiresAt, now); err != nil {
			return fmt.Errorf("updating entitlement: %w", err)
		}

		rec = &GrantRecord{
			ID:        uuid.New(),
			UserID:    g.UserID,
			Action:    ActionGrant,
			Tier:      tier,
			Days:      g.Days,
			Reason:    g.Reason,
			SourceRef: g.SourceRef,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO entitlement_grants (id, user_id, action, tier, days, reason, source_ref, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
			 ON CONFLICT (source_ref) DO NOTHING`,
			rec.ID, rec.UserID, rec.Action, rec.Tier, rec.Days, rec.Reason, rec.SourceRef, rec.ExpiresAt, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("recording grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent grant with the same source committed first.
			rec = nil
			return errDuplicateGrant
		}
		return nil
	})
	if errors.Is(err, errDuplicateGrant) {
		if rec == nil {
			existing, err := grantBySource(ctx, r.pool, g.SourceRef)
			if err != nil {
				return nil, false, err
			}
			rec = existing
		}
		return rec, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func grantBySource(ctx context.Context, q rowQuerier, sourceRef string) (*GrantRecord, error) {
	rec := &GrantRecord{}
	var source *string
	err := q.QueryRow(ctx,
		`SELECT id, user_id, action, tier, days, reason, source_ref, expires_at, created_at
		 FROM entitlement_grants WHERE source_ref = $1`, sourceRef,
	).Scan(&rec.ID, &rec.UserID, &rec.Action, &rec.Tier, &rec.Days, &rec.Reason, &source, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying grant by source: %w", err)
	}
	if source != nil {
		rec.SourceRef = *source
	}
	return rec, nil
}

func (r *postgresRepository) ExpireStale(ctx context.Context, now time.Time) ([]Lapsed, error) {
	var lapsed []Lapsed
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`WITH expired AS (
			     SELECT user_id, tier FROM user_entitlements
			     WHERE tier <> 'free' AND expires_at IS NOT NULL AND expires_at <= $1
			     FOR UPDATE SKIP LOCKED
			 )
			 UPDATE user_entitlements u
			 SET tier = 'free', expires_at = NULL, updated_at = $1
			 FROM expired
			 WHERE u.user_id = expired.user_id
			 RETURNING u.user_id, expired.tier`, now)
		if err != nil {
			return fmt.Errorf("expiring entitlements: %w", err)
		}
		lapsed, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Lapsed, error) {
			var l Lapsed
			err := row.Scan(&l.UserID, &l.Tier)
			return l, err
		})
		if err != nil {
			return fmt.Errorf("scanning expired entitlements: %w", err)
		}
		return insertHistory(ctx, tx, lapsed, ActionExpire, "expired", now)
	})
	if err != nil {
		return nil, err
	}
	return lapsed, nil
}

func (r *postgresRepository) Cancel(ctx context.Context, userID uuid.UUID, reason string, now time.Time) (*Lapsed, error) {
	var out *Lapsed
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		l := Lapsed{UserID: userID}
		err := tx.QueryRow(ctx,
			`WITH prev AS (
			     SELECT user_id, tier FROM user_entitlements WHERE user_id = $1 AND tier <> 'free' FOR UPDATE
			 )
			 UPDATE user_entitlements u
			 SET tier = 'free', expires_at = NULL, updated_at = $2
			 FROM prev
			 WHERE u.user_id = prev.user_id
			 RETURNING prev.tier`, userID, now).Scan(&l.Tier)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("cancelling entitlement: %w", err)
		}
		out = &l
		return insertHistory(ctx, tx, []Lapsed{l}, ActionCancel, reason, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, lapsed []Lapsed, action, reason string, now time.Time) error {
	if len(lapsed) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range lapsed {
		batch.Queue(
			`INSERT INTO entitlement_grants (id, user_id, action, tier, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), l.UserID, action, l.Tier, reason, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("recording %s history: %w", action, err)
	}
	return nil
}

func (r *postgresRepository) SetOverrides(ctx context.Context, userID uuid.UUID, overrides map[string]ResourcePlan) error {
	if overrides == nil {
		overrides = map[string]ResourcePlan{}
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO user_entitlements (user_id, overrides, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET overrides = EXCLUDED.overrides, updated_at = EXCLUDED.updated_at`,
		userID, data)
	if err != nil {
		return fmt.Errorf("storing overrides: %w", err)
	}
	return nil
}

func (r *postgresRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]GrantRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, action, tier, days, reason, COALESCE(source_ref, ''), expires_at, created_at
		 FROM entitlement_grants WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying grant history: %w", err)
	}
	defer rows.Close()

	var out []GrantRecord
	for rows.Next() {
		var g GrantRecord
		if err := rows.Scan(&g.ID, &g.UserID, &g.Action, &g.Tier, &g.Days, &g.Reason, &g.SourceRef, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grants: %w", err)
	}
	return out, nil
}
