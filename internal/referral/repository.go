package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

var (
	errCodeTaken       = errors.New("referral code taken")
	errCooldown        = errors.New("address cooldown exceeded")
	errAlreadyApproved = errors.New("referred user already approved")
)

type Repository interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	GetProfileByCode(ctx context.Context, code string) (*Profile, error)
	// CreateProfile inserts p unless the user already has a profile. It
	// returns errCodeTaken when the code belongs to someone else.
	CreateProfile(ctx context.Context, p *Profile) (bool, error)
	CodeExists(ctx context.Context, code string) (bool, error)

	InsertEvent(ctx context.Context, e *Event) error
	Reject(ctx context.Context, eventID uuid.UUID, reason string, now time.Time) error
	// RejectPendingBefore rejects events still pending that were created
	// before cutoff.
	RejectPendingBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time, batchSize int) (int64, error)
	HasApproved(ctx context.Context, referredID uuid.UUID) (bool, error)
	// Approve runs the cooldown check, event approval and referrer update
	// as one transaction and returns the updated referrer profile.
	Approve(ctx context.Context, a approval) (*Profile, error)

	RecentApproved(ctx context.Context, referrerID uuid.UUID, limit int) ([]Event, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	SweepCooldowns(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const profileColumns = `user_id, referral_code, successful_referrals, bonus_multiplier, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	p := &Profile{}
	err := row.Scan(&p.UserID, &p.ReferralCode, &p.SuccessfulReferrals, &p.BonusMultiplier, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *postgresRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM referral_profiles WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("querying referral profile: %w", err)
	}
	return p, nil
}

func (r *postgresRepository) GetProfileByCode(ctx context.Context, code string) (*Profile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM referral_profiles WHERE referral_code = $1`, code))
	if err != nil {
		return nil, fmt.Errorf("querying referral profile by code: %w", err)
	}
	return p, nil
}

func (r *postgresRepository) CreateProfile(ctx context.Context, p *Profile) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO referral_profiles (user_id, referral_code, successful_referrals, bonus_multiplier, created_at, updated_at)
		 VALUES ($1, $2, 0, 1.0, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.ReferralCode, p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, errCodeTaken
		}
		return false, fmt.Errorf("inserting referral profile: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *postgresRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM referral_profiles WHERE referral_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking referral code: %w", err)
	}
	return exists, nil
}

func (r *postgresRepository) InsertEvent(ctx context.Context, e *Event) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO referral_events (id, referrer_id, referred_id, code, address_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ReferrerID, e.ReferredID, e.Code, e.AddressHash, e.Status, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting referral event: %w", err)
	}
	return nil
}

func (r *postgresRepository) Reject(ctx context.Context, eventID uuid.UUID, reason string, now time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE referral_events
		 SET status = 'rejected', rejection_reason = $2, resolved_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		eventID, reason, now)
	if err != nil {
		return fmt.Errorf("rejecting referral event: %w", err)
	}
	return nil
}

func (r *postgresRepository) RejectPendingBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		tag, err := r.pool.Exec(ctx,
			`UPDATE referral_events
			 SET status = 'rejected', rejection_reason = $2, resolved_at = $3
			 WHERE id IN (
			     SELECT id FROM referral_events WHERE status = 'pending' AND created_at < $1 LIMIT $4
			 ) AND status = 'pending'`,
			cutoff, reason, now, batchSize)
		if err != nil {
			return total, fmt.Errorf("rejecting stale referral events: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (r *postgresRepository) HasApproved(ctx context.Context, referredID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM referral_events WHERE referred_id = $1 AND status = 'approved')`,
		referredID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking prior referral: %w", err)
	}
	return exists, nil
}

func (r *postgresRepository) Approve(ctx context.Context, a approval) (*Profile, error) {
	var profile *Profile
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var count int
		err := tx.QueryRow(ctx,
			`INSERT INTO address_cooldowns (address_hash, redemption_count, last_redemption_at, expires_at)
			 VALUES ($1, 1, $2, $3)
			 ON CONFLICT (address_hash) DO UPDATE SET
			     redemption_count = CASE WHEN address_cooldowns.expires_at <= EXCLUDED.last_redemption_at
			                             THEN 1 ELSE address_cooldowns.redemption_count + 1 END,
			     last_redemption_at = EXCLUDED.last_redemption_at,
			     expires_at = EXCLUDED.expires_at
			 RETURNING redemption_count`,
			a.AddressHash, a.Now, a.Now.Add(a.Cooldown)).Scan(&count)
		if err != nil {
			return fmt.Errorf("upserting address cooldown: %w", err)
		}
		if count > a.MaxPerAddress {
			return errCooldown
		}

		tag, err := tx.Exec(ctx,
			`UPDATE referral_events SET status = 'approved', resolved_at = $2
			 WHERE id = $1 AND status = 'pending'`,
			a.EventID, a.Now)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return errAlreadyApproved
			}
			return fmt.Errorf("approving referral event: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("approving referral event %s: not pending", a.EventID)
		}

		profile, err = scanProfile(tx.QueryRow(ctx,
			`UPDATE referral_profiles
			 SET successful_referrals = successful_referrals + 1,
			     bonus_multiplier = LEAST(bonus_multiplier * $2, $3),
			     updated_at = $4
			 WHERE user_id = $1
			 RETURNING `+profileColumns,
			a.ReferrerID, a.BonusFactor, a.MaxMultiplier, a.Now))
		if err != nil {
			return fmt.Errorf("updating referrer profile: %w", err)
		}
		if profile == nil {
			return fmt.Errorf("updating referrer profile %s: not found", a.ReferrerID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (r *postgresRepository) RecentApproved(ctx context.Context, referrerID uuid.UUID, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, referrer_id, referred_id, code, status, rejection_reason, created_at, resolved_at
		 FROM referral_events
		 WHERE referrer_id = $1 AND status = 'approved'
		 ORDER BY resolved_at DESC
		 LIMIT $2`,
		referrerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying approved referrals: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.ID, &e.ReferrerID, &e.ReferredID, &e.Code, &e.Status, &e.RejectionReason, &e.CreatedAt, &e.ResolvedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning approved referrals: %w", err)
	}
	return events, nil
}

func (r *postgresRepository) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT successful_referrals, bonus_multiplier, created_at
		 FROM referral_profiles
		 WHERE successful_referrals > 0
		 ORDER BY successful_referrals DESC, created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		e := LeaderboardEntry{Rank: len(out) + 1}
		if err := rows.Scan(&e.SuccessfulReferrals, &e.BonusMultiplier, &e.MemberSince); err != nil {
			return nil, fmt.Errorf("scanning leaderboard: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *postgresRepository) SweepCooldowns(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM address_cooldowns
			 WHERE address_hash IN (
			     SELECT address_hash FROM address_cooldowns WHERE expires_at <= $1 LIMIT $2
			 ) AND expires_at <= $1`,
			now, batchSize)
		if err != nil {
			return total, fmt.Errorf("sweeping address cooldowns: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
