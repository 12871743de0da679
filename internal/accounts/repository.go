package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	// Create inserts the account unless it exists and returns the stored row.
	Create(ctx context.Context, userID uuid.UUID, createdAt time.Time) (*Account, bool, error)
	Get(ctx context.Context, userID uuid.UUID) (*Account, error)
	MarkProvisioned(ctx context.Context, userID uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, userID uuid.UUID, reason string) error
	// ListPending returns unprovisioned accounts created before cutoff with
	// fewer than maxAttempts attempts, oldest first.
	ListPending(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]Account, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const accountColumns = `user_id, created_at, provisioned_at, provision_attempts, last_error`

func scanAccount(row pgx.Row) (*Account, error) {
	a := &Account{}
	if err := row.Scan(&a.UserID, &a.CreatedAt, &a.ProvisionedAt, &a.ProvisionAttempts, &a.LastError); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *postgresRepository) Create(ctx context.Context, userID uuid.UUID, createdAt time.Time) (*Account, bool, error) {
	query := `
		INSERT INTO accounts (user_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING ` + accountColumns

	a, err := scanAccount(r.pool.QueryRow(ctx, query, userID, createdAt))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("inserting account: %w", err)
	}

	a, err = r.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, fmt.Errorf("account %s vanished after conflict", userID)
	}
	return a, false, nil
}

func (r *postgresRepository) Get(ctx context.Context, userID uuid.UUID) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return a, nil
}

func (r *postgresRepository) MarkProvisioned(ctx context.Context, userID uuid.UUID, at time.Time) error {
	query := `
		UPDATE accounts
		SET provisioned_at = COALESCE(provisioned_at, $2),
		    provision_attempts = provision_attempts + 1,
		    last_error = ''
		WHERE user_id = $1`

	if _, err := r.pool.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("marking account provisioned: %w", err)
	}
	return nil
}

func (r *postgresRepository) RecordFailure(ctx context.Context, userID uuid.UUID, reason string) error {
	query := `
		UPDATE accounts
		SET provision_attempts = provision_attempts + 1, last_error = $2
		WHERE user_id = $1 AND provisioned_at IS NULL`

	if _, err := r.pool.Exec(ctx, query, userID, reason); err != nil {
		return fmt.Errorf("recording provisioning failure: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListPending(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE provisioned_at IS NULL AND created_at < $1 AND provision_attempts < $2
		ORDER BY created_at
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, cutoff, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
