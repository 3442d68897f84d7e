package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
)

type leasesRepo struct {
	q querier
}

func (r *leasesRepo) GetLease(ctx context.Context, factorRef string) (domain.RateLimiterLease, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT factor_ref, account_id, failed_attempts, available_at, expires_at, updated_at
		FROM rate_limiter_leases
		WHERE factor_ref = ?`, factorRef)

	var lease domain.RateLimiterLease
	var expiresAt sql.NullTime
	err := row.Scan(&lease.FactorRef, &lease.AccountID, &lease.FailedAttempts,
		&lease.AvailableAt, &expiresAt, &lease.UpdatedAt)
	if err != nil {
		return domain.RateLimiterLease{}, mapNotFound(err)
	}

	lease.ExpiresAt = mapNullTimePtr(expiresAt)
	return lease, nil
}

func (r *leasesRepo) UpsertLease(ctx context.Context, lease domain.RateLimiterLease) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO rate_limiter_leases (factor_ref, account_id, failed_attempts, available_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(factor_ref) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			available_at = excluded.available_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		lease.FactorRef, lease.AccountID, lease.FailedAttempts,
		lease.AvailableAt, mapOptionalTime(lease.ExpiresAt), lease.UpdatedAt)
	return err
}

func (r *leasesRepo) DeleteLease(ctx context.Context, factorRef string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM rate_limiter_leases WHERE factor_ref = ?`, factorRef)
	return err
}

func (r *leasesRepo) DeleteExpiredLeases(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM rate_limiter_leases WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now())
	return err
}

func (r *leasesRepo) HasAnyLease(ctx context.Context) (bool, error) {
	row := r.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM rate_limiter_leases`)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
