package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/store"
)

type factorsRepo struct {
	q querier
}

func (r *factorsRepo) LoadFactors(ctx context.Context, accountID string) ([]domain.AuthFactor, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, account_id, label, type, lockout_policy, metadata, created_at, updated_at
		FROM auth_factors
		WHERE account_id = ?
		ORDER BY label ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var factors []domain.AuthFactor
	for rows.Next() {
		f, err := scanFactor(rows.Scan)
		if err != nil {
			return nil, err
		}
		factors = append(factors, f)
	}
	return factors, rows.Err()
}

func (r *factorsRepo) GetFactor(ctx context.Context, accountID, label string) (domain.AuthFactor, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, account_id, label, type, lockout_policy, metadata, created_at, updated_at
		FROM auth_factors
		WHERE account_id = ? AND label = ?`, accountID, label)

	f, err := scanFactor(row.Scan)
	if err != nil {
		return domain.AuthFactor{}, mapNotFound(err)
	}
	return f, nil
}

func (r *factorsRepo) SaveFactor(ctx context.Context, f domain.AuthFactor) error {
	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("marshal factor metadata: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO auth_factors (id, account_id, label, type, lockout_policy, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, label) DO UPDATE SET
			type = excluded.type,
			lockout_policy = excluded.lockout_policy,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		f.ID, f.AccountID, f.Label, string(f.Type), string(f.LockoutPolicy),
		string(metadata), f.CreatedAt, f.UpdatedAt)
	return err
}

func (r *factorsRepo) RemoveFactor(ctx context.Context, accountID, label string) error {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM auth_factors WHERE account_id = ? AND label = ?`, accountID, label)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanFactor(scan func(dest ...any) error) (domain.AuthFactor, error) {
	var f domain.AuthFactor
	var factorType, lockoutPolicy, metadata string

	if err := scan(&f.ID, &f.AccountID, &f.Label, &factorType, &lockoutPolicy,
		&metadata, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return domain.AuthFactor{}, err
	}

	f.Type = domain.FactorType(factorType)
	f.LockoutPolicy = domain.LockoutPolicy(lockoutPolicy)
	if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
		return domain.AuthFactor{}, fmt.Errorf("unmarshal factor metadata: %w", err)
	}
	return f, nil
}
