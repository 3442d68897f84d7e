package store

import (
	"context"
	"errors"

	"github.com/nimbleos/authd/internal/authd/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface for the factor storage
// collaborator. Concrete drivers (sqlite) implement this. Sessions never
// touch it directly; they go through their own lazily-populated factor cache.
type Store interface {
	Factors() Factors
	Leases() Leases

	ApplyMigrations() error

	// WithTx executes a function within a transaction.
	// If fn returns an error, the transaction is rolled back; otherwise it
	// is committed. Use it for multi-step writes that must be atomic.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It exposes the same repos plus Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Factors interface {
	// LoadFactors returns all configured factors for an account, ordered by
	// label. Accounts are addressed by their obfuscated id.
	LoadFactors(ctx context.Context, accountID string) ([]domain.AuthFactor, error)

	// GetFactor returns one factor by account and label.
	GetFactor(ctx context.Context, accountID, label string) (domain.AuthFactor, error)

	// SaveFactor inserts or replaces a factor (id is provided via ULID).
	SaveFactor(ctx context.Context, f domain.AuthFactor) error

	// RemoveFactor deletes a factor by account and label.
	// Returns ErrNotFound when no such factor exists.
	RemoveFactor(ctx context.Context, accountID, label string) error
}

type Leases interface {
	// GetLease fetches the rate-limiter lease for a factor ref.
	GetLease(ctx context.Context, factorRef string) (domain.RateLimiterLease, error)

	// UpsertLease inserts or replaces the lease for its factor ref.
	UpsertLease(ctx context.Context, lease domain.RateLimiterLease) error

	// DeleteLease removes the lease for a factor ref. Deleting an absent
	// lease is not an error.
	DeleteLease(ctx context.Context, factorRef string) error

	// DeleteExpiredLeases removes all lapsed leases (housekeeping).
	DeleteExpiredLeases(ctx context.Context) error

	// HasAnyLease reports whether any credential is registered with the
	// limiter at all.
	HasAnyLease(ctx context.Context) (bool, error)
}
