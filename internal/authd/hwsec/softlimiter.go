package hwsec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/store"
	"golang.org/x/time/rate"
)

// SoftLimiterConfig defines the escalation schedule for the software rate
// limiter. Zero values fall back to the defaults below.
type SoftLimiterConfig struct {
	// FreeAttempts failures are tolerated before any delay is imposed.
	FreeAttempts int
	// BaseDelay is the first imposed delay; it doubles per failure after.
	BaseDelay time.Duration
	// MaxDelay caps the doubling.
	MaxDelay time.Duration
	// HardLockAttempts failures lock the factor with no scheduled release.
	HardLockAttempts int
	// LeaseTTL bounds how long a penalty lease lives without activity.
	LeaseTTL time.Duration
	// AttemptsPerSecond throttles raw probe traffic per factor regardless
	// of the persisted backoff (token-bucket, in memory).
	AttemptsPerSecond rate.Limit
	// AttemptBurst is the token-bucket burst for AttemptsPerSecond.
	AttemptBurst int
}

func (c SoftLimiterConfig) withDefaults() SoftLimiterConfig {
	if c.FreeAttempts <= 0 {
		c.FreeAttempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 10 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	if c.HardLockAttempts <= 0 {
		c.HardLockAttempts = 20
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 24 * time.Hour
	}
	if c.AttemptsPerSecond <= 0 {
		c.AttemptsPerSecond = rate.Every(time.Second)
	}
	if c.AttemptBurst <= 0 {
		c.AttemptBurst = 5
	}
	return c
}

// SoftLimiter implements RateLimiter for devices without a hardware
// credential manager. Penalty leases persist through the store so lockouts
// survive a restart; a per-factor token bucket additionally throttles raw
// probe traffic in memory.
type SoftLimiter struct {
	leases store.Leases
	logger *slog.Logger
	cfg    SoftLimiterConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewSoftLimiter creates a software rate limiter backed by persisted leases.
func NewSoftLimiter(leases store.Leases, logger *slog.Logger, cfg SoftLimiterConfig) *SoftLimiter {
	return &SoftLimiter{
		leases:  leases,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *SoftLimiter) Enabled() bool { return true }

func (l *SoftLimiter) bucket(factorRef string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[factorRef]
	if !ok {
		b = rate.NewLimiter(l.cfg.AttemptsPerSecond, l.cfg.AttemptBurst)
		l.buckets[factorRef] = b
	}
	return b
}

// DelaySeconds reports the remaining penalty for a factor. The in-memory
// token bucket only contributes when the persisted lease imposes nothing.
// Read-only: querying never consumes a token; only ReportAttempt drains the
// bucket.
func (l *SoftLimiter) DelaySeconds(ctx context.Context, factorRef string) (uint32, error) {
	lease, err := l.leases.GetLease(ctx, factorRef)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("soft limiter: get lease: %w", err)
	}

	if err == nil {
		if lease.FailedAttempts >= l.cfg.HardLockAttempts {
			return domain.DelayUnlimited, nil
		}
		if remaining := time.Until(lease.AvailableAt); remaining > 0 {
			return saturateSeconds(remaining), nil
		}
	}

	// No persisted penalty; the token bucket still smooths probe bursts.
	if l.bucket(factorRef).TokensAt(time.Now()) < 1 {
		return 1, nil
	}
	return 0, nil
}

func (l *SoftLimiter) ExpirationSeconds(ctx context.Context, factorRef string) (uint32, bool, error) {
	lease, err := l.leases.GetLease(ctx, factorRef)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("soft limiter: get lease: %w", err)
	}

	if lease.ExpiresAt == nil {
		return 0, false, nil
	}

	remaining := time.Until(*lease.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return saturateSeconds(remaining), true, nil
}

// HasAnyCredential reports whether any penalty lease is outstanding. The
// software limiter has no enrollment step the way a hardware credential
// manager does, so outstanding leases are the only registration state it can
// answer for; factors that have never failed report false here.
func (l *SoftLimiter) HasAnyCredential(ctx context.Context) (bool, error) {
	return l.leases.HasAnyLease(ctx)
}

// ReportAttempt escalates or clears the persisted penalty for a factor.
func (l *SoftLimiter) ReportAttempt(ctx context.Context, factorRef, accountID string, success bool) error {
	if success {
		if err := l.leases.DeleteLease(ctx, factorRef); err != nil {
			return fmt.Errorf("soft limiter: clear lease: %w", err)
		}
		l.mu.Lock()
		delete(l.buckets, factorRef)
		l.mu.Unlock()
		return nil
	}

	// A failed attempt is what drains the probe bucket.
	l.bucket(factorRef).Allow()

	lease, err := l.leases.GetLease(ctx, factorRef)
	if errors.Is(err, store.ErrNotFound) {
		lease = domain.RateLimiterLease{FactorRef: factorRef, AccountID: accountID}
	} else if err != nil {
		return fmt.Errorf("soft limiter: get lease: %w", err)
	}

	now := time.Now()
	lease.FailedAttempts++
	lease.AvailableAt = now.Add(l.penalty(lease.FailedAttempts))
	expiry := now.Add(l.cfg.LeaseTTL)
	lease.ExpiresAt = &expiry
	lease.UpdatedAt = now

	if err := l.leases.UpsertLease(ctx, lease); err != nil {
		return fmt.Errorf("soft limiter: upsert lease: %w", err)
	}

	if lease.FailedAttempts >= l.cfg.HardLockAttempts {
		l.logger.Warn("factor hard-locked by software rate limiter",
			"factor_ref", factorRef, "failed_attempts", lease.FailedAttempts)
	}
	return nil
}

// penalty computes the imposed delay after n consecutive failures.
func (l *SoftLimiter) penalty(n int) time.Duration {
	if n <= l.cfg.FreeAttempts {
		return 0
	}

	d := l.cfg.BaseDelay
	for i := l.cfg.FreeAttempts + 1; i < n; i++ {
		d *= 2
		if d >= l.cfg.MaxDelay {
			return l.cfg.MaxDelay
		}
	}
	if d > l.cfg.MaxDelay {
		d = l.cfg.MaxDelay
	}
	return d
}

func saturateSeconds(d time.Duration) uint32 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 0 {
		return 0
	}
	if secs >= int64(domain.DelayUnlimited) {
		return domain.DelayUnlimited - 1
	}
	return uint32(secs)
}
