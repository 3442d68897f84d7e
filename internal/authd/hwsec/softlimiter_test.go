package hwsec_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/hwsec"
	"github.com/nimbleos/authd/internal/authd/store/drivers/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newLimiter(t *testing.T, cfg hwsec.SoftLimiterConfig) *hwsec.SoftLimiter {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ApplyMigrations())

	return hwsec.NewSoftLimiter(s.Leases(), slog.Default(), cfg)
}

func TestSoftLimiterEscalation(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, hwsec.SoftLimiterConfig{
		FreeAttempts:      2,
		BaseDelay:         10 * time.Second,
		MaxDelay:          time.Minute,
		HardLockAttempts:  6,
		AttemptsPerSecond: rate.Inf,
	})
	ref := domain.FactorRef("acct", "pin")

	t.Run("fresh factor has no delay", func(t *testing.T) {
		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Zero(t, delay)
	})

	t.Run("free attempts impose nothing", func(t *testing.T) {
		for range 2 {
			require.NoError(t, l.ReportAttempt(ctx, ref, "acct", false))
		}
		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Zero(t, delay)
	})

	t.Run("delay grows after free attempts", func(t *testing.T) {
		require.NoError(t, l.ReportAttempt(ctx, ref, "acct", false))
		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Greater(t, delay, uint32(0))
		require.LessOrEqual(t, delay, uint32(10))
	})

	t.Run("hard lock reports unlimited delay", func(t *testing.T) {
		for range 3 {
			require.NoError(t, l.ReportAttempt(ctx, ref, "acct", false))
		}
		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, domain.DelayUnlimited, delay)
	})

	t.Run("success clears everything", func(t *testing.T) {
		require.NoError(t, l.ReportAttempt(ctx, ref, "acct", true))
		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Zero(t, delay)

		_, ok, err := l.ExpirationSeconds(ctx, ref)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestSoftLimiterExpirationLease(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, hwsec.SoftLimiterConfig{
		FreeAttempts:      1,
		LeaseTTL:          time.Hour,
		AttemptsPerSecond: rate.Inf,
	})
	ref := domain.FactorRef("acct", "pin")

	require.NoError(t, l.ReportAttempt(ctx, ref, "acct", false))

	secs, ok, err := l.ExpirationSeconds(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 3600, secs, 5)

	any, err := l.HasAnyCredential(ctx)
	require.NoError(t, err)
	require.True(t, any)
}

func TestSoftLimiterTokenBucket(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, hwsec.SoftLimiterConfig{
		FreeAttempts:      10,
		AttemptsPerSecond: rate.Every(time.Hour),
		AttemptBurst:      2,
	})
	ref := domain.FactorRef("acct", "pw")

	t.Run("queries never consume tokens", func(t *testing.T) {
		// A UI polling the factor list issues many reads; a factor with
		// zero failed attempts must report no delay no matter how often.
		for range 10 {
			delay, err := l.DelaySeconds(ctx, ref)
			require.NoError(t, err)
			require.Zero(t, delay)
		}
	})

	t.Run("failed attempts drain the burst", func(t *testing.T) {
		for range 2 {
			require.NoError(t, l.ReportAttempt(ctx, ref, "acct", false))
		}

		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, uint32(1), delay)

		// Still read-only while drained.
		delay, err = l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, uint32(1), delay)
	})

	t.Run("success refills by resetting the bucket", func(t *testing.T) {
		require.NoError(t, l.ReportAttempt(ctx, ref, "acct", true))
		delay, err := l.DelaySeconds(ctx, ref)
		require.NoError(t, err)
		require.Zero(t, delay)
	})
}
