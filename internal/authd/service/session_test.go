package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/store"
	"github.com/nimbleos/authd/pkg/cryptox"
)

type memFactors struct {
	mu      sync.Mutex
	factors map[string][]domain.AuthFactor // keyed by account id
	loads   int
}

func newMemFactors() *memFactors {
	return &memFactors{factors: make(map[string][]domain.AuthFactor)}
}

func (m *memFactors) LoadFactors(_ context.Context, accountID string) ([]domain.AuthFactor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	out := append([]domain.AuthFactor(nil), m.factors[accountID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *memFactors) GetFactor(_ context.Context, accountID, label string) (domain.AuthFactor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.factors[accountID] {
		if f.Label == label {
			return f, nil
		}
	}
	return domain.AuthFactor{}, store.ErrNotFound
}

func (m *memFactors) SaveFactor(_ context.Context, f domain.AuthFactor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.factors[f.AccountID]
	for i, old := range existing {
		if old.Label == f.Label {
			existing[i] = f
			return nil
		}
	}
	m.factors[f.AccountID] = append(existing, f)
	return nil
}

func (m *memFactors) RemoveFactor(_ context.Context, accountID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.factors[accountID]
	for i, old := range existing {
		if old.Label == label {
			m.factors[accountID] = append(existing[:i], existing[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memFactors) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type spySignals struct {
	mu     sync.Mutex
	labels []string
}

func (s *spySignals) AuthSucceeded(_, factorLabel string, _ domain.FactorType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, factorLabel)
}

func (s *spySignals) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.labels...)
}

type sessionFixture struct {
	session *AuthSession
	factors *memFactors
	signals *spySignals
	clock   *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newSessionFixture(t *testing.T, ephemeral bool, requested domain.AuthIntent) *sessionFixture {
	t.Helper()
	factors := newMemFactors()
	signals := &spySignals{}
	clock := newFakeClock()

	helper := NewChallengeCredentialsHelper(&fakeSealer{}, testLogger())
	t.Cleanup(helper.Close)

	dispatch := &VerificationDispatch{
		Limiter:      &fakeLimiter{},
		Fingerprints: &spyMatcher{},
		Challenge:    helper,
		Logger:       testLogger(),
	}

	session := newAuthSession(sessionParams{
		token:          cryptox.MustGenerateToken(cryptox.TokenSize128),
		broadcastToken: cryptox.MustGenerateToken(cryptox.TokenSize128),
		accountID:      domain.ObfuscateAccountID("user@example.com"),
		ephemeral:      ephemeral,
		requested:      requested,
		dispatch:       dispatch,
		factors:        factors,
		signals:        signals,
		logger:         testLogger(),
		now:            clock.Now,
	})
	return &sessionFixture{session: session, factors: factors, signals: signals, clock: clock}
}

func (f *sessionFixture) addPasswordFactor(t *testing.T, label, secret string) {
	t.Helper()
	hash, err := cryptox.HashSecret([]byte(secret))
	require.NoError(t, err)
	require.NoError(t, f.factors.SaveFactor(context.Background(), domain.AuthFactor{
		ID:        "01J0000000000000000000000A",
		AccountID: f.session.AccountID(),
		Label:     label,
		Type:      domain.FactorTypePassword,
		Metadata:  domain.FactorMetadata{SecretHash: hash},
	}))
}

func TestAuthSession_AuthenticateArmsTimerAndGrantsIntents(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)
	f.addPasswordFactor(t, "pw", "secret")

	_, infinite := f.session.RemainingTime()
	require.True(t, infinite)

	res, err := f.session.Authenticate(context.Background(), []string{"pw"}, AuthInput{Secret: []byte("secret")})
	require.NoError(t, err)
	require.Equal(t, "pw", res.FactorLabel)
	require.True(t, res.Intents.Contains(domain.IntentDecrypt))
	require.True(t, res.Intents.Contains(domain.IntentWebAuthn))

	remaining, infinite := f.session.RemainingTime()
	require.False(t, infinite)
	require.Equal(t, DefaultAuthTTL, remaining)

	require.Equal(t, []string{"pw"}, f.signals.seen())
}

func TestAuthSession_FailureLeavesStateUntouched(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)
	f.addPasswordFactor(t, "pw", "secret")

	_, err := f.session.Authenticate(context.Background(), []string{"pw"}, AuthInput{Secret: []byte("nope")})
	require.ErrorIs(t, err, ErrWrongSecret)

	require.True(t, f.session.AuthorizedIntents().Empty())
	_, infinite := f.session.RemainingTime()
	require.True(t, infinite)
	require.Empty(t, f.signals.seen())
}

func TestAuthSession_UnknownLabel(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)

	_, err := f.session.Authenticate(context.Background(), []string{"ghost"}, AuthInput{Secret: []byte("x")})
	require.ErrorIs(t, err, ErrNoSuchFactor)

	_, err = f.session.Authenticate(context.Background(), nil, AuthInput{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAuthSession_IntentMonotonicity(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentVerifyOnly)
	f.addPasswordFactor(t, "pw", "secret")
	require.NoError(t, f.factors.SaveFactor(context.Background(), domain.AuthFactor{
		ID:        "01J0000000000000000000000B",
		AccountID: f.session.AccountID(),
		Label:     "finger",
		Type:      domain.FactorTypeFingerprint,
		Metadata:  domain.FactorMetadata{Fingerprint: &domain.FingerprintMetadata{RecordID: "rec-1"}},
	}))

	res, err := f.session.Authenticate(context.Background(), []string{"finger"}, AuthInput{})
	require.NoError(t, err)
	require.True(t, res.Intents.Contains(domain.IntentVerifyOnly))
	require.False(t, res.Intents.Contains(domain.IntentDecrypt))

	res, err = f.session.Authenticate(context.Background(), []string{"pw"}, AuthInput{Secret: []byte("secret")})
	require.NoError(t, err)
	require.True(t, res.Intents.Contains(domain.IntentVerifyOnly))
	require.True(t, res.Intents.Contains(domain.IntentDecrypt))
	require.True(t, res.Intents.Contains(domain.IntentWebAuthn))
}

func TestAuthSession_FallbackGroupAcceptsFirstSuccess(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)
	f.addPasswordFactor(t, "old", "legacy-secret")
	f.addPasswordFactor(t, "new", "fresh-secret")

	res, err := f.session.Authenticate(context.Background(), []string{"old", "new"}, AuthInput{Secret: []byte("fresh-secret")})
	require.NoError(t, err)
	require.Equal(t, "new", res.FactorLabel)
}

func TestAuthSession_Extend(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)
	f.addPasswordFactor(t, "pw", "secret")

	t.Run("never authenticated", func(t *testing.T) {
		_, err := f.session.Extend(time.Minute)
		require.ErrorIs(t, err, ErrUnauthenticated)
		_, infinite := f.session.RemainingTime()
		require.True(t, infinite)
	})

	_, err := f.session.Authenticate(context.Background(), []string{"pw"}, AuthInput{Secret: []byte("secret")})
	require.NoError(t, err)

	t.Run("non-positive duration", func(t *testing.T) {
		_, err := f.session.Extend(0)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("extends beyond current deadline", func(t *testing.T) {
		remaining, err := f.session.Extend(10 * time.Minute)
		require.NoError(t, err)
		require.Equal(t, 10*time.Minute, remaining)
	})

	t.Run("never shortens", func(t *testing.T) {
		remaining, err := f.session.Extend(time.Minute)
		require.NoError(t, err)
		require.Equal(t, 10*time.Minute, remaining)
	})

	t.Run("counts down with the clock", func(t *testing.T) {
		f.clock.Advance(4 * time.Minute)
		remaining, infinite := f.session.RemainingTime()
		require.False(t, infinite)
		require.Equal(t, 6*time.Minute, remaining)
	})
}

func TestAuthSession_OnUserCreated(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)

	res, err := f.session.OnUserCreated()
	require.NoError(t, err)
	require.True(t, res.Intents.Contains(domain.IntentDecrypt))
	require.True(t, res.Intents.Contains(domain.IntentVerifyOnly))
	require.False(t, res.Intents.Contains(domain.IntentWebAuthn))

	_, infinite := f.session.RemainingTime()
	require.False(t, infinite)

	_, err = f.session.OnUserCreated()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAuthSession_EphemeralNeverTouchesStorage(t *testing.T) {
	f := newSessionFixture(t, true, domain.IntentVerifyOnly)

	verifier, err := NewSecretVerifier("guest-pin", domain.FactorTypePin, []byte("0000"), nil)
	require.NoError(t, err)
	require.NoError(t, f.session.AddCredentialVerifier(verifier))

	res, err := f.session.Authenticate(context.Background(), []string{"guest-pin"}, AuthInput{Secret: []byte("0000")})
	require.NoError(t, err)
	require.True(t, res.Intents.Contains(domain.IntentVerifyOnly))
	require.Zero(t, f.factors.loadCount())

	err = f.session.AddFactor(context.Background(), domain.AuthFactor{Label: "pw", Type: domain.FactorTypePassword})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAuthSession_ListAuthFactors(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentVerifyOnly)
	f.addPasswordFactor(t, "pw", "secret")
	require.NoError(t, f.factors.SaveFactor(context.Background(), domain.AuthFactor{
		ID:        "01J0000000000000000000000C",
		AccountID: f.session.AccountID(),
		Label:     "finger",
		Type:      domain.FactorTypeFingerprint,
		Metadata:  domain.FactorMetadata{Fingerprint: &domain.FingerprintMetadata{RecordID: "rec-1"}},
	}))

	t.Run("shared label counts once with the persisted factor winning", func(t *testing.T) {
		verifier, err := NewSecretVerifier("pw", domain.FactorTypePin, []byte("1111"), nil)
		require.NoError(t, err)
		require.NoError(t, f.session.AddCredentialVerifier(verifier))

		views, err := f.session.ListAuthFactors(context.Background())
		require.NoError(t, err)
		require.Len(t, views, 2)
		require.Equal(t, "finger", views[0].Label)
		require.Equal(t, "pw", views[1].Label)
		require.Equal(t, domain.FactorTypePassword, views[1].Type)
	})

	t.Run("requested intent filters fingerprints out of decrypt sessions", func(t *testing.T) {
		g := newSessionFixture(t, false, domain.IntentDecrypt)
		g.addPasswordFactor(t, "pw", "secret")
		require.NoError(t, g.factors.SaveFactor(context.Background(), domain.AuthFactor{
			ID:        "01J0000000000000000000000D",
			AccountID: g.session.AccountID(),
			Label:     "finger",
			Type:      domain.FactorTypeFingerprint,
			Metadata:  domain.FactorMetadata{Fingerprint: &domain.FingerprintMetadata{RecordID: "rec-1"}},
		}))

		views, err := g.session.ListAuthFactors(context.Background())
		require.NoError(t, err)
		require.Len(t, views, 1)
		require.Equal(t, "pw", views[0].Label)
	})
}

func TestAuthSession_FactorLifecycle(t *testing.T) {
	f := newSessionFixture(t, false, domain.IntentDecrypt)
	f.addPasswordFactor(t, "pw", "secret")

	hash, err := cryptox.HashSecret([]byte("123456"))
	require.NoError(t, err)
	pinFactor := domain.AuthFactor{
		Label:         "pin",
		Type:          domain.FactorTypePin,
		LockoutPolicy: domain.LockoutPolicyAttemptLimited,
		Metadata:      domain.FactorMetadata{SecretHash: hash},
	}

	t.Run("requires decrypt authorization", func(t *testing.T) {
		require.ErrorIs(t, f.session.AddFactor(context.Background(), pinFactor), ErrUnauthenticated)
		require.ErrorIs(t, f.session.RemoveFactor(context.Background(), "pw"), ErrUnauthenticated)
	})

	_, err = f.session.Authenticate(context.Background(), []string{"pw"}, AuthInput{Secret: []byte("secret")})
	require.NoError(t, err)

	t.Run("add reloads the factor cache", func(t *testing.T) {
		loadsBefore := f.factors.loadCount()
		require.NoError(t, f.session.AddFactor(context.Background(), pinFactor))

		views, err := f.session.ListAuthFactors(context.Background())
		require.NoError(t, err)
		require.Len(t, views, 2)
		require.Greater(t, f.factors.loadCount(), loadsBefore)
	})

	t.Run("added pin authenticates", func(t *testing.T) {
		res, err := f.session.Authenticate(context.Background(), []string{"pin"}, AuthInput{Secret: []byte("123456")})
		require.NoError(t, err)
		require.Equal(t, domain.FactorTypePin, res.FactorType)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, f.session.RemoveFactor(context.Background(), "pin"))
		require.ErrorIs(t, f.session.RemoveFactor(context.Background(), "pin"), ErrNoSuchFactor)

		_, err := f.session.Authenticate(context.Background(), []string{"pin"}, AuthInput{Secret: []byte("123456")})
		require.ErrorIs(t, err, ErrNoSuchFactor)
	})

	t.Run("invalid factor type rejected", func(t *testing.T) {
		err := f.session.AddFactor(context.Background(), domain.AuthFactor{Label: "x", Type: "carrier-pigeon"})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}
