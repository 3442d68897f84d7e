package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/hwsec"
)

type fakeSealer struct {
	sealFn   func(ctx context.Context, secret []byte) (domain.SealedSecret, error)
	unsealFn func(ctx context.Context, sealed domain.SealedSecret) ([]byte, error)
	verifyFn func(ctx context.Context) error

	mu         sync.Mutex
	lastLocked bool
}

func (f *fakeSealer) lockedToSingleUser() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLocked
}

func (f *fakeSealer) SealChallengeSecret(
	ctx context.Context, _ string, secret []byte, _ domain.PublicKeyInfo,
	_, _ hwsec.PCRMap, _ hwsec.KeyChallengeService,
) (domain.SealedSecret, error) {
	return f.sealFn(ctx, secret)
}

func (f *fakeSealer) UnsealChallengeSecret(
	ctx context.Context, _ string, sealed domain.SealedSecret, _ domain.PublicKeyInfo,
	lockedToSingleUser bool, _ hwsec.KeyChallengeService,
) ([]byte, error) {
	f.mu.Lock()
	f.lastLocked = lockedToSingleUser
	f.mu.Unlock()
	return f.unsealFn(ctx, sealed)
}

func (f *fakeSealer) ChallengeVerify(
	ctx context.Context, _ string, _ domain.PublicKeyInfo, _ hwsec.KeyChallengeService,
) error {
	return f.verifyFn(ctx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKeyInfo() domain.PublicKeyInfo {
	return domain.PublicKeyInfo{
		PublicKeySPKI: []byte("spki"),
		Algorithms:    []domain.SignatureAlgorithm{domain.AlgRSASSASHA256},
	}
}

func TestChallengeHelper_GenerateNew(t *testing.T) {
	var sealedSecret []byte
	sealer := &fakeSealer{
		sealFn: func(_ context.Context, secret []byte) (domain.SealedSecret, error) {
			sealedSecret = append([]byte(nil), secret...)
			return domain.SealedSecret{
				Algorithm:         domain.AlgRSASSASHA256,
				Salt:              []byte("salt"),
				DefaultSealedBlob: []byte("blob"),
			}, nil
		},
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	resCh := make(chan GenerateResult, 1)
	h.GenerateNew(context.Background(), "acct", testKeyInfo(), nil, nil, nil,
		func(r GenerateResult) { resCh <- r })

	res := waitFor(t, resCh)
	require.NoError(t, res.Err)
	require.Len(t, sealedSecret, challengeSecretSize)
	require.Equal(t, []byte("blob"), res.Sealed.DefaultSealedBlob)
	require.Equal(t, derivePasskey(sealedSecret), res.Passkey)
}

func TestChallengeHelper_DecryptDerivesSamePasskey(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	sealer := &fakeSealer{
		unsealFn: func(_ context.Context, _ domain.SealedSecret) ([]byte, error) {
			return append([]byte(nil), secret...), nil
		},
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	resCh := make(chan DecryptResult, 1)
	h.Decrypt(context.Background(), "acct", testKeyInfo(), domain.SealedSecret{}, false, nil,
		func(r DecryptResult) { resCh <- r })

	res := waitFor(t, resCh)
	require.NoError(t, res.Err)
	require.Equal(t, derivePasskey(secret), res.Passkey)
}

func TestChallengeHelper_PreemptionDeliversExactlyOneCallback(t *testing.T) {
	release := make(chan struct{})
	sealer := &fakeSealer{
		verifyFn: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return hwsec.TransientError("verify", ctx.Err())
			}
		},
		unsealFn: func(_ context.Context, _ domain.SealedSecret) ([]byte, error) {
			return []byte("0123456789abcdef0123456789abcdef"), nil
		},
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	verifyDone := make(chan error, 2)
	h.VerifyKey(context.Background(), "acct", testKeyInfo(), nil, func(err error) {
		record("verify")
		verifyDone <- err
	})

	decryptDone := make(chan DecryptResult, 1)
	h.Decrypt(context.Background(), "acct", testKeyInfo(), domain.SealedSecret{}, false, nil,
		func(r DecryptResult) {
			record("decrypt")
			decryptDone <- r
		})

	verifyErr := waitFor(t, verifyDone)
	require.ErrorIs(t, verifyErr, ErrOperationPreempted)

	res := waitFor(t, decryptDone)
	require.NoError(t, res.Err)

	// Unblock the preempted verify; its late completion must stay silent.
	close(release)
	select {
	case err := <-verifyDone:
		t.Fatalf("preempted operation delivered a second callback: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"verify", "decrypt"}, events)
}

func TestChallengeHelper_RetriesTransientErrors(t *testing.T) {
	var calls int
	sealer := &fakeSealer{
		verifyFn: func(_ context.Context) error {
			calls++
			if calls < 3 {
				return hwsec.TransientError("verify", errors.New("busy"))
			}
			return nil
		},
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	err := h.VerifyKeySync(context.Background(), "acct", testKeyInfo(), nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestChallengeHelper_TransientErrorsExhaustRetries(t *testing.T) {
	var calls int
	transient := hwsec.TransientError("verify", errors.New("busy"))
	sealer := &fakeSealer{
		verifyFn: func(_ context.Context) error {
			calls++
			return transient
		},
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	err := h.VerifyKeySync(context.Background(), "acct", testKeyInfo(), nil)
	require.ErrorIs(t, err, transient)
	require.Equal(t, ChallengeRetryAttempts, calls)
}

func TestChallengeHelper_FatalErrorNotRetried(t *testing.T) {
	var calls int
	fatal := hwsec.FatalError("seal", errors.New("bad signature"))
	sealer := &fakeSealer{
		sealFn: func(_ context.Context, _ []byte) (domain.SealedSecret, error) {
			calls++
			return domain.SealedSecret{}, fatal
		},
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	resCh := make(chan GenerateResult, 1)
	h.GenerateNew(context.Background(), "acct", testKeyInfo(), nil, nil, nil,
		func(r GenerateResult) { resCh <- r })

	res := waitFor(t, resCh)
	require.ErrorIs(t, res.Err, fatal)
	require.Equal(t, 1, calls)
}

func TestChallengeHelper_VerifyUnsupportedPassesThrough(t *testing.T) {
	sealer := &fakeSealer{
		verifyFn: func(_ context.Context) error { return hwsec.ErrVerifyUnsupported },
	}

	h := NewChallengeCredentialsHelper(sealer, testLogger())
	defer h.Close()

	err := h.VerifyKeySync(context.Background(), "acct", testKeyInfo(), nil)
	require.ErrorIs(t, err, hwsec.ErrVerifyUnsupported)
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		panic("unreachable")
	}
}
