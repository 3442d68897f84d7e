package hwsec

import (
	"context"
	"errors"

	"github.com/nimbleos/authd/internal/authd/domain"
)

var errUnavailable = errors.New("backend not available on this device")

// UnavailableSealer is the Sealer wired when the device has no sealing
// hardware. Every call fails fatally so callers surface a clean error instead
// of a nil deref.
type UnavailableSealer struct{}

func (UnavailableSealer) SealChallengeSecret(
	_ context.Context,
	_ string,
	_ []byte,
	_ domain.PublicKeyInfo,
	_, _ PCRMap,
	_ KeyChallengeService,
) (domain.SealedSecret, error) {
	return domain.SealedSecret{}, FatalError("seal_challenge_secret", errUnavailable)
}

func (UnavailableSealer) UnsealChallengeSecret(
	_ context.Context,
	_ string,
	_ domain.SealedSecret,
	_ domain.PublicKeyInfo,
	_ bool,
	_ KeyChallengeService,
) ([]byte, error) {
	return nil, FatalError("unseal_challenge_secret", errUnavailable)
}

func (UnavailableSealer) ChallengeVerify(
	_ context.Context,
	_ string,
	_ domain.PublicKeyInfo,
	_ KeyChallengeService,
) error {
	return FatalError("challenge_verify", errUnavailable)
}

// UnavailableFingerprintMatcher is wired when no biometric daemon is present.
type UnavailableFingerprintMatcher struct{}

func (UnavailableFingerprintMatcher) Match(_ context.Context, _ string) error {
	return FatalError("fingerprint_match", errUnavailable)
}
