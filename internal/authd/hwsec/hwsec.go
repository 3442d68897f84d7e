// Package hwsec holds the narrow contracts authd has with the device's
// security hardware: the sealing backend that protects challenge-response
// secrets and the rate limiter guarding low-entropy factors. The daemon only
// consumes pass/fail/retry-class results; the cryptography itself happens
// behind these interfaces.
package hwsec

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimbleos/authd/internal/authd/domain"
)

// Error is a classified hardware failure. Transient errors (busy sessions,
// communication glitches) may be retried; fatal ones (bad signatures,
// vulnerable firmware) must be surfaced to the user untouched. Layers above
// must never re-class one into the other.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("hwsec: %s: %s hardware error: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable hardware failure.
func TransientError(op string, err error) *Error {
	return &Error{Op: op, Transient: true, Err: err}
}

// FatalError wraps err as a non-retryable hardware failure.
func FatalError(op string, err error) *Error {
	return &Error{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err is a retryable hardware failure.
func IsTransient(err error) bool {
	var hwErr *Error
	return errors.As(err, &hwErr) && hwErr.Transient
}

// IsFatal reports whether err is a hardware failure that must not be retried.
func IsFatal(err error) bool {
	var hwErr *Error
	return errors.As(err, &hwErr) && !hwErr.Transient
}

// ErrVerifyUnsupported is returned by ChallengeVerify when the backend has no
// lightweight verification path for this key; callers fall back to a full
// unseal cycle.
var ErrVerifyUnsupported = errors.New("hwsec: lightweight verification unsupported")

// KeyChallengeService is the external signing delegate for challenge-response
// credentials. The wire format behind it (D-Bus to the card middleware) is
// not authd's concern.
type KeyChallengeService interface {
	// Challenge asks the delegate to sign the request's data with the card
	// key and returns the raw signature.
	Challenge(ctx context.Context, req domain.ChallengeRequest) ([]byte, error)
}

// PCRMap maps platform configuration register indexes to their expected
// values at unseal time.
type PCRMap map[uint32][]byte

// Sealer is the hardware backend that binds secrets to device state.
type Sealer interface {
	// SealChallengeSecret seals secret so that unsealing succeeds when
	// either PCR map is satisfied and the delegate proves possession of the
	// card key. Returns the persistable sealed representation.
	SealChallengeSecret(
		ctx context.Context,
		accountID string,
		secret []byte,
		publicKeyInfo domain.PublicKeyInfo,
		defaultPCRMap, extendedPCRMap PCRMap,
		delegate KeyChallengeService,
	) (domain.SealedSecret, error)

	// UnsealChallengeSecret reverses SealChallengeSecret. The delegate may
	// support a different algorithm subset than at seal time as long as one
	// algorithm overlaps.
	UnsealChallengeSecret(
		ctx context.Context,
		accountID string,
		sealed domain.SealedSecret,
		publicKeyInfo domain.PublicKeyInfo,
		lockedToSingleUser bool,
		delegate KeyChallengeService,
	) ([]byte, error)

	// ChallengeVerify is the cheap presence/usability check that does not
	// reconstruct the secret. Returns ErrVerifyUnsupported when the backend
	// cannot answer cheaply for this key.
	ChallengeVerify(
		ctx context.Context,
		accountID string,
		publicKeyInfo domain.PublicKeyInfo,
		delegate KeyChallengeService,
	) error
}

// RateLimiter is the collaborator guarding rate-limited factors. The
// hardware credential manager implements this on devices that have one;
// SoftLimiter covers the rest.
type RateLimiter interface {
	// Enabled reports whether rate limiting is active at all.
	Enabled() bool

	// DelaySeconds returns the time until the factor may be attempted
	// again. 0 means attemptable now; domain.DelayUnlimited means locked
	// with no scheduled release.
	DelaySeconds(ctx context.Context, factorRef string) (uint32, error)

	// ExpirationSeconds returns the remaining lease lifetime. ok=false
	// means the factor carries no lease.
	ExpirationSeconds(ctx context.Context, factorRef string) (seconds uint32, ok bool, err error)

	// HasAnyCredential reports whether any credential is registered with
	// the limiter.
	HasAnyCredential(ctx context.Context) (bool, error)

	// ReportAttempt feeds an authentication outcome back into the limiter.
	// Success clears the factor's penalty; failure escalates it.
	ReportAttempt(ctx context.Context, factorRef, accountID string, success bool) error
}
