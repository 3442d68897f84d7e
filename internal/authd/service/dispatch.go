package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/hwsec"
	"github.com/nimbleos/authd/pkg/cryptox"
)

// VerificationDispatch maps a persisted factor plus caller input to a
// verification outcome. Each factor type has exactly one strategy; the switch
// in Verify is exhaustive over the closed type set so a new type fails to
// compile rather than silently falling through.
//
// For rate-limited factors the limiter's delay is consulted before any secret
// comparison: a locked-out factor short-circuits to LockedOutError without
// consuming an additional failed attempt.
type VerificationDispatch struct {
	Limiter      hwsec.RateLimiter
	Fingerprints hwsec.FingerprintMatcher
	Challenge    *ChallengeCredentialsHelper
	Logger       *slog.Logger
}

// Verify runs the factor's verification strategy against the input. On
// success it returns the intents the factor type authorizes. Failures keep
// their class: ErrWrongSecret for clean mismatches, LockedOutError for active
// lockouts, hwsec errors untouched.
func (d *VerificationDispatch) Verify(ctx context.Context, factor domain.AuthFactor, input AuthInput) (domain.IntentSet, error) {
	if factor.LockoutPolicy != domain.LockoutPolicyNone {
		if err := d.checkLockout(ctx, factor); err != nil {
			return nil, err
		}
	}

	var err error
	switch factor.Type {
	case domain.FactorTypePassword, domain.FactorTypeKiosk:
		err = d.verifySecret(ctx, factor, input)
	case domain.FactorTypePin:
		err = d.verifyPin(ctx, factor, input)
	case domain.FactorTypeSmartCard:
		err = d.verifySmartCard(ctx, factor, input)
	case domain.FactorTypeRecovery:
		err = d.verifyRecovery(factor, input)
	case domain.FactorTypeFingerprint, domain.FactorTypeLegacyFingerprint:
		err = d.verifyFingerprint(ctx, factor)
	default:
		err = fmt.Errorf("%w: unknown factor type %q", ErrInvalidArgument, factor.Type)
	}
	if err != nil {
		return nil, err
	}

	return factor.Type.IntentsFor(), nil
}

// checkLockout returns a LockedOutError when the limiter reports an active
// delay for the factor. The verification strategy is never invoked in that
// case.
func (d *VerificationDispatch) checkLockout(ctx context.Context, factor domain.AuthFactor) error {
	if d.Limiter == nil || !d.Limiter.Enabled() {
		return nil
	}

	ref := d.factorRef(factor)
	delay, err := d.Limiter.DelaySeconds(ctx, ref)
	if err != nil {
		return fmt.Errorf("query limiter delay: %w", err)
	}
	if delay == 0 {
		return nil
	}

	status, err := d.lockoutStatus(ctx, factor, ref, delay)
	if err != nil {
		return err
	}
	return &LockedOutError{Status: status}
}

// LockoutStatusFor renders the factor's current lockout counters for listing.
func (d *VerificationDispatch) LockoutStatusFor(ctx context.Context, factor domain.AuthFactor) (domain.LockoutStatus, error) {
	if factor.LockoutPolicy == domain.LockoutPolicyNone || d.Limiter == nil || !d.Limiter.Enabled() {
		return domain.LockoutStatus{
			Policy:            factor.LockoutPolicy,
			TimeAvailableInMS: 0,
			TimeExpiringInMS:  domain.TimeNever,
		}, nil
	}

	ref := d.factorRef(factor)
	delay, err := d.Limiter.DelaySeconds(ctx, ref)
	if err != nil {
		return domain.LockoutStatus{}, fmt.Errorf("query limiter delay: %w", err)
	}
	return d.lockoutStatus(ctx, factor, ref, delay)
}

func (d *VerificationDispatch) lockoutStatus(ctx context.Context, factor domain.AuthFactor, ref string, delay uint32) (domain.LockoutStatus, error) {
	var expiration *uint32
	if factor.LockoutPolicy == domain.LockoutPolicyTimeLimited {
		seconds, ok, err := d.Limiter.ExpirationSeconds(ctx, ref)
		if err != nil {
			return domain.LockoutStatus{}, fmt.Errorf("query limiter expiration: %w", err)
		}
		if ok {
			expiration = &seconds
		}
	}
	return EvaluateLockout(factor.LockoutPolicy, delay, expiration), nil
}

func (d *VerificationDispatch) verifySecret(ctx context.Context, factor domain.AuthFactor, input AuthInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(input.Secret) == 0 {
		return fmt.Errorf("%w: no secret supplied", ErrInvalidArgument)
	}
	if factor.Metadata.SecretHash == "" {
		return fmt.Errorf("%w: factor %q has no secret configured", ErrNoSuchFactor, factor.Label)
	}

	if err := cryptox.VerifySecret(input.Secret, factor.Metadata.SecretHash); err != nil {
		if errors.Is(err, cryptox.ErrSecretMismatch) {
			return ErrWrongSecret
		}
		return fmt.Errorf("verify secret for %q: %w", factor.Label, err)
	}
	return nil
}

// verifyPin is verifySecret plus attempt accounting: every outcome is
// reported to the limiter so failures escalate the penalty and successes
// clear it.
func (d *VerificationDispatch) verifyPin(ctx context.Context, factor domain.AuthFactor, input AuthInput) error {
	verifyErr := d.verifySecret(ctx, factor, input)
	if verifyErr != nil && !errors.Is(verifyErr, ErrWrongSecret) {
		// Malformed input or internal failure; not an attempt.
		return verifyErr
	}

	if d.Limiter != nil && d.Limiter.Enabled() {
		ref := d.factorRef(factor)
		if err := d.Limiter.ReportAttempt(ctx, ref, factor.AccountID, verifyErr == nil); err != nil {
			d.Logger.Warn("failed to report attempt to rate limiter",
				"label", factor.Label, "error", err)
		}
	}
	return verifyErr
}

// verifySmartCard tries the cheap presence check first and falls back to a
// full decrypt cycle only when the backend has no lightweight path for this
// key. Hardware failures from either tier keep their transient/fatal class.
func (d *VerificationDispatch) verifySmartCard(ctx context.Context, factor domain.AuthFactor, input AuthInput) error {
	if input.Delegate == nil {
		return fmt.Errorf("%w: smart-card factor requires a signing delegate", ErrInvalidArgument)
	}
	meta := factor.Metadata.SmartCard
	if meta == nil {
		return fmt.Errorf("%w: factor %q has no smart-card metadata", ErrNoSuchFactor, factor.Label)
	}

	err := d.Challenge.VerifyKeySync(ctx, factor.AccountID, meta.PublicKeyInfo, input.Delegate)
	if err == nil {
		return nil
	}
	if !errors.Is(err, hwsec.ErrVerifyUnsupported) {
		return err
	}

	if meta.SealedSecret.IsZero() {
		return fmt.Errorf("%w: factor %q has no sealed secret", ErrNoSuchFactor, factor.Label)
	}
	passkey, err := d.Challenge.DecryptSync(ctx, factor.AccountID, meta.PublicKeyInfo,
		meta.SealedSecret, input.LockedToSingleUser, input.Delegate)
	if err != nil {
		return err
	}
	if len(passkey) == 0 {
		return ErrWrongSecret
	}
	return nil
}

func (d *VerificationDispatch) verifyRecovery(factor domain.AuthFactor, input AuthInput) error {
	if len(input.Secret) == 0 {
		return fmt.Errorf("%w: no recovery code supplied", ErrInvalidArgument)
	}
	if factor.Metadata.RecoveryHash == "" {
		return fmt.Errorf("%w: factor %q has no recovery data", ErrNoSuchFactor, factor.Label)
	}

	if !cryptox.TokensEqual(cryptox.FingerprintToken(string(input.Secret)), factor.Metadata.RecoveryHash) {
		return ErrWrongSecret
	}
	return nil
}

func (d *VerificationDispatch) verifyFingerprint(ctx context.Context, factor domain.AuthFactor) error {
	if d.Fingerprints == nil {
		return fmt.Errorf("%w: no fingerprint matcher available", ErrNoSuchFactor)
	}
	meta := factor.Metadata.Fingerprint
	if meta == nil {
		return fmt.Errorf("%w: factor %q has no fingerprint record", ErrNoSuchFactor, factor.Label)
	}

	if err := d.Fingerprints.Match(ctx, meta.RecordID); err != nil {
		if errors.Is(err, hwsec.ErrNoMatch) {
			return ErrWrongSecret
		}
		return err
	}
	return nil
}

// factorRef builds the limiter key. AuthFactor.AccountID is already the
// obfuscated id everywhere in the daemon.
func (d *VerificationDispatch) factorRef(factor domain.AuthFactor) string {
	return domain.FactorRef(factor.AccountID, factor.Label)
}
