package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/hwsec"
	"github.com/nimbleos/authd/pkg/cryptox"
)

// AuthInput is the caller-supplied material for one authentication attempt.
// Which field matters depends on the targeted factor's type.
type AuthInput struct {
	// Secret is the raw knowledge-factor input (password, PIN, kiosk or
	// recovery code).
	Secret []byte

	// Delegate is the signing delegate handle for smart-card factors. authd
	// never owns one; the caller supplies it per attempt.
	Delegate hwsec.KeyChallengeService

	// LockedToSingleUser asks the sealer to bind the unseal to the
	// single-user boot state. Only smart-card factors consult it.
	LockedToSingleUser bool
}

// CredentialVerifier is an in-memory verifier for one factor label. It backs
// ephemeral sessions (which never touch persistent factor storage) and
// lightweight verify-only checks for regular ones.
type CredentialVerifier interface {
	Label() string
	Type() domain.FactorType

	// Intents the verifier can authorize. A verify-only verifier never
	// authorizes Decrypt regardless of its factor type.
	Intents() domain.IntentSet

	// Verify checks the input against the held credential. Returns
	// ErrWrongSecret on a clean mismatch.
	Verify(ctx context.Context, input AuthInput) error
}

type secretVerifier struct {
	label      string
	factorType domain.FactorType
	intents    domain.IntentSet
	secretHash string
}

// NewSecretVerifier builds an in-memory verifier for a knowledge factor. The
// secret is hashed immediately; the raw bytes are not retained.
func NewSecretVerifier(label string, factorType domain.FactorType, secret []byte, intents domain.IntentSet) (CredentialVerifier, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: verifier label must not be empty", ErrInvalidArgument)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: verifier secret must not be empty", ErrInvalidArgument)
	}
	if intents.Empty() {
		intents = domain.NewIntentSet(domain.IntentVerifyOnly)
	}

	hash, err := cryptox.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("hash verifier secret: %w", err)
	}

	return &secretVerifier{
		label:      label,
		factorType: factorType,
		intents:    intents,
		secretHash: hash,
	}, nil
}

func (v *secretVerifier) Label() string { return v.label }

func (v *secretVerifier) Type() domain.FactorType { return v.factorType }

func (v *secretVerifier) Intents() domain.IntentSet { return v.intents.Clone() }

func (v *secretVerifier) Verify(ctx context.Context, input AuthInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(input.Secret) == 0 {
		return fmt.Errorf("%w: no secret supplied", ErrInvalidArgument)
	}

	if err := cryptox.VerifySecret(input.Secret, v.secretHash); err != nil {
		if errors.Is(err, cryptox.ErrSecretMismatch) {
			return ErrWrongSecret
		}
		return err
	}
	return nil
}
