package domain

import "time"

// FactorType identifies the kind of credential backing an auth factor. The
// set is closed: the verification dispatch switches exhaustively over it.
type FactorType string

const (
	FactorTypePassword          FactorType = "password"
	FactorTypePin               FactorType = "pin"
	FactorTypeSmartCard         FactorType = "smart_card"
	FactorTypeFingerprint       FactorType = "fingerprint"
	FactorTypeKiosk             FactorType = "kiosk"
	FactorTypeRecovery          FactorType = "recovery"
	FactorTypeLegacyFingerprint FactorType = "legacy_fingerprint"
)

// ValidFactorType reports whether t is one of the known factor types.
func ValidFactorType(t FactorType) bool {
	switch t {
	case FactorTypePassword, FactorTypePin, FactorTypeSmartCard,
		FactorTypeFingerprint, FactorTypeKiosk, FactorTypeRecovery,
		FactorTypeLegacyFingerprint:
		return true
	}
	return false
}

// IntentsFor returns the intents a successful verification of this factor
// type authorizes. Fingerprint-style factors only ever prove presence; they
// cannot release secrets.
func (t FactorType) IntentsFor() IntentSet {
	switch t {
	case FactorTypeFingerprint, FactorTypeLegacyFingerprint:
		return NewIntentSet(IntentVerifyOnly)
	default:
		return FullIntents()
	}
}

// LockoutPolicy is the declared rate-limiting regime for a factor. The
// evaluator only renders counters under an already-declared policy; nothing
// in authd invents one.
type LockoutPolicy string

const (
	LockoutPolicyNone           LockoutPolicy = "none"
	LockoutPolicyAttemptLimited LockoutPolicy = "attempt_limited"
	LockoutPolicyTimeLimited    LockoutPolicy = "time_limited"
)

// AuthFactor is a configured, persisted credential for an account.
type AuthFactor struct {
	ID            string // ULID record id
	AccountID     string
	Label         string // unique per account, caller-facing
	Type          FactorType
	LockoutPolicy LockoutPolicy
	Metadata      FactorMetadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FactorMetadata carries the type-specific descriptive data for a factor.
// Exactly one of the optional sub-structs is set depending on Type; the
// fields are JSON-tagged because the store persists them as one JSON column.
type FactorMetadata struct {
	// SecretHash is the Argon2id PHC hash for knowledge factors
	// (password, pin, kiosk).
	SecretHash string `json:"secret_hash,omitempty"`

	// SmartCard is set for challenge-response factors.
	SmartCard *SmartCardMetadata `json:"smart_card,omitempty"`

	// Fingerprint is set for fingerprint factors.
	Fingerprint *FingerprintMetadata `json:"fingerprint,omitempty"`

	// RecoveryHash is the fingerprint of the recovery mediator secret.
	RecoveryHash string `json:"recovery_hash,omitempty"`
}

// SmartCardMetadata describes a challenge-response factor: the public half of
// the card key plus the hardware-sealed secret recoverable through it.
type SmartCardMetadata struct {
	PublicKeyInfo PublicKeyInfo `json:"public_key_info"`
	SealedSecret  SealedSecret  `json:"sealed_secret"`
}

// FingerprintMetadata references the biometric daemon's enrolled record.
type FingerprintMetadata struct {
	RecordID string `json:"record_id"`
}

// FactorView is the caller-facing listing entry for one logical factor,
// including rendered lockout counters.
type FactorView struct {
	Label         string
	Type          FactorType
	LockoutPolicy LockoutPolicy
	Lockout       LockoutStatus
}
