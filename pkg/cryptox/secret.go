package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for user-supplied secrets (passwords, PINs, kiosk
// tokens). Tuned for an interactive login on low-end device hardware; bump
// the version suffix in the PHC string if these ever change shape.
const (
	secretSaltLength  = 16
	secretKeyLength   = 32
	secretIterations  = 2
	secretMemoryKiB   = 64 * 1024
	secretParallelism = 1
)

// ErrSecretMismatch is returned by VerifySecret when the supplied secret does
// not reproduce the stored hash.
var ErrSecretMismatch = errors.New("cryptox: secret does not match")

// HashSecret generates a PHC-format Argon2id hash string including salt and
// parameters. The input is the raw user-supplied secret (password, PIN, ...).
func HashSecret(secret []byte) (string, error) {
	salt := make([]byte, secretSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(secret, salt, secretIterations, secretMemoryKiB, secretParallelism, secretKeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		secretMemoryKiB, secretIterations, secretParallelism, b64Salt, b64Hash,
	), nil
}

// VerifySecret compares a raw secret against a PHC-style Argon2id hash.
// Returns ErrSecretMismatch on a clean mismatch and a descriptive error when
// the stored hash itself is malformed.
func VerifySecret(secret []byte, encodedHash string) error {
	// Parse PHC format: $argon2id$v=19$m=X,t=Y,p=Z$salt$hash
	parts := make([]string, 0, 6)
	start := 0
	for i := range len(encodedHash) {
		if encodedHash[i] == '$' {
			parts = append(parts, encodedHash[start:i])
			start = i + 1
		}
	}
	parts = append(parts, encodedHash[start:])

	// Expected structure: ["", "argon2id", "v=19", "m=X,t=Y,p=Z", "salt", "hash"]
	if len(parts) != 6 {
		return errors.New("invalid hash format: expected 6 parts")
	}
	if parts[1] != "argon2id" {
		return errors.New("invalid hash format: not argon2id")
	}
	if parts[2] != "v=19" {
		return errors.New("invalid hash format: wrong version")
	}

	var mem, iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return fmt.Errorf("invalid hash format: failed to parse parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("invalid hash format: failed to decode salt: %w", err)
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("invalid hash format: failed to decode hash: %w", err)
	}

	computed := argon2.IDKey(secret, salt, iters, mem, par, uint32(len(expectedHash))) // #nosec G115

	if subtle.ConstantTimeCompare(computed, expectedHash) == 1 {
		return nil
	}
	return ErrSecretMismatch
}
