package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ObfuscateAccountID derives the stable on-disk identity for an account id.
// Storage and hardware collaborators are keyed by this form so that raw
// account names (typically email addresses) never land in system state.
func ObfuscateAccountID(accountID string) string {
	normalized := strings.ToLower(strings.TrimSpace(accountID))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
