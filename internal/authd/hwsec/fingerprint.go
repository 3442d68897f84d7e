package hwsec

import (
	"context"
	"errors"
)

// ErrNoMatch reports that a biometric sample did not match the enrolled
// record. Distinct from hardware failures; it is the biometric equivalent of
// a wrong secret.
var ErrNoMatch = errors.New("hwsec: biometric sample does not match")

// FingerprintMatcher is the biometric daemon collaborator. authd never sees
// templates or samples, only match verdicts per enrolled record.
type FingerprintMatcher interface {
	// Match waits for the next sample and compares it against the enrolled
	// record. Returns ErrNoMatch on mismatch and classified Errors on
	// sensor trouble.
	Match(ctx context.Context, recordID string) error
}
