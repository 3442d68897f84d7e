package domain

import "time"

// RateLimiterLease is the persisted bookkeeping for one rate-limited factor:
// how many attempts have failed, when the factor becomes usable again, and
// when the limiter lease itself lapses. The hardware credential manager keeps
// this state internally; the software limiter keeps it here so lockouts
// survive a daemon restart.
type RateLimiterLease struct {
	FactorRef      string // obfuscated account id + factor label
	AccountID      string // obfuscated
	FailedAttempts int
	AvailableAt    time.Time  // zero means available now
	ExpiresAt      *time.Time // nil means the lease never lapses
	UpdatedAt      time.Time
}

// FactorRef builds the limiter key for a factor.
func FactorRef(obfuscatedAccountID, label string) string {
	return obfuscatedAccountID + "/" + label
}
