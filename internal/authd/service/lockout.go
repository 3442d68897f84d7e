package service

import "github.com/nimbleos/authd/internal/authd/domain"

// EvaluateLockout renders raw rate-limiter counters into the caller-facing
// lockout view. Pure: it echoes the declared policy back unchanged and only
// converts counters, never invents a policy.
//
// delaySeconds uses domain.DelayUnlimited as "no scheduled release";
// expirationSeconds is nil when the factor carries no limiter lease. Outputs
// are milliseconds with domain.TimeNever as the open-ended sentinel.
func EvaluateLockout(policy domain.LockoutPolicy, delaySeconds uint32, expirationSeconds *uint32) domain.LockoutStatus {
	status := domain.LockoutStatus{
		Policy:            policy,
		TimeAvailableInMS: saturatingSecondsToMS(uint64(delaySeconds)),
		TimeExpiringInMS:  domain.TimeNever,
	}

	if delaySeconds == domain.DelayUnlimited {
		status.TimeAvailableInMS = domain.TimeNever
	}

	if expirationSeconds != nil {
		status.TimeExpiringInMS = saturatingSecondsToMS(uint64(*expirationSeconds))
	}

	return status
}

// saturatingSecondsToMS converts seconds to milliseconds without wrapping.
func saturatingSecondsToMS(seconds uint64) uint64 {
	const msPerSecond = 1000

	ms := seconds * msPerSecond
	if ms/msPerSecond != seconds {
		return domain.TimeNever
	}
	return ms
}
