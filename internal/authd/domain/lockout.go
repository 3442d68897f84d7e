package domain

import "math"

const (
	// DelayUnlimited is the rate-limiter sentinel for "no active delay / not
	// time-limited".
	DelayUnlimited uint32 = math.MaxUint32

	// TimeNever is the rendered-countdown sentinel for "never / unknown".
	TimeNever uint64 = math.MaxUint64
)

// LockoutStatus is the rendered, caller-facing view of a factor's rate
// limiter: how long until it becomes usable and how long until its lease
// expires, both in milliseconds with TimeNever as the open-ended sentinel.
type LockoutStatus struct {
	Policy            LockoutPolicy
	TimeAvailableInMS uint64
	TimeExpiringInMS  uint64
}

// LockedOut reports whether the factor is currently unusable.
func (s LockoutStatus) LockedOut() bool {
	return s.TimeAvailableInMS > 0
}
