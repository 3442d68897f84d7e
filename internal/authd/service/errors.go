package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
)

var (
	// ErrInvalidArgument marks a malformed request. Never retried; the
	// caller must fix its input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionNotFound means the token is unknown, expired or
	// invalidated. The caller must start a new session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthenticated means the operation requires a prior successful
	// authentication on this session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrWrongSecret is the user-facing "try again" for a bad credential.
	ErrWrongSecret = errors.New("wrong secret")

	// ErrNoSuchFactor means no usable factor matched the requested label.
	ErrNoSuchFactor = errors.New("no such factor")

	// ErrOperationPreempted reports that a challenge-response operation was
	// cancelled because a newer one started. Deliberately distinct from any
	// hardware failure so callers can tell preemption from breakage.
	ErrOperationPreempted = errors.New("operation preempted by newer request")
)

// LockedOutError reports that a rate-limited factor is currently unusable.
// AvailableIn carries the rendered countdown; TimeNever in the status means
// no release is scheduled.
type LockedOutError struct {
	Status domain.LockoutStatus
}

func (e *LockedOutError) Error() string {
	if e.Status.TimeAvailableInMS == domain.TimeNever {
		return "factor locked out indefinitely"
	}
	return fmt.Sprintf("factor locked out for %s", e.AvailableIn())
}

// AvailableIn returns the countdown as a duration, or a negative value when
// no release is scheduled.
func (e *LockedOutError) AvailableIn() time.Duration {
	if e.Status.TimeAvailableInMS == domain.TimeNever {
		return -1
	}
	return time.Duration(e.Status.TimeAvailableInMS) * time.Millisecond
}

// AsLockedOut unwraps err into a LockedOutError if it is one.
func AsLockedOut(err error) (*LockedOutError, bool) {
	var lockedOut *LockedOutError
	if errors.As(err, &lockedOut) {
		return lockedOut, true
	}
	return nil, false
}
