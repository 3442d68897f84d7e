package domain

import "sort"

// AuthIntent is a declared purpose for an auth session. The requested intent
// gates which factors are usable; authorized intents record what the caller
// may currently do.
type AuthIntent string

const (
	// IntentDecrypt authorizes operations that need the user's secrets
	// (mounting the user vault, releasing derived keys).
	IntentDecrypt AuthIntent = "decrypt"

	// IntentVerifyOnly authorizes nothing beyond "the caller proved identity
	// just now" (screen unlock style checks).
	IntentVerifyOnly AuthIntent = "verify-only"

	// IntentWebAuthn authorizes releasing the WebAuthn secret.
	IntentWebAuthn AuthIntent = "webauthn"
)

// ValidIntent reports whether i is one of the known intents.
func ValidIntent(i AuthIntent) bool {
	switch i {
	case IntentDecrypt, IntentVerifyOnly, IntentWebAuthn:
		return true
	}
	return false
}

// IntentSet is a set of authorized intents. The zero value is the empty set.
type IntentSet map[AuthIntent]struct{}

// NewIntentSet builds a set from the given intents.
func NewIntentSet(intents ...AuthIntent) IntentSet {
	s := make(IntentSet, len(intents))
	for _, i := range intents {
		s[i] = struct{}{}
	}
	return s
}

// FullIntents is the set a full-auth capable factor authorizes.
func FullIntents() IntentSet {
	return NewIntentSet(IntentDecrypt, IntentVerifyOnly, IntentWebAuthn)
}

// Contains reports whether i is in the set.
func (s IntentSet) Contains(i AuthIntent) bool {
	_, ok := s[i]
	return ok
}

// Empty reports whether the set has no intents.
func (s IntentSet) Empty() bool { return len(s) == 0 }

// Union returns a new set containing everything in s and other. Sessions only
// ever grow their authorized intents, so there is no difference operation.
func (s IntentSet) Union(other IntentSet) IntentSet {
	out := make(IntentSet, len(s)+len(other))
	for i := range s {
		out[i] = struct{}{}
	}
	for i := range other {
		out[i] = struct{}{}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s IntentSet) Clone() IntentSet {
	out := make(IntentSet, len(s))
	for i := range s {
		out[i] = struct{}{}
	}
	return out
}

// Strings returns the intents in stable sorted order, for logging and
// evidence claims.
func (s IntentSet) Strings() []string {
	out := make([]string, 0, len(s))
	for i := range s {
		out = append(out, string(i))
	}
	sort.Strings(out)
	return out
}
