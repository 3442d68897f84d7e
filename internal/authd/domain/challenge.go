package domain

// SignatureAlgorithm identifies a challenge signature scheme the card key
// supports. Order in a PublicKeyInfo expresses preference, strongest first.
type SignatureAlgorithm string

const (
	AlgRSASSASHA512 SignatureAlgorithm = "rsassa-pkcs1-v1_5-sha512"
	AlgRSASSASHA384 SignatureAlgorithm = "rsassa-pkcs1-v1_5-sha384"
	AlgRSASSASHA256 SignatureAlgorithm = "rsassa-pkcs1-v1_5-sha256"
	AlgRSASSASHA1   SignatureAlgorithm = "rsassa-pkcs1-v1_5-sha1"
)

// PublicKeyInfo is the public half of a challenge-response credential.
type PublicKeyInfo struct {
	// PublicKeySPKI is the DER-encoded SubjectPublicKeyInfo of the card key.
	PublicKeySPKI []byte `json:"public_key_spki"`

	// Algorithms the key may be challenged with, in preference order.
	Algorithms []SignatureAlgorithm `json:"algorithms"`
}

// SupportsAny returns the first algorithm from preference that the key also
// declares, or "" when the sets are disjoint. Used when the signing delegate
// advertises a different (but compatible) subset than was present at
// generation time.
func (p PublicKeyInfo) SupportsAny(preference []SignatureAlgorithm) SignatureAlgorithm {
	declared := make(map[SignatureAlgorithm]struct{}, len(p.Algorithms))
	for _, a := range p.Algorithms {
		declared[a] = struct{}{}
	}
	for _, a := range preference {
		if _, ok := declared[a]; ok {
			return a
		}
	}
	return ""
}

// SealedSecret is the persisted representation of a challenge-response
// protected secret. The blob contents are opaque to authd; only the hardware
// backend can open them. Two sealed blobs are kept so unsealing succeeds if
// either PCR map is satisfied, which tolerates a firmware transition window
// without re-provisioning.
type SealedSecret struct {
	Algorithm          SignatureAlgorithm `json:"algorithm"`
	Salt               []byte             `json:"salt"`
	DefaultSealedBlob  []byte             `json:"default_sealed_blob"`
	ExtendedSealedBlob []byte             `json:"extended_sealed_blob"`
}

// IsZero reports whether no sealed secret is present.
func (s SealedSecret) IsZero() bool {
	return len(s.DefaultSealedBlob) == 0 && len(s.ExtendedSealedBlob) == 0
}

// ChallengeRequest is what authd asks an external signing delegate to sign.
type ChallengeRequest struct {
	AccountID     string
	PublicKeySPKI []byte
	Algorithm     SignatureAlgorithm
	DataToSign    []byte
}
