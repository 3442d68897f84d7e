package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultEvidenceTTL is the default lifetime for evidence tokens. Evidence is
// only useful while the session it describes is alive, so this tracks the
// session authorization window.
const DefaultEvidenceTTL = 5 * time.Minute

// Claims are the claims authd embeds in a session evidence token. Evidence
// tokens are minted on every successful authentication and handed to
// low-trust observers (UI, telemetry). They reference the session only
// through its broadcast token, so holding one never grants the ability to
// mutate the session.
type Claims struct {
	jwt.RegisteredClaims

	// BroadcastToken is the observer-safe session identifier.
	BroadcastToken string `json:"btk,omitempty"`

	// Intents are the authorized intents at mint time, e.g. ["decrypt","verify-only"].
	Intents []string `json:"intents,omitempty"`

	// FactorLabel and FactorType describe the factor that produced this
	// evidence. "<none>"/"create" for OnUserCreated.
	FactorLabel string `json:"factor_label,omitempty"`
	FactorType  string `json:"factor_type,omitempty"`
}

// NewEvidenceClaims builds minimally-correct evidence claims.
func NewEvidenceClaims(
	broadcastToken string,
	intents []string,
	factorLabel, factorType string,
	issuer string,
	ttl time.Duration,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   broadcastToken,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		BroadcastToken: broadcastToken,
		Intents:        intents,
		FactorLabel:    factorLabel,
		FactorType:     factorType,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
