package service

import (
	"log/slog"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/pkg/jwtx"
)

// SignalSink receives best-effort notifications about successful
// authentications. Implementations must not block; a slow or broken sink
// never fails the authentication that triggered it.
type SignalSink interface {
	AuthSucceeded(obfuscatedAccountID, factorLabel string, factorType domain.FactorType)
}

// LogSignalSink writes auth signals to the structured log.
type LogSignalSink struct {
	Logger *slog.Logger
}

func (s *LogSignalSink) AuthSucceeded(obfuscatedAccountID, factorLabel string, factorType domain.FactorType) {
	s.Logger.Info("authentication succeeded",
		"account", obfuscatedAccountID,
		"factor_label", factorLabel,
		"factor_type", string(factorType),
	)
}

// NopSignalSink discards all signals.
type NopSignalSink struct{}

func (NopSignalSink) AuthSucceeded(string, string, domain.FactorType) {}

// EvidenceIssuer mints signed evidence tokens for observers. An evidence
// token proves "this session authenticated with this factor just now" and
// references the session only through its broadcast token.
type EvidenceIssuer struct {
	Signer *jwtx.EdDSASigner
	Issuer string
	TTL    time.Duration
}

// Mint signs an evidence token for the given authentication outcome.
func (e *EvidenceIssuer) Mint(broadcastToken string, intents domain.IntentSet, factorLabel string, factorType domain.FactorType) (string, error) {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = jwtx.DefaultEvidenceTTL
	}
	claims := jwtx.NewEvidenceClaims(
		broadcastToken,
		intents.Strings(),
		factorLabel,
		string(factorType),
		e.Issuer,
		ttl,
		time.Now(),
	)
	return e.Signer.Sign(claims)
}
