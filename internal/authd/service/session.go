package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/store"
	"github.com/nimbleos/authd/pkg/idx"
)

// DefaultAuthTTL is the authorization window armed on a session's first
// successful authentication.
const DefaultAuthTTL = 5 * time.Minute

// AuthSession is the per-session state machine: who the session is bound to,
// what the caller is currently allowed to do, and when that permission
// lapses.
//
// Sessions are not safe for concurrent use. Every method runs under the
// owning SessionManager's per-session queue, which guarantees at most one
// accessor at a time.
type AuthSession struct {
	token          string
	broadcastToken string
	accountID      string // obfuscated
	ephemeral      bool
	requested      domain.AuthIntent

	dispatch *VerificationDispatch
	factors  store.Factors
	signals  SignalSink
	logger   *slog.Logger
	now      func() time.Time

	authorized    domain.IntentSet
	deadline      time.Time // zero until first success
	createdUsed   bool
	verifiers     map[string]CredentialVerifier
	factorCache   []domain.AuthFactor
	factorsLoaded bool
}

type sessionParams struct {
	token          string
	broadcastToken string
	accountID      string
	ephemeral      bool
	requested      domain.AuthIntent

	dispatch *VerificationDispatch
	factors  store.Factors
	signals  SignalSink
	logger   *slog.Logger
	now      func() time.Time
}

func newAuthSession(p sessionParams) *AuthSession {
	if p.now == nil {
		p.now = time.Now
	}
	return &AuthSession{
		token:          p.token,
		broadcastToken: p.broadcastToken,
		accountID:      p.accountID,
		ephemeral:      p.ephemeral,
		requested:      p.requested,
		dispatch:       p.dispatch,
		factors:        p.factors,
		signals:        p.signals,
		logger:         p.logger,
		now:            p.now,
		authorized:     domain.IntentSet{},
		verifiers:      make(map[string]CredentialVerifier),
	}
}

func (s *AuthSession) Token() string { return s.token }

func (s *AuthSession) BroadcastToken() string { return s.broadcastToken }

func (s *AuthSession) AccountID() string { return s.accountID }

func (s *AuthSession) Ephemeral() bool { return s.ephemeral }

func (s *AuthSession) RequestedIntent() domain.AuthIntent { return s.requested }

// AuthorizedIntents returns a copy of the session's current authorization.
// Empty until the first successful authentication.
func (s *AuthSession) AuthorizedIntents() domain.IntentSet { return s.authorized.Clone() }

// AuthResult describes one successful authentication: the factor that won
// and the session's authorized intents after the union.
type AuthResult struct {
	FactorLabel string
	FactorType  domain.FactorType
	Intents     domain.IntentSet
}

// Authenticate resolves the labels in order and accepts the first candidate
// whose verification succeeds. In-session verifiers are checked before
// persisted factors for each label. On success the newly authorized intents
// are unioned in; a failure leaves the session exactly as it was and surfaces
// the first candidate's failure unchanged.
func (s *AuthSession) Authenticate(ctx context.Context, labels []string, input AuthInput) (AuthResult, error) {
	if len(labels) == 0 {
		return AuthResult{}, fmt.Errorf("%w: no factor labels supplied", ErrInvalidArgument)
	}

	var firstErr error
	matched := false
	for _, label := range labels {
		if label == "" {
			return AuthResult{}, fmt.Errorf("%w: empty factor label", ErrInvalidArgument)
		}

		if v, ok := s.verifiers[label]; ok && v.Intents().Contains(s.requested) {
			matched = true
			if err := v.Verify(ctx, input); err == nil {
				s.applySuccess(v.Label(), v.Type(), v.Intents())
				return AuthResult{FactorLabel: v.Label(), FactorType: v.Type(), Intents: s.authorized.Clone()}, nil
			} else if firstErr == nil {
				firstErr = err
			}
		}

		if s.ephemeral {
			continue
		}
		factor, ok, err := s.lookupFactor(ctx, label)
		if err != nil {
			return AuthResult{}, err
		}
		if !ok || !factor.Type.IntentsFor().Contains(s.requested) {
			continue
		}

		matched = true
		intents, err := s.dispatch.Verify(ctx, factor, input)
		if err == nil {
			s.applySuccess(factor.Label, factor.Type, intents)
			return AuthResult{FactorLabel: factor.Label, FactorType: factor.Type, Intents: s.authorized.Clone()}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if !matched {
		return AuthResult{}, fmt.Errorf("%w: no usable factor for labels %v", ErrNoSuchFactor, labels)
	}
	return AuthResult{}, firstErr
}

func (s *AuthSession) applySuccess(label string, factorType domain.FactorType, intents domain.IntentSet) {
	s.authorized = s.authorized.Union(intents)

	refreshed := s.now().Add(DefaultAuthTTL)
	if s.deadline.IsZero() || refreshed.After(s.deadline) {
		s.deadline = refreshed
	}

	if s.signals != nil {
		s.signals.AuthSucceeded(s.accountID, label, factorType)
	}
	s.logger.Info("session authenticated",
		"broadcast_token", s.broadcastToken,
		"factor_label", label,
		"factor_type", string(factorType),
		"intents", s.authorized.Strings(),
	)
}

// OnUserCreated authorizes the session without credentials, modeling "the
// entity that just created this account is trivially its owner". Valid
// exactly once, immediately after provisioning.
func (s *AuthSession) OnUserCreated() (AuthResult, error) {
	if s.createdUsed {
		return AuthResult{}, fmt.Errorf("%w: user-created authorization already consumed", ErrInvalidArgument)
	}
	s.createdUsed = true
	s.applySuccess(createdFactorLabel, createdFactorType, domain.NewIntentSet(domain.IntentDecrypt, domain.IntentVerifyOnly))
	return AuthResult{FactorLabel: createdFactorLabel, FactorType: createdFactorType, Intents: s.authorized.Clone()}, nil
}

// Pseudo-factor identity recorded for credential-less authorization after
// account provisioning.
const (
	createdFactorLabel                   = "<none>"
	createdFactorType  domain.FactorType = "create"
)

// Extend pushes the timeout deadline to at least now+d. Never shortens the
// deadline; a racing earlier extension cannot produce a later-but-shorter
// one. Fails with ErrUnauthenticated before the first success since there is
// no timer to move.
func (s *AuthSession) Extend(d time.Duration) (time.Duration, error) {
	if s.authorized.Empty() {
		return 0, fmt.Errorf("%w: cannot extend a never-authenticated session", ErrUnauthenticated)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: extension duration must be positive", ErrInvalidArgument)
	}

	if candidate := s.now().Add(d); candidate.After(s.deadline) {
		s.deadline = candidate
	}
	remaining, _ := s.RemainingTime()
	return remaining, nil
}

// RemainingTime returns the time until the session expires. infinite is true
// until the first successful authentication arms the timer.
func (s *AuthSession) RemainingTime() (remaining time.Duration, infinite bool) {
	if s.deadline.IsZero() {
		return 0, true
	}
	remaining = s.deadline.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, false
}

// expiresAt is used by the manager to arm the expiry timer. Zero means no
// timer.
func (s *AuthSession) expiresAt() time.Time { return s.deadline }

func (s *AuthSession) expired() bool {
	return !s.deadline.IsZero() && !s.now().Before(s.deadline)
}

// AddCredentialVerifier registers an in-memory verifier for a label. This is
// the only way ephemeral sessions gain factors. A verifier shadows nothing:
// persisted factors with the same label stay reachable.
func (s *AuthSession) AddCredentialVerifier(v CredentialVerifier) error {
	if v == nil || v.Label() == "" {
		return fmt.Errorf("%w: verifier must carry a label", ErrInvalidArgument)
	}
	s.verifiers[v.Label()] = v
	return nil
}

// RemoveCredentialVerifier drops the in-memory verifier for a label.
// Removing an absent verifier is not an error.
func (s *AuthSession) RemoveCredentialVerifier(label string) {
	delete(s.verifiers, label)
}

// AddFactor persists a new factor (or replaces the one with the same label)
// for the session's account. Requires full authentication: only a caller who
// can already decrypt may change credentials.
func (s *AuthSession) AddFactor(ctx context.Context, factor domain.AuthFactor) error {
	if s.ephemeral {
		return fmt.Errorf("%w: ephemeral sessions have no persistent factors", ErrInvalidArgument)
	}
	if !s.authorized.Contains(domain.IntentDecrypt) {
		return fmt.Errorf("%w: adding a factor requires decrypt authorization", ErrUnauthenticated)
	}
	if factor.Label == "" {
		return fmt.Errorf("%w: factor label must not be empty", ErrInvalidArgument)
	}
	if !domain.ValidFactorType(factor.Type) {
		return fmt.Errorf("%w: unknown factor type %q", ErrInvalidArgument, factor.Type)
	}

	factor.AccountID = s.accountID
	if factor.ID == "" {
		factor.ID = idx.New().String()
	}
	nowTS := s.now().UTC()
	if factor.CreatedAt.IsZero() {
		factor.CreatedAt = nowTS
	}
	factor.UpdatedAt = nowTS
	if factor.LockoutPolicy == "" {
		factor.LockoutPolicy = domain.LockoutPolicyNone
	}

	if err := s.factors.SaveFactor(ctx, factor); err != nil {
		return fmt.Errorf("save factor %q: %w", factor.Label, err)
	}
	s.invalidateFactorCache()
	return nil
}

// RemoveFactor deletes the persisted factor with the given label.
func (s *AuthSession) RemoveFactor(ctx context.Context, label string) error {
	if s.ephemeral {
		return fmt.Errorf("%w: ephemeral sessions have no persistent factors", ErrInvalidArgument)
	}
	if !s.authorized.Contains(domain.IntentDecrypt) {
		return fmt.Errorf("%w: removing a factor requires decrypt authorization", ErrUnauthenticated)
	}

	if err := s.factors.RemoveFactor(ctx, s.accountID, label); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrNoSuchFactor, label)
		}
		return fmt.Errorf("remove factor %q: %w", label, err)
	}
	s.invalidateFactorCache()
	return nil
}

// ListAuthFactors returns the factors usable under the session's requested
// intent, with rendered lockout counters, ordered by label. A persisted
// factor and an in-session verifier sharing a label count as one logical
// factor, with the persisted one winning.
func (s *AuthSession) ListAuthFactors(ctx context.Context) ([]domain.FactorView, error) {
	views := make(map[string]domain.FactorView)

	if !s.ephemeral {
		if err := s.loadFactors(ctx); err != nil {
			return nil, err
		}
		for _, factor := range s.factorCache {
			if !factor.Type.IntentsFor().Contains(s.requested) {
				continue
			}
			status, err := s.dispatch.LockoutStatusFor(ctx, factor)
			if err != nil {
				return nil, fmt.Errorf("render lockout for %q: %w", factor.Label, err)
			}
			views[factor.Label] = domain.FactorView{
				Label:         factor.Label,
				Type:          factor.Type,
				LockoutPolicy: factor.LockoutPolicy,
				Lockout:       status,
			}
		}
	}

	for label, v := range s.verifiers {
		if _, exists := views[label]; exists {
			continue
		}
		if !v.Intents().Contains(s.requested) {
			continue
		}
		views[label] = domain.FactorView{
			Label:         label,
			Type:          v.Type(),
			LockoutPolicy: domain.LockoutPolicyNone,
			Lockout: domain.LockoutStatus{
				Policy:           domain.LockoutPolicyNone,
				TimeExpiringInMS: domain.TimeNever,
			},
		}
	}

	out := make([]domain.FactorView, 0, len(views))
	for _, view := range views {
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *AuthSession) lookupFactor(ctx context.Context, label string) (domain.AuthFactor, bool, error) {
	if err := s.loadFactors(ctx); err != nil {
		return domain.AuthFactor{}, false, err
	}
	for _, factor := range s.factorCache {
		if factor.Label == label {
			return factor, true, nil
		}
	}
	return domain.AuthFactor{}, false, nil
}

func (s *AuthSession) loadFactors(ctx context.Context) error {
	if s.factorsLoaded {
		return nil
	}
	factors, err := s.factors.LoadFactors(ctx, s.accountID)
	if err != nil {
		return fmt.Errorf("load factors for session: %w", err)
	}
	s.factorCache = factors
	s.factorsLoaded = true
	return nil
}

// invalidateFactorCache drops the lazy factor cache so the next read reloads
// from storage.
func (s *AuthSession) invalidateFactorCache() {
	s.factorCache = nil
	s.factorsLoaded = false
}
