package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/store"
	"github.com/nimbleos/authd/pkg/cryptox"
	"github.com/nimbleos/authd/pkg/slogx"
)

// ErrManagerClosed is returned by StartSession after the manager has been
// shut down.
var ErrManagerClosed = errors.New("session manager is shut down")

// SessionManager owns every live AuthSession, keyed by token. All session
// access funnels through RunWhenAvailable, which enforces at most one
// accessor per session at a time with FIFO ordering. Once a token leaves the
// registry (invalidation, expiry, teardown) it is permanently unresolvable.
type SessionManager struct {
	Dispatch *VerificationDispatch
	Factors  store.Factors
	Signals  SignalSink
	Evidence *EvidenceIssuer
	Logger   *slog.Logger

	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool
}

// sessionEntry pairs a session with its FIFO access queue and expiry timer.
// Queueing uses tickets: an accessor draws the next ticket and waits until
// the serving counter reaches it, so arrival order is honored exactly.
type sessionEntry struct {
	session *AuthSession

	mu         sync.Mutex
	cond       *sync.Cond
	nextTicket uint64
	serving    uint64
	removed    bool
	timer      *time.Timer

	// deadline shadows the session's timeout deadline for readers that hold
	// only the registry lock. Written by rearmTimer under mu.
	deadline time.Time
}

func newSessionEntry(s *AuthSession) *sessionEntry {
	e := &sessionEntry{session: s}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// expiredAt reports whether the entry's shadowed deadline has passed at now.
// A zero deadline means no timeout is armed.
func (e *sessionEntry) expiredAt(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.deadline.IsZero() && !e.deadline.After(now)
}

// acquire blocks until this caller holds the entry exclusively. Returns false
// when the session was invalidated while waiting.
func (e *sessionEntry) acquire() bool {
	e.mu.Lock()
	ticket := e.nextTicket
	e.nextTicket++
	for e.serving != ticket {
		e.cond.Wait()
	}
	ok := !e.removed
	e.mu.Unlock()
	return ok
}

func (e *sessionEntry) release() {
	e.mu.Lock()
	e.serving++
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *sessionEntry) markRemoved() {
	e.mu.Lock()
	e.removed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}

func (m *SessionManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// StartSession allocates a new unauthenticated session bound to accountID
// and returns its token pair. An ephemeral session for an identity that
// still has a live non-ephemeral session is rejected: the two storage models
// must not coexist for one account.
func (m *SessionManager) StartSession(accountID string, intent domain.AuthIntent, ephemeral bool) (token, broadcastToken string, err error) {
	if accountID == "" {
		return "", "", fmt.Errorf("%w: account id must not be empty", ErrInvalidArgument)
	}
	if !domain.ValidIntent(intent) {
		return "", "", fmt.Errorf("%w: unknown intent %q", ErrInvalidArgument, intent)
	}

	token, err = cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", "", fmt.Errorf("generate session token: %w", err)
	}
	broadcastToken, err = cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", "", fmt.Errorf("generate broadcast token: %w", err)
	}

	obfuscated := domain.ObfuscateAccountID(accountID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", "", ErrManagerClosed
	}
	if ephemeral {
		now := m.now()
		for _, e := range m.sessions {
			if e.session.AccountID() != obfuscated || e.session.Ephemeral() {
				continue
			}
			// A timed-out session waiting on its expiry sweep no longer
			// conflicts.
			if e.expiredAt(now) {
				continue
			}
			return "", "", fmt.Errorf(
				"%w: account already has a non-ephemeral session", ErrInvalidArgument)
		}
	}

	session := newAuthSession(sessionParams{
		token:          token,
		broadcastToken: broadcastToken,
		accountID:      obfuscated,
		ephemeral:      ephemeral,
		requested:      intent,
		dispatch:       m.Dispatch,
		factors:        m.Factors,
		signals:        m.Signals,
		logger:         m.Logger,
		now:            m.Now,
	})
	if m.sessions == nil {
		m.sessions = make(map[string]*sessionEntry)
	}
	m.sessions[token] = newSessionEntry(session)

	m.Logger.Info("session started",
		"broadcast_token", broadcastToken,
		"account", obfuscated,
		"intent", string(intent),
		"ephemeral", ephemeral,
	)
	return token, broadcastToken, nil
}

// RunWhenAvailable checks the session out, runs fn with the exclusive handle,
// and checks it back in. Calls for the same token queue in arrival order.
// Returns ErrSessionNotFound (and never runs fn) when the token is unknown,
// invalidated or expired. fn must not call back into the manager for the
// same token.
func (m *SessionManager) RunWhenAvailable(token string, fn func(s *AuthSession) error) error {
	entry := m.lookup(token)
	if entry == nil {
		return ErrSessionNotFound
	}

	if !entry.acquire() {
		entry.release()
		return ErrSessionNotFound
	}
	defer entry.release()

	if entry.session.expired() {
		m.removeEntry(token, entry)
		return ErrSessionNotFound
	}

	err := fn(entry.session)

	m.rearmTimer(token, entry)
	return err
}

// Invalidate removes the session for token. The token becomes unresolvable
// immediately; the terminal cleanup is queued behind any in-flight accessor
// so invalidation never interleaves with a checked-out session. Invalidating
// an unknown token is a no-op.
func (m *SessionManager) Invalidate(token string) {
	m.mu.Lock()
	entry, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.acquire()
	entry.markRemoved()
	entry.release()

	m.Logger.Info("session invalidated",
		"broadcast_token", entry.session.BroadcastToken())
}

// MintEvidence mints a fresh evidence token for an already-authenticated
// session. Observers verify it offline against the issuer's public key.
func (m *SessionManager) MintEvidence(token string) (string, error) {
	if m.Evidence == nil {
		return "", fmt.Errorf("%w: evidence issuing not configured", ErrInvalidArgument)
	}

	var evidence string
	err := m.RunWhenAvailable(token, func(s *AuthSession) error {
		intents := s.AuthorizedIntents()
		if intents.Empty() {
			return fmt.Errorf("%w: session has not authenticated", ErrUnauthenticated)
		}
		minted, mintErr := m.Evidence.Mint(s.BroadcastToken(), intents, "", "")
		if mintErr != nil {
			return fmt.Errorf("mint evidence: %w", mintErr)
		}
		evidence = minted
		return nil
	})
	return evidence, err
}

// Authenticate is the composed entry point: it runs session.Authenticate
// under the queue and, when configured, mints an evidence token for the
// outcome. Evidence minting is best-effort; a minting failure never fails
// the authentication.
func (m *SessionManager) Authenticate(ctx context.Context, token string, labels []string, input AuthInput) (AuthResult, string, error) {
	var (
		result   AuthResult
		evidence string
	)
	err := m.RunWhenAvailable(token, func(s *AuthSession) error {
		ctx := slogx.WithSession(ctx, s.BroadcastToken())
		res, authErr := s.Authenticate(ctx, labels, input)
		if authErr != nil {
			slogx.FromContext(ctx).Warn("authentication failed",
				"labels", labels, "error", authErr)
			return authErr
		}
		result = res

		if m.Evidence != nil {
			minted, mintErr := m.Evidence.Mint(
				s.BroadcastToken(), res.Intents, res.FactorLabel, res.FactorType)
			if mintErr != nil {
				m.Logger.Warn("failed to mint evidence token",
					"broadcast_token", s.BroadcastToken(), "error", mintErr)
			} else {
				evidence = minted
			}
		}
		return nil
	})
	return result, evidence, err
}

// ExpireStale drops every session whose deadline has passed. Housekeeping
// calls this as a backstop for timers lost to clock adjustment.
func (m *SessionManager) ExpireStale() int {
	m.mu.Lock()
	type candidate struct {
		token string
		entry *sessionEntry
	}
	candidates := make([]candidate, 0, len(m.sessions))
	for token, entry := range m.sessions {
		candidates = append(candidates, candidate{token, entry})
	}
	m.mu.Unlock()

	expired := 0
	for _, c := range candidates {
		if !c.entry.acquire() {
			c.entry.release()
			continue
		}
		if c.entry.session.expired() {
			m.removeEntry(c.token, c.entry)
			expired++
		}
		c.entry.release()
	}
	return expired
}

// Close tears the registry down, invalidating every live token. Further
// StartSession calls fail with ErrManagerClosed.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	tokens := make([]string, 0, len(m.sessions))
	for token := range m.sessions {
		tokens = append(tokens, token)
	}
	m.mu.Unlock()

	for _, token := range tokens {
		m.Invalidate(token)
	}
}

func (m *SessionManager) lookup(token string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[token]
}

// removeEntry marks the entry terminal and drops it from the registry.
// Caller must hold the entry via acquire.
func (m *SessionManager) removeEntry(token string, entry *sessionEntry) {
	entry.markRemoved()
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
	m.Logger.Info("session expired",
		"broadcast_token", entry.session.BroadcastToken())
}

// rearmTimer points the entry's expiry timer at the session's current
// deadline. The timer fires through the same queue as any other accessor, so
// expiry never interleaves with a checked-out session. Caller must hold the
// entry.
func (m *SessionManager) rearmTimer(token string, entry *sessionEntry) {
	deadline := entry.session.expiresAt()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.deadline = deadline
	if entry.removed {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if deadline.IsZero() {
		return
	}

	d := deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	entry.timer = time.AfterFunc(d, func() { m.expireToken(token) })
}

// expireToken is the timer callback. It re-checks the deadline under the
// queue: an Extend that ran after the timer was armed keeps the session
// alive and simply rearms.
func (m *SessionManager) expireToken(token string) {
	entry := m.lookup(token)
	if entry == nil {
		return
	}
	if !entry.acquire() {
		entry.release()
		return
	}
	defer entry.release()

	if entry.session.expired() {
		m.removeEntry(token, entry)
		return
	}
	m.rearmTimer(token, entry)
}
