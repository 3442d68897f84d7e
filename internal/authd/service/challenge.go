package service

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/nimbleos/authd/internal/authd/domain"
	"github.com/nimbleos/authd/internal/authd/hwsec"
)

// ChallengeRetryAttempts bounds internal retries of transient hardware
// errors before the failure is surfaced.
const ChallengeRetryAttempts = 3

// challengeSecretSize is the entropy of a freshly generated
// challenge-protected secret.
const challengeSecretSize = 32

// GenerateResult is delivered by GenerateNew's callback.
type GenerateResult struct {
	// Sealed is the persistable sealed representation.
	Sealed domain.SealedSecret
	// Passkey is the derived secret for immediate use. Never persisted.
	Passkey []byte
	Err     error
}

// DecryptResult is delivered by Decrypt's callback.
type DecryptResult struct {
	Passkey []byte
	Err     error
}

// ChallengeCredentialsHelper orchestrates challenge-response credential
// operations against the hardware sealing backend and an external signing
// delegate.
//
// The helper supports exactly one in-flight operation. Starting any
// operation while another is outstanding preempts it: the outstanding
// operation's callback fires with ErrOperationPreempted before the new one
// begins. Every started operation invokes exactly one callback, and all
// callbacks are delivered from a single goroutine, never concurrently and
// never reentrantly from the call that armed them.
type ChallengeCredentialsHelper struct {
	sealer hwsec.Sealer
	logger *slog.Logger

	mu       sync.Mutex
	inflight *challengeOp

	deliver chan func()
	stopped chan struct{}
	done    chan struct{}
}

// challengeOp tracks one started operation. delivered flips exactly once;
// whichever side loses the race (preemption vs completion) stays silent.
type challengeOp struct {
	delivered atomic.Bool
	cancel    context.CancelFunc
	fail      func(err error)
}

// NewChallengeCredentialsHelper creates a helper bound to the given sealing
// backend and starts its callback delivery worker. Call Close when done.
func NewChallengeCredentialsHelper(sealer hwsec.Sealer, logger *slog.Logger) *ChallengeCredentialsHelper {
	h := &ChallengeCredentialsHelper{
		sealer:  sealer,
		logger:  logger,
		deliver: make(chan func(), 8),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.deliverLoop()
	return h
}

// Close stops callback delivery after draining queued callbacks. Operations
// still running are cancelled; their callbacks may be dropped.
func (h *ChallengeCredentialsHelper) Close() {
	h.mu.Lock()
	if h.inflight != nil {
		h.inflight.cancel()
	}
	h.mu.Unlock()

	close(h.stopped)
	<-h.done
}

func (h *ChallengeCredentialsHelper) deliverLoop() {
	defer close(h.done)
	for {
		select {
		case cb := <-h.deliver:
			cb()
		case <-h.stopped:
			// drain anything already queued, then stop
			for {
				select {
				case cb := <-h.deliver:
					cb()
				default:
					return
				}
			}
		}
	}
}

func (h *ChallengeCredentialsHelper) post(cb func()) {
	select {
	case h.deliver <- cb:
	case <-h.stopped:
	}
}

// begin registers a new operation, preempting any outstanding one. The
// preempted operation's failure callback is queued before this function
// returns, so it is always delivered ahead of the new operation's result.
func (h *ChallengeCredentialsHelper) begin(ctx context.Context, fail func(error)) (*challengeOp, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	op := &challengeOp{cancel: cancel, fail: fail}

	h.mu.Lock()
	if prev := h.inflight; prev != nil {
		prev.cancel()
		if prev.delivered.CompareAndSwap(false, true) {
			h.post(func() { prev.fail(ErrOperationPreempted) })
		}
	}
	h.inflight = op
	h.mu.Unlock()

	return op, ctx
}

// finish clears the in-flight slot if op still owns it and queues the result
// callback unless op was already preempted.
func (h *ChallengeCredentialsHelper) finish(op *challengeOp, cb func()) {
	h.mu.Lock()
	if h.inflight == op {
		h.inflight = nil
	}
	h.mu.Unlock()

	if op.delivered.CompareAndSwap(false, true) {
		h.post(cb)
	}
}

// GenerateNew creates a fresh random secret and seals it so that unsealing
// succeeds when either PCR map is satisfied. The sealed representation is for
// the caller to persist; the passkey is for immediate use only.
func (h *ChallengeCredentialsHelper) GenerateNew(
	ctx context.Context,
	accountID string,
	publicKeyInfo domain.PublicKeyInfo,
	defaultPCRMap, extendedPCRMap hwsec.PCRMap,
	delegate hwsec.KeyChallengeService,
	callback func(GenerateResult),
) {
	op, ctx := h.begin(ctx, func(err error) { callback(GenerateResult{Err: err}) })

	go func() {
		secret := memguard.NewBufferRandom(challengeSecretSize)
		defer secret.Destroy()

		var sealed domain.SealedSecret
		err := h.withRetry(ctx, "generate", func() error {
			var sealErr error
			sealed, sealErr = h.sealer.SealChallengeSecret(
				ctx, accountID, secret.Bytes(), publicKeyInfo,
				defaultPCRMap, extendedPCRMap, delegate)
			return sealErr
		})
		if err != nil {
			h.finish(op, func() { callback(GenerateResult{Err: err}) })
			return
		}

		passkey := derivePasskey(secret.Bytes())
		h.finish(op, func() { callback(GenerateResult{Sealed: sealed, Passkey: passkey}) })
	}()
}

// Decrypt reverses GenerateNew, reconstructing the passkey from the sealed
// representation. The delegate may support a different (but overlapping)
// algorithm subset than at generation time.
func (h *ChallengeCredentialsHelper) Decrypt(
	ctx context.Context,
	accountID string,
	publicKeyInfo domain.PublicKeyInfo,
	sealed domain.SealedSecret,
	lockedToSingleUser bool,
	delegate hwsec.KeyChallengeService,
	callback func(DecryptResult),
) {
	op, ctx := h.begin(ctx, func(err error) { callback(DecryptResult{Err: err}) })

	go func() {
		var unsealed []byte
		err := h.withRetry(ctx, "decrypt", func() error {
			var unsealErr error
			unsealed, unsealErr = h.sealer.UnsealChallengeSecret(
				ctx, accountID, sealed, publicKeyInfo, lockedToSingleUser, delegate)
			return unsealErr
		})
		if err != nil {
			h.finish(op, func() { callback(DecryptResult{Err: err}) })
			return
		}

		secret := memguard.NewBufferFromBytes(unsealed)
		passkey := derivePasskey(secret.Bytes())
		secret.Destroy()

		h.finish(op, func() { callback(DecryptResult{Passkey: passkey}) })
	}()
}

// VerifyKey is the cheap presence/usability check. It reports
// hwsec.ErrVerifyUnsupported unwrapped so callers can fall back to a full
// Decrypt cycle.
func (h *ChallengeCredentialsHelper) VerifyKey(
	ctx context.Context,
	accountID string,
	publicKeyInfo domain.PublicKeyInfo,
	delegate hwsec.KeyChallengeService,
	callback func(error),
) {
	op, ctx := h.begin(ctx, callback)

	go func() {
		err := h.withRetry(ctx, "verify", func() error {
			return h.sealer.ChallengeVerify(ctx, accountID, publicKeyInfo, delegate)
		})
		h.finish(op, func() { callback(err) })
	}()
}

// withRetry runs fn, retrying transient hardware errors up to
// ChallengeRetryAttempts total attempts. Fatal errors and preemption are
// surfaced immediately.
func (h *ChallengeCredentialsHelper) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= ChallengeRetryAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ErrOperationPreempted
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !hwsec.IsTransient(err) {
			return err
		}

		h.logger.Warn("transient hardware error during challenge operation",
			"op", op, "attempt", attempt, "error", err)
	}
	return err
}

// derivePasskey maps the raw sealed secret to the passkey handed to callers.
// One-way so a leaked passkey never reveals the sealed secret itself.
func derivePasskey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// VerifyKeySync runs VerifyKey and blocks until its callback fires. Intended
// for dispatch strategies that run on their own goroutine already.
func (h *ChallengeCredentialsHelper) VerifyKeySync(
	ctx context.Context,
	accountID string,
	publicKeyInfo domain.PublicKeyInfo,
	delegate hwsec.KeyChallengeService,
) error {
	ch := make(chan error, 1)
	h.VerifyKey(ctx, accountID, publicKeyInfo, delegate, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DecryptSync runs Decrypt and blocks until its callback fires.
func (h *ChallengeCredentialsHelper) DecryptSync(
	ctx context.Context,
	accountID string,
	publicKeyInfo domain.PublicKeyInfo,
	sealed domain.SealedSecret,
	lockedToSingleUser bool,
	delegate hwsec.KeyChallengeService,
) ([]byte, error) {
	ch := make(chan DecryptResult, 1)
	h.Decrypt(ctx, accountID, publicKeyInfo, sealed, lockedToSingleUser, delegate,
		func(r DecryptResult) { ch <- r })
	select {
	case r := <-ch:
		return r.Passkey, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
