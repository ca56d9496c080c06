package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"xmrmarket/core/events"
	"xmrmarket/observability/logging"
	"xmrmarket/wallet"
)

// WalletRPC is the gateway surface the orchestrator drives. *wallet.Client
// implements it; tests substitute scripted fakes.
type WalletRPC interface {
	GetAddress(ctx context.Context) (string, error)
	PrepareMultisig(ctx context.Context) (string, error)
	MakeMultisig(ctx context.Context, threshold uint32, otherInfos []string) (wallet.MakeMultisigResult, error)
	ExchangeMultisigKeys(ctx context.Context, otherInfos []string) (wallet.ExchangeResult, error)
	IsMultisig(ctx context.Context) (wallet.MultisigStatus, error)
}

// Handle binds one participant's role to its wallet process for the lifetime
// of a single session. Handles are not shared across sessions: the underlying
// wallet has exactly one current mode and cannot multiplex ceremonies.
type Handle struct {
	Role     Participant
	Endpoint string
	RPC      WalletRPC

	cachedAddress string
}

// Address returns the wallet address observed at finalization, if any.
func (h *Handle) Address() string { return h.cachedAddress }

const (
	// DefaultMakeSpacing is the minimum gap between successive make_multisig
	// calls to distinct wallets. Empirically sufficient to avoid the
	// duplicate-payload race in wallet-rpc; configurable, not
	// correctness-critical (the fingerprint check is the authoritative
	// detector).
	DefaultMakeSpacing = 5 * time.Second
	// DefaultRetryCeiling bounds attempts per round call, covering both
	// transport errors and fingerprint collisions.
	DefaultRetryCeiling = 3
	// DefaultExchangeExtraRounds bounds how many extra exchange_multisig_keys
	// invocations a participant gets before the session fails.
	DefaultExchangeExtraRounds = 2
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	MakeSpacing         time.Duration
	RetryCeiling        int
	ExchangeExtraRounds int
}

func (c Config) withDefaults() Config {
	if c.MakeSpacing <= 0 {
		c.MakeSpacing = DefaultMakeSpacing
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.ExchangeExtraRounds <= 0 {
		c.ExchangeExtraRounds = DefaultExchangeExtraRounds
	}
	return c
}

// Orchestrator drives sessions through the three-round key ceremony. It is
// stateless across sessions; all per-ceremony state lives in the Session.
type Orchestrator struct {
	cfg     Config
	emitter events.Emitter
	log     *slog.Logger
}

// NewOrchestrator creates an orchestrator with the supplied tuning.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		emitter: events.NoopEmitter{},
		log:     slog.Default(),
	}
}

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (o *Orchestrator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		o.emitter = events.NoopEmitter{}
		return
	}
	o.emitter = emitter
}

// SetLogger overrides the logger used for round diagnostics.
func (o *Orchestrator) SetLogger(log *slog.Logger) {
	if log != nil {
		o.log = log
	}
}

// Run executes the full ceremony against the three handles and either
// finalizes the session or moves it to a terminal failure. The finalized
// address is written only at the very end of a fully successful run; no
// partial result is ever committed. A failed session must not be re-run:
// wallet-side mode cannot be rewound after prepare_multisig.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, handles []*Handle) error {
	if sess == nil {
		return errNilSession
	}
	if sess.Status().Terminal() {
		return errSessionConsumed
	}
	ordered, err := orderHandles(handles)
	if err != nil {
		return err
	}
	log := o.log.With("session_id", sess.ID, "order_id", sess.OrderID)

	// Fresh limiter per run so spacing never leaks across sessions. The first
	// wait consumes the initial token immediately; every later wait enforces
	// the full gap.
	limiter := rate.NewLimiter(rate.Every(o.cfg.MakeSpacing), 1)

	runErr := o.runRounds(ctx, sess, ordered, limiter, log)
	if runErr != nil {
		var sessErr *SessionError
		if !errors.As(runErr, &sessErr) {
			sessErr = sessionErr(FailTransport, runErr)
		}
		sess.fail(sessErr.Reason)
		log.Error("multisig session failed", "reason", string(sessErr.Reason), "error", runErr.Error())
		o.emitter.Emit(&events.Record{
			Type: EventTypeSessionFailed,
			Attributes: map[string]string{
				"session_id": sess.ID,
				"order_id":   sess.OrderID,
				"reason":     string(sessErr.Reason),
			},
		})
		return sessErr
	}

	log.Info("multisig session finalized", "round", int(sess.Round))
	o.emitter.Emit(&events.Record{
		Type: EventTypeSessionFinalized,
		Attributes: map[string]string{
			"session_id": sess.ID,
			"order_id":   sess.OrderID,
		},
	})
	return nil
}

func (o *Orchestrator) runRounds(ctx context.Context, sess *Session, handles []*Handle, limiter *rate.Limiter, log *slog.Logger) error {
	if err := o.runPrepare(ctx, sess, handles, log); err != nil {
		return err
	}
	if err := o.runMake(ctx, sess, handles, limiter, log); err != nil {
		return err
	}
	if err := o.runExchange(ctx, sess, handles, log); err != nil {
		return err
	}
	return o.verifyFinalized(ctx, sess, handles, log)
}

// runPrepare executes round 0: prepare_multisig on every wallet, strictly
// sequential in participant order. Any error or empty payload fails the
// session immediately; there is nothing safe to retry before wallet modes
// have diverged.
func (o *Orchestrator) runPrepare(ctx context.Context, sess *Session, handles []*Handle, log *slog.Logger) error {
	sess.beginRound(0)
	for _, h := range handles {
		payload, err := h.RPC.PrepareMultisig(ctx)
		if err != nil {
			return sessionErr(reasonFor(err), fmt.Errorf("prepare for %s: %w", h.Role, err))
		}
		if err := wallet.ValidateMultisigInfo(payload); err != nil {
			return sessionErr(FailMalformed, fmt.Errorf("prepare for %s: %w", h.Role, err))
		}
		if _, err := sess.recordArtifact(0, h.Role, payload); err != nil {
			return sessionErr(FailCorruption, err)
		}
		log.Info("prepare info collected", "role", h.Role.String(), "round", 0,
			slog.String("artifact", logging.ArtifactDigest(payload)))
	}
	o.emitRound(sess, 0)
	return nil
}

// runMake executes round 1: make_multisig per participant with the other two
// prepare payloads. After every call the returned payload's fingerprint is
// checked against the round's prior fingerprints; a collision is corrupted
// output, not success. The spacing limiter is waited on before every call,
// retries included.
func (o *Orchestrator) runMake(ctx context.Context, sess *Session, handles []*Handle, limiter *rate.Limiter, log *slog.Logger) error {
	sess.beginRound(1)
	for _, h := range handles {
		otherPrepares, err := sess.otherPayloads(0, h.Role)
		if err != nil {
			return sessionErr(FailCorruption, err)
		}

		var lastErr error
		lastReason := FailTransport
		recorded := false
		for attempt := 1; attempt <= o.cfg.RetryCeiling; attempt++ {
			if err := limiter.Wait(ctx); err != nil {
				return sessionErr(FailTransport, err)
			}
			res, err := h.RPC.MakeMultisig(ctx, sess.Threshold, otherPrepares)
			if err != nil {
				if wallet.IsProtocolViolation(err) {
					return sessionErr(FailProtocol, fmt.Errorf("make for %s: %w", h.Role, err))
				}
				lastErr, lastReason = err, reasonFor(err)
				log.Warn("make_multisig call failed", "role", h.Role.String(), "round", 1, "attempt", attempt, "error", err.Error())
				continue
			}
			if err := wallet.ValidateMultisigInfo(res.MultisigInfo); err != nil {
				lastErr, lastReason = err, FailMalformed
				log.Warn("make_multisig payload malformed", "role", h.Role.String(), "round", 1, "attempt", attempt)
				continue
			}
			if prior, collides := o.collides(sess, 1, h.Role, res.MultisigInfo); collides {
				lastErr = fmt.Errorf("round 1 fingerprint for %s collides with %s", h.Role, prior)
				lastReason = FailCorruption
				log.Warn("fingerprint collision detected", "role", h.Role.String(), "round", 1, "attempt", attempt,
					slog.String("artifact", logging.ArtifactDigest(res.MultisigInfo)))
				o.emitter.Emit(&events.Record{
					Type: EventTypeCollisionDetected,
					Attributes: map[string]string{
						"session_id": sess.ID,
						"role":       h.Role.String(),
						"attempt":    fmt.Sprintf("%d", attempt),
					},
				})
				continue
			}
			if _, err := sess.recordArtifact(1, h.Role, res.MultisigInfo); err != nil {
				return sessionErr(FailCorruption, err)
			}
			recorded = true
			break
		}
		if !recorded {
			return sessionErr(lastReason, fmt.Errorf("make for %s exhausted %d attempts: %w", h.Role, o.cfg.RetryCeiling, lastErr))
		}
	}
	o.emitRound(sess, 1)
	return nil
}

// runExchange executes round 2: exchange_multisig_keys per participant with
// the other two participants' latest payloads, in the same sub-order as round
// 1. A participant reporting non-final is re-invoked alone up to the
// extra-round ceiling; any payload it hands back is recorded so the remaining
// participants (and its own re-invocations, once they have advanced) consume
// the carried-forward material instead of the stale round-1 artifacts.
// Transport errors within one invocation are retried up to the retry ceiling.
func (o *Orchestrator) runExchange(ctx context.Context, sess *Session, handles []*Handle, log *slog.Logger) error {
	sess.beginRound(2)
	for _, h := range handles {
		final := false
		maxRounds := 1 + o.cfg.ExchangeExtraRounds
		for round := 1; round <= maxRounds; round++ {
			otherInfos, err := sess.latestPayloads(h.Role)
			if err != nil {
				return sessionErr(FailCorruption, err)
			}
			var res wallet.ExchangeResult
			err = o.retryCall(ctx, log, "exchange_multisig_keys", h.Role, func() error {
				got, callErr := h.RPC.ExchangeMultisigKeys(ctx, otherInfos)
				if callErr != nil {
					return callErr
				}
				if got.MultisigInfo != "" {
					if verr := wallet.ValidateMultisigInfo(got.MultisigInfo); verr != nil {
						return &wallet.RPCError{Kind: wallet.KindMalformed, Method: "exchange_multisig_keys", Msg: verr.Error()}
					}
				}
				res = got
				return nil
			})
			if err != nil {
				return sessionErr(reasonFor(err), fmt.Errorf("exchange for %s: %w", h.Role, err))
			}
			if res.MultisigInfo != "" {
				sess.replaceArtifact(2, h.Role, res.MultisigInfo)
			}
			if res.IsFinal {
				final = true
				break
			}
			log.Info("exchange not final, re-invoking", "role", h.Role.String(), "round", 2, "attempt", round)
		}
		if !final {
			return sessionErr(FailRoundCeiling, fmt.Errorf("exchange for %s still non-final after %d attempts", h.Role, maxRounds))
		}
	}
	o.emitRound(sess, 2)
	return nil
}

// verifyFinalized cross-checks all three wallets after the last round:
// byte-identical addresses and 2-of-3 metadata from every participant's own
// query, or the whole session fails. Partial agreement is never accepted.
func (o *Orchestrator) verifyFinalized(ctx context.Context, sess *Session, handles []*Handle, log *slog.Logger) error {
	var sharedAddress string
	for _, h := range handles {
		var addr string
		err := o.retryCall(ctx, log, "get_address", h.Role, func() error {
			got, callErr := h.RPC.GetAddress(ctx)
			if callErr != nil {
				return callErr
			}
			addr = got
			return nil
		})
		if err != nil {
			return sessionErr(reasonFor(err), fmt.Errorf("address check for %s: %w", h.Role, err))
		}
		var status wallet.MultisigStatus
		err = o.retryCall(ctx, log, "is_multisig", h.Role, func() error {
			got, callErr := h.RPC.IsMultisig(ctx)
			if callErr != nil {
				return callErr
			}
			status = got
			return nil
		})
		if err != nil {
			return sessionErr(reasonFor(err), fmt.Errorf("is_multisig check for %s: %w", h.Role, err))
		}
		if !status.Multisig || !status.Ready {
			return sessionErr(FailAddressMismatch, fmt.Errorf("%s wallet does not report ready multisig", h.Role))
		}
		if status.Threshold != Threshold || status.Total != 3 {
			return sessionErr(FailAddressMismatch, fmt.Errorf("%s wallet reports %d-of-%d, want %d-of-3", h.Role, status.Threshold, status.Total, Threshold))
		}
		if sharedAddress == "" {
			sharedAddress = addr
		} else if addr != sharedAddress {
			return sessionErr(FailAddressMismatch, fmt.Errorf("%s wallet reports a different multisig address", h.Role))
		}
		h.cachedAddress = addr
	}
	sess.finalize(sharedAddress)
	log.Info("finalization check passed", "round", 2,
		slog.String("address", logging.ArtifactDigest(sharedAddress)))
	return nil
}

// retryCall re-issues fn up to the retry ceiling. Protocol violations abort
// immediately; every other gateway failure (transport, remote, malformed) is
// retried, matching the round-1 policy. The last error is returned once the
// ceiling is exhausted.
func (o *Orchestrator) retryCall(ctx context.Context, log *slog.Logger, method string, role Participant, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.RetryCeiling; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if wallet.IsProtocolViolation(err) {
			return err
		}
		lastErr = err
		log.Warn(method+" call failed", "role", role.String(), "attempt", attempt, "error", err.Error())
	}
	return lastErr
}

// collides reports whether payload's fingerprint matches any prior
// participant's fingerprint at the round.
func (o *Orchestrator) collides(sess *Session, round uint8, producer Participant, payload string) (Participant, bool) {
	fp := Fingerprint(payload)
	for p, existing := range sess.RoundFingerprints(round) {
		if p != producer && existing == fp {
			return p, true
		}
	}
	return 0, false
}

func (o *Orchestrator) emitRound(sess *Session, round uint8) {
	o.emitter.Emit(&events.Record{
		Type: EventTypeRoundCompleted,
		Attributes: map[string]string{
			"session_id": sess.ID,
			"order_id":   sess.OrderID,
			"round":      fmt.Sprintf("%d", round),
		},
	})
}

// orderHandles validates the handle set and returns it sorted into canonical
// participant order. The sorted slice is computed once per run and reused for
// every round so call order can never drift between rounds.
func orderHandles(handles []*Handle) ([]*Handle, error) {
	if len(handles) != 3 {
		return nil, errHandleCount
	}
	seen := make(map[Participant]bool, 3)
	out := make([]*Handle, 0, 3)
	for _, h := range handles {
		if h == nil || h.RPC == nil {
			return nil, errHandleCount
		}
		if !h.Role.Valid() {
			return nil, fmt.Errorf("multisig: invalid role %d", h.Role)
		}
		if seen[h.Role] {
			return nil, errDuplicateRole
		}
		seen[h.Role] = true
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

// reasonFor maps a gateway error onto a terminal session diagnosis.
func reasonFor(err error) FailReason {
	var rpcErr *wallet.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Kind {
		case wallet.KindProtocol:
			return FailProtocol
		case wallet.KindMalformed:
			return FailMalformed
		default:
			return FailTransport
		}
	}
	return FailTransport
}
