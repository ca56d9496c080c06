package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"xmrmarket/core/events"
	"xmrmarket/wallet"
)

var (
	errNilState = errors.New("order engine: state not configured")

	// ErrNotFound reports an unknown order id.
	ErrNotFound = errors.New("order engine: order not found")
)

// GuardError is a recoverable precondition failure. The order stays in its
// current state and the message is safe to show to the acting user.
type GuardError struct {
	Code    string
	Message string
}

func (e *GuardError) Error() string { return e.Message }

// IsGuardError reports whether err is a recoverable guard violation.
func IsGuardError(err error) bool {
	var guard *GuardError
	return errors.As(err, &guard)
}

type engineState interface {
	OrderPut(*Order) error
	OrderGet(id string) (*Order, bool)
}

// Engine owns order lifecycle transitions. It follows the same shape as the
// multisig orchestrator's surroundings: state behind an interface, events
// behind an emitter, time injectable for tests.
type Engine struct {
	state   engineState
	emitter events.Emitter
	network wallet.Network
	nowFn   func() int64
}

// NewEngine creates an order engine with a no-op emitter, validating payout
// addresses against the given Monero network.
func NewEngine(network wallet.Network) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		network: network,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Create registers a new order in the Created state.
func (e *Engine) Create(buyerID, vendorID, arbiterID string, totalAtomic int64, shippingAddress []byte) (*Order, error) {
	if e.state == nil {
		return nil, errNilState
	}
	now := e.nowFn()
	ord := &Order{
		ID:              uuid.NewString(),
		BuyerID:         strings.TrimSpace(buyerID),
		VendorID:        strings.TrimSpace(vendorID),
		ArbiterID:       strings.TrimSpace(arbiterID),
		TotalAtomic:     totalAtomic,
		ShippingAddress: append([]byte(nil), shippingAddress...),
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sanitized, err := Sanitize(ord)
	if err != nil {
		return nil, err
	}
	if err := e.state.OrderPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(EventTypeOrderCreated, sanitized)
	return sanitized.Clone(), nil
}

// AttachSession binds a freshly created multisig session to the order and
// moves it to AwaitingEscrow.
func (e *Engine) AttachSession(orderID, sessionID string) error {
	return e.transition(orderID, StatusAwaitingEscrow, EventTypeOrderAwaitingEscrow, func(ord *Order) error {
		sessionID = strings.TrimSpace(sessionID)
		if sessionID == "" {
			return fmt.Errorf("order engine: empty session id")
		}
		ord.SessionID = sessionID
		return nil
	})
}

// MarkEscrowFailed records a terminal purchase failure after the multisig
// session failed. The order never silently stays in AwaitingEscrow.
func (e *Engine) MarkEscrowFailed(orderID string) error {
	return e.transition(orderID, StatusEscrowFailed, EventTypeOrderEscrowFailed, nil)
}

// MarkFunded moves AwaitingEscrow→Funded. Both guards are explicit: the
// session must have produced a custody address, and the caller must confirm
// that payment covering the total has been observed at it (the confirmation
// mechanism is an external collaborator). The escrow address is written
// exactly once, here.
func (e *Engine) MarkFunded(orderID, escrowAddress string, paymentConfirmed bool) error {
	return e.transition(orderID, StatusFunded, EventTypeOrderFunded, func(ord *Order) error {
		escrowAddress = strings.TrimSpace(escrowAddress)
		if escrowAddress == "" {
			return &GuardError{Code: "escrow_not_finalized", Message: "escrow setup has not produced a custody address"}
		}
		if !paymentConfirmed {
			return &GuardError{Code: "payment_unconfirmed", Message: "payment to the escrow address has not been confirmed"}
		}
		if ord.EscrowAddress != "" && ord.EscrowAddress != escrowAddress {
			return fmt.Errorf("order engine: escrow address already set for order %s", ord.ID)
		}
		ord.EscrowAddress = escrowAddress
		return nil
	})
}

// SetPayoutAddress stores the vendor's payout address after validating its
// format for the custody network. Allowed while the order is funded but not
// yet shipped.
func (e *Engine) SetPayoutAddress(orderID, payoutAddress string) error {
	if e.state == nil {
		return errNilState
	}
	ord, ok := e.state.OrderGet(orderID)
	if !ok {
		return ErrNotFound
	}
	if ord.Status != StatusFunded && ord.Status != StatusAwaitingEscrow && ord.Status != StatusCreated {
		return &GuardError{Code: "payout_locked", Message: "payout address can no longer be changed for this order"}
	}
	payoutAddress = strings.TrimSpace(payoutAddress)
	if !wallet.ValidateAddress(payoutAddress, e.network) {
		return &GuardError{Code: "payout_invalid", Message: "payout address is not a well-formed address for the custody network"}
	}
	clone := ord.Clone()
	clone.PayoutAddress = payoutAddress
	clone.UpdatedAt = e.nowFn()
	return e.state.OrderPut(clone)
}

// MarkShipped moves Funded→Shipped, guarded by the presence of a valid payout
// address. A missing or malformed address blocks the transition with a
// user-actionable error and the order stays Funded.
func (e *Engine) MarkShipped(orderID string) error {
	return e.transition(orderID, StatusShipped, EventTypeOrderShipped, func(ord *Order) error {
		if strings.TrimSpace(ord.PayoutAddress) == "" {
			return &GuardError{Code: "payout_missing", Message: "configure a payout address before shipping"}
		}
		if !wallet.ValidateAddress(ord.PayoutAddress, e.network) {
			return &GuardError{Code: "payout_invalid", Message: "payout address is not a well-formed address for the custody network"}
		}
		return nil
	})
}

// ConfirmReceipt moves Shipped→Completed on buyer confirmation. Release of
// funds to the vendor is authorized only after this transition.
func (e *Engine) ConfirmReceipt(orderID string) error {
	return e.transition(orderID, StatusCompleted, EventTypeOrderCompleted, nil)
}

// Release records the terminal payout authorization for a completed order.
// The transfer itself happens elsewhere.
func (e *Engine) Release(orderID string) error {
	return e.transition(orderID, StatusReleased, EventTypeOrderReleased, nil)
}

// OpenDispute freezes automatic transitions pending external arbitration.
// Either trading party may raise it from Funded or Shipped.
func (e *Engine) OpenDispute(orderID, raisedBy string) error {
	return e.transition(orderID, StatusDisputed, EventTypeOrderDisputed, func(ord *Order) error {
		raisedBy = strings.TrimSpace(raisedBy)
		if raisedBy != ord.BuyerID && raisedBy != ord.VendorID {
			return &GuardError{Code: "dispute_unauthorized", Message: "only the buyer or vendor may open a dispute"}
		}
		ord.DisputedBy = raisedBy
		return nil
	})
}

// ResolveDispute records the arbitration outcome: "refund" returns funds to
// the buyer, "release" pays the vendor.
func (e *Engine) ResolveDispute(orderID, outcome string) error {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "refund":
		return e.transition(orderID, StatusRefunded, EventTypeOrderRefunded, nil)
	case "release":
		return e.transition(orderID, StatusReleased, EventTypeOrderReleased, nil)
	default:
		return fmt.Errorf("order engine: unknown dispute outcome %q", outcome)
	}
}

// Get returns a copy of the stored order.
func (e *Engine) Get(orderID string) (*Order, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ord, ok := e.state.OrderGet(orderID)
	if !ok {
		return nil, ErrNotFound
	}
	return ord.Clone(), nil
}

// FinalizedAddress returns the custody address for an order, if escrow setup
// has completed. This is the accessor payout logic consumes.
func (e *Engine) FinalizedAddress(orderID string) (string, bool) {
	if e.state == nil {
		return "", false
	}
	ord, ok := e.state.OrderGet(orderID)
	if !ok || strings.TrimSpace(ord.EscrowAddress) == "" {
		return "", false
	}
	return ord.EscrowAddress, true
}

// transition loads the order, checks the structural table, applies the
// per-transition mutation, and persists the clone. Guard failures leave the
// stored order untouched.
func (e *Engine) transition(orderID string, target Status, eventType string, mutate func(*Order) error) error {
	if e.state == nil {
		return errNilState
	}
	ord, ok := e.state.OrderGet(orderID)
	if !ok {
		return ErrNotFound
	}
	if !ord.Status.CanTransitionTo(target) {
		return fmt.Errorf("order engine: cannot move order %s from %s to %s", ord.ID, ord.Status, target)
	}
	clone := ord.Clone()
	if mutate != nil {
		if err := mutate(clone); err != nil {
			return err
		}
	}
	clone.Status = target
	clone.UpdatedAt = e.nowFn()
	if err := e.state.OrderPut(clone); err != nil {
		return err
	}
	e.emit(eventType, clone)
	return nil
}

func (e *Engine) emit(eventType string, ord *Order) {
	if e.emitter == nil || ord == nil {
		return
	}
	e.emitter.Emit(newOrderEvent(eventType, ord))
}
