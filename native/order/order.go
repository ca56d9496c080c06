package order

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of a marketplace escrow order.
type Status uint8

const (
	StatusCreated Status = iota
	StatusAwaitingEscrow
	StatusFunded
	StatusShipped
	StatusCompleted
	StatusDisputed
	StatusRefunded
	StatusReleased
	StatusEscrowFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusAwaitingEscrow:
		return "awaiting_escrow"
	case StatusFunded:
		return "funded"
	case StatusShipped:
		return "shipped"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	case StatusRefunded:
		return "refunded"
	case StatusReleased:
		return "released"
	case StatusEscrowFailed:
		return "escrow_failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusEscrowFailed
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusReleased || s == StatusEscrowFailed
}

// CanTransitionTo encodes the full transition table. Guards on individual
// transitions (payment confirmation, payout address) are enforced by the
// engine on top of this structural check.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusCreated:
		return target == StatusAwaitingEscrow
	case StatusAwaitingEscrow:
		// An order never silently stays awaiting escrow: the session either
		// finalizes (funding path) or fails (terminal purchase failure).
		return target == StatusFunded || target == StatusEscrowFailed
	case StatusFunded:
		return target == StatusShipped || target == StatusDisputed
	case StatusShipped:
		return target == StatusCompleted || target == StatusDisputed
	case StatusCompleted:
		return target == StatusReleased
	case StatusDisputed:
		return target == StatusRefunded || target == StatusReleased
	default:
		return false
	}
}

// ParseStatus converts a stored status string back into a Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return StatusCreated, nil
	case "awaiting_escrow":
		return StatusAwaitingEscrow, nil
	case "funded":
		return StatusFunded, nil
	case "shipped":
		return StatusShipped, nil
	case "completed":
		return StatusCompleted, nil
	case "disputed":
		return StatusDisputed, nil
	case "refunded":
		return StatusRefunded, nil
	case "released":
		return StatusReleased, nil
	case "escrow_failed":
		return StatusEscrowFailed, nil
	default:
		return 0, fmt.Errorf("order: invalid status %q", s)
	}
}

// Order captures one marketplace purchase moving through escrow. The escrow
// address is populated exactly once, by a successfully finalized multisig
// session; the shipping address is an opaque blob encrypted by the storage
// layer and never interpreted here.
type Order struct {
	ID        string
	BuyerID   string
	VendorID  string
	ArbiterID string
	SessionID string

	// TotalAtomic is the order total in atomic units (piconero).
	TotalAtomic int64

	EscrowAddress   string
	PayoutAddress   string
	ShippingAddress []byte

	Status     Status
	DisputedBy string
	CreatedAt  int64
	UpdatedAt  int64
}

// Clone returns a deep copy so callers can safely mutate the result without
// affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.ShippingAddress = append([]byte(nil), o.ShippingAddress...)
	return &clone
}

// Sanitize validates and normalises an order definition, returning a cloned
// instance. The original value is not mutated.
func Sanitize(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("order: nil order")
	}
	clone := o.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, fmt.Errorf("order: empty id")
	}
	if clone.TotalAtomic <= 0 {
		return nil, fmt.Errorf("order: total must be positive")
	}
	if clone.BuyerID == "" || clone.VendorID == "" || clone.ArbiterID == "" {
		return nil, fmt.Errorf("order: buyer, vendor and arbiter are all required")
	}
	if clone.BuyerID == clone.VendorID {
		return nil, fmt.Errorf("order: buyer and vendor cannot be the same party")
	}
	if clone.ArbiterID == clone.BuyerID || clone.ArbiterID == clone.VendorID {
		return nil, fmt.Errorf("order: arbiter must be independent of buyer and vendor")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("order: invalid status %d", clone.Status)
	}
	return clone, nil
}
