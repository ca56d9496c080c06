package multisig

import (
	"fmt"
	"strings"
)

// Participant identifies one of the three escrow key-holders. The numeric
// order is the canonical call order: every round walks participants ascending,
// and the "other two" lists handed to a wallet are always sorted the same way.
// Reordering between rounds corrupts wallet-side state, so the order is fixed
// by construction.
type Participant uint8

const (
	Buyer Participant = iota
	Vendor
	Arbiter
)

// String returns the lowercase role name.
func (p Participant) String() string {
	switch p {
	case Buyer:
		return "buyer"
	case Vendor:
		return "vendor"
	case Arbiter:
		return "arbiter"
	default:
		return fmt.Sprintf("participant(%d)", uint8(p))
	}
}

// Valid reports whether the participant value is one of the three roles.
func (p Participant) Valid() bool {
	return p == Buyer || p == Vendor || p == Arbiter
}

// ParseParticipant converts a role name into a Participant.
func ParseParticipant(s string) (Participant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buyer":
		return Buyer, nil
	case "vendor", "seller":
		return Vendor, nil
	case "arbiter":
		return Arbiter, nil
	default:
		return 0, fmt.Errorf("multisig: unknown role %q", s)
	}
}

// Participants returns the three roles in canonical call order.
func Participants() [3]Participant {
	return [3]Participant{Buyer, Vendor, Arbiter}
}

// Others returns the two participants other than p, ascending.
func Others(p Participant) [2]Participant {
	switch p {
	case Buyer:
		return [2]Participant{Vendor, Arbiter}
	case Vendor:
		return [2]Participant{Buyer, Arbiter}
	default:
		return [2]Participant{Buyer, Vendor}
	}
}
