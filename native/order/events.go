package order

import (
	"strconv"

	"xmrmarket/core/events"
)

const (
	EventTypeOrderCreated        = "order.created"
	EventTypeOrderAwaitingEscrow = "order.awaiting_escrow"
	EventTypeOrderEscrowFailed   = "order.escrow_failed"
	EventTypeOrderFunded         = "order.funded"
	EventTypeOrderShipped        = "order.shipped"
	EventTypeOrderCompleted      = "order.completed"
	EventTypeOrderDisputed       = "order.disputed"
	EventTypeOrderRefunded       = "order.refunded"
	EventTypeOrderReleased       = "order.released"
)

// newOrderEvent builds the canonical event payload for an order transition.
// Addresses and shipping data are deliberately absent: events cross trust
// boundaries (audit log, websocket fan-out) that artifact contents must not.
func newOrderEvent(eventType string, ord *Order) *events.Record {
	return &events.Record{
		Type: eventType,
		Attributes: map[string]string{
			"order_id":   ord.ID,
			"session_id": ord.SessionID,
			"status":     ord.Status.String(),
			"total":      strconv.FormatInt(ord.TotalAtomic, 10),
		},
	}
}
