package trading

import (
	"time"

	"github.com/Siddid-Soni/rust-websocket/internal/bus"
)

// AdminBufferSize is the per-receiver ring capacity of the admin feed.
const AdminBufferSize = 100

// Admin event types.
const (
	EventOrderPlaced      = "order_placed"
	EventOrderFilled      = "order_filled"
	EventOrderPartialFill = "order_partial_fill"
	EventOrderCancelled   = "order_cancelled"
	EventOrderUpdated     = "order_updated"
)

// AdminOrderEvent is one entry on the admin feed: the event kind plus a
// snapshot of the order as it looked when the event fired.
type AdminOrderEvent struct {
	EventType string
	Order     Order
	UserID    string
	Timestamp string
}

func newAdminEvent(eventType string, order Order) AdminOrderEvent {
	return AdminOrderEvent{
		EventType: eventType,
		Order:     order,
		UserID:    order.UserID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// EventBus fans order events out to connected admin feeds. Publishing
// with no admins listening drops the event.
type EventBus struct {
	fanout *bus.Fanout[AdminOrderEvent]
}

func NewEventBus() *EventBus {
	return &EventBus{fanout: bus.NewFanout[AdminOrderEvent](AdminBufferSize)}
}

func (b *EventBus) Subscribe() *bus.Receiver[AdminOrderEvent] {
	return b.fanout.Subscribe()
}

func (b *EventBus) Publish(event AdminOrderEvent) int {
	return b.fanout.Publish(event)
}

func (b *EventBus) Listeners() int {
	return b.fanout.Receivers()
}
