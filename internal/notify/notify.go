// Package notify delivers lifecycle notifications to marketplace principals
// and the support desk. Delivery is fire-and-forget: a notification failure
// never fails or rolls back the settlement that produced it.
package notify

import (
	"context"
	"time"

	"github.com/launchbay/launchbay/internal/idgen"
)

// EventType identifies what happened to a transaction or dispute.
type EventType string

const (
	EventEscrowCreated   EventType = "escrow.created"
	EventEscrowHeld      EventType = "escrow.held"
	EventEscrowReleased  EventType = "escrow.released"
	EventEscrowRefunded  EventType = "escrow.refunded"
	EventEscrowDisputed  EventType = "escrow.disputed"
	EventDisputeResolved EventType = "escrow.dispute_resolved"
	EventCaptureFailed   EventType = "escrow.capture_failed"
	EventReviewRequired  EventType = "escrow.review_required"
	EventHoldExtended    EventType = "escrow.hold_extended"
)

// Event is one notification payload.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Recipients []string               `json:"recipients"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// Notifier delivers events. Implementations must not block the caller beyond
// queueing and must swallow delivery errors.
type Notifier interface {
	Notify(ctx context.Context, event *Event)
}

// NewEvent builds an event with a generated ID and current timestamp.
func NewEvent(eventType EventType, recipients []string, data map[string]interface{}) *Event {
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		Recipients: recipients,
		Timestamp:  time.Now(),
		Data:       data,
	}
}

// Noop is a Notifier that discards everything.
type Noop struct{}

func (Noop) Notify(ctx context.Context, event *Event) {}

var _ Notifier = Noop{}
