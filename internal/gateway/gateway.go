// Package gateway abstracts the external payment processor.
//
// The escrow engine only ever sees this interface: hold funds at purchase,
// capture the hold, transfer the seller's share on release, refund the buyer,
// and verify inbound webhook signatures. The production implementation is
// backed by Stripe; tests and demo mode use the mock.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType identifies a processor webhook event.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventTransferCreated  EventType = "transfer_created"
	EventDisputeCreated   EventType = "dispute_created"
	EventUnknown          EventType = "unknown"
)

// HoldRequest asks the processor to authorize (but not settle) a payment,
// pre-registering how much of it is destined for the seller.
type HoldRequest struct {
	Amount             int64  // total charge, minor units
	Currency           string // ISO 4217
	DestinationAccount string // seller payout account at the processor
	TransferAmount     int64  // seller share, minor units
	Metadata           map[string]string
}

// Hold is the processor's handle for an authorized payment.
type Hold struct {
	ExternalRef  string // processor payment reference
	ClientHandle string // secret handed to the buyer's client to complete payment
}

// Receipt confirms a captured payment.
type Receipt struct {
	ExternalRef string
	Amount      int64
	Currency    string
	CapturedAt  time.Time
}

// TransferRequest moves the seller share out on release.
type TransferRequest struct {
	DestinationAccount string
	Amount             int64
	Currency           string
	Metadata           map[string]string
}

// TransferResult is the processor's transfer reference.
type TransferResult struct {
	TransferRef string
}

// RefundResult is the processor's refund reference.
type RefundResult struct {
	RefundRef string
}

// Event is a verified processor webhook event.
type Event struct {
	ID          string
	Type        EventType
	PaymentRef  string // external payment reference, when the event carries one
	TransferRef string
	DisputeRef  string
	Reason      string
	ReceivedAt  time.Time
}

// Gateway is the payment processor capability used by the escrow engine.
type Gateway interface {
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	Capture(ctx context.Context, externalRef string) (*Receipt, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Refund(ctx context.Context, externalRef string, metadata map[string]string) (*RefundResult, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

// ErrBadSignature indicates a webhook payload failed signature verification.
// Callers must discard the payload without any state change.
var ErrBadSignature = errors.New("webhook signature verification failed")

// ErrUnavailable indicates the processor is unreachable or the circuit is open.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Error wraps a transient processor failure. Since the engine commits no local
// state before the processor confirms, the whole call is safe to retry.
type Error struct {
	Op  string // "create_hold", "capture", "transfer", "refund"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsGatewayError reports whether err is a transient gateway failure.
func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
