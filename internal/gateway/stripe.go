package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/transfer"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeGateway implements Gateway against the Stripe API.
//
// Holds are manual-capture PaymentIntents carrying a transfer group so the
// later release transfer reconciles against the original charge. Transfers
// use separate charges-and-transfers rather than transfer_data, because the
// escrow engine decides release long after capture.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the Stripe client and returns the adapter.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		TransferGroup: stripe.String(req.Metadata["escrow_transaction_id"]),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	// Pre-register the seller split so support can audit it at the processor.
	params.AddMetadata("destination_account", req.DestinationAccount)
	params.AddMetadata("transfer_amount", strconv.FormatInt(req.TransferAmount, 10))

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr("create_hold", err)
	}

	return &Hold{
		ExternalRef:  pi.ID,
		ClientHandle: pi.ClientSecret,
	}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, externalRef string) (*Receipt, error) {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	}
	pi, err := paymentintent.Capture(externalRef, params)
	if err != nil {
		return nil, wrapStripeErr("capture", err)
	}

	return &Receipt{
		ExternalRef: pi.ID,
		Amount:      pi.Amount,
		Currency:    strings.ToUpper(string(pi.Currency)),
		CapturedAt:  time.Now(),
	}, nil
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccount),
	}
	if group := req.Metadata["escrow_transaction_id"]; group != "" {
		params.TransferGroup = stripe.String(group)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := transfer.New(params)
	if err != nil {
		return nil, wrapStripeErr("transfer", err)
	}

	return &TransferResult{TransferRef: tr.ID}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, externalRef string, metadata map[string]string) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(externalRef),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, wrapStripeErr("refund", err)
	}

	return &RefundResult{RefundRef: r.ID}, nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, ErrBadSignature
	}

	out := &Event{
		ID:         ev.ID,
		Type:       mapStripeEventType(string(ev.Type)),
		ReceivedAt: time.Now(),
	}

	switch out.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err == nil {
			out.PaymentRef = pi.ID
			if pi.LastPaymentError != nil {
				out.Reason = string(pi.LastPaymentError.Code)
			}
		}
	case EventTransferCreated:
		var tr stripe.Transfer
		if err := json.Unmarshal(ev.Data.Raw, &tr); err == nil {
			out.TransferRef = tr.ID
			out.PaymentRef = tr.TransferGroup
		}
	case EventDisputeCreated:
		var d stripe.Dispute
		if err := json.Unmarshal(ev.Data.Raw, &d); err == nil {
			out.DisputeRef = d.ID
			out.Reason = string(d.Reason)
			if d.PaymentIntent != nil {
				out.PaymentRef = d.PaymentIntent.ID
			}
		}
	}

	return out, nil
}

func mapStripeEventType(t string) EventType {
	switch t {
	case "payment_intent.succeeded":
		return EventPaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return EventPaymentFailed
	case "transfer.created":
		return EventTransferCreated
	case "charge.dispute.created":
		return EventDisputeCreated
	default:
		return EventUnknown
	}
}

// wrapStripeErr maps Stripe API failures into the gateway error taxonomy.
// Card-level declines surface as-is inside the wrapper; the engine treats
// every gateway error as retryable because no local state was committed.
func wrapStripeErr(op string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &Error{Op: op, Err: sErr}
	}
	return &Error{Op: op, Err: err}
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
