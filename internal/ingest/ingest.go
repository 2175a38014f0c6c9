// Package ingest receives payment processor webhooks, verifies their
// signatures, and routes verified events into the escrow engine. Processing
// is idempotent by event ID: the processor retries aggressively and delivers
// out of order, so every route must tolerate replays.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/launchbay/launchbay/internal/escrow"
	"github.com/launchbay/launchbay/internal/gateway"
	"github.com/launchbay/launchbay/internal/metrics"
)

// ProcessedStore remembers which event IDs have been handled.
type ProcessedStore interface {
	// MarkProcessed records the event ID. Returns false when the ID was
	// already recorded, without error.
	MarkProcessed(ctx context.Context, eventID string, receivedAt time.Time) (bool, error)
}

// Engine is the slice of the escrow service the ingestor drives.
type Engine interface {
	ConfirmCapture(ctx context.Context, externalPaymentRef string) (*escrow.Transaction, error)
	MarkCaptureFailed(ctx context.Context, externalPaymentRef, reason string) (*escrow.Transaction, error)
	RecordTransferReconciliation(ctx context.Context, transferRef string) error
	EscalateProcessorDispute(ctx context.Context, externalPaymentRef, reason string) error
}

// Ingestor verifies and routes processor events.
type Ingestor struct {
	gateway   gateway.Gateway
	engine    Engine
	processed ProcessedStore
	logger    *slog.Logger
}

// NewIngestor creates a new webhook ingestor.
func NewIngestor(gw gateway.Gateway, engine Engine, processed ProcessedStore, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		gateway:   gw,
		engine:    engine,
		processed: processed,
		logger:    logger,
	}
}

// Ingest verifies the payload signature and processes the event. A signature
// failure returns gateway.ErrBadSignature with no state change. Any error
// after verification is logged and swallowed so the processor sees a 2xx and
// stops retrying; idempotency makes the occasional redundant retry safe.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) error {
	event, err := i.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return err
	}

	fresh, err := i.processed.MarkProcessed(ctx, event.ID, event.ReceivedAt)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		i.logger.Error("failed to record webhook event", "eventId", event.ID, "error", err)
		return nil
	}
	if !fresh {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		i.logger.Debug("duplicate webhook event ignored", "eventId", event.ID, "type", event.Type)
		return nil
	}

	if err := i.route(ctx, event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		i.logger.Error("webhook event processing failed",
			"eventId", event.ID, "type", event.Type, "error", err)
		return nil
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}

func (i *Ingestor) route(ctx context.Context, event *gateway.Event) error {
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		_, err := i.engine.ConfirmCapture(ctx, event.PaymentRef)
		if errors.Is(err, escrow.ErrNotFound) {
			// Out-of-order delivery before the record was persisted, or a
			// payment we never initiated. Logged, not retried.
			i.logger.Warn("payment confirmation for unknown transaction", "paymentRef", event.PaymentRef)
			return nil
		}
		return err

	case gateway.EventPaymentFailed:
		_, err := i.engine.MarkCaptureFailed(ctx, event.PaymentRef, event.Reason)
		if errors.Is(err, escrow.ErrNotFound) {
			i.logger.Warn("payment failure for unknown transaction", "paymentRef", event.PaymentRef)
			return nil
		}
		return err

	case gateway.EventTransferCreated:
		return i.engine.RecordTransferReconciliation(ctx, event.TransferRef)

	case gateway.EventDisputeCreated:
		err := i.engine.EscalateProcessorDispute(ctx, event.PaymentRef, event.Reason)
		if errors.Is(err, escrow.ErrNotFound) {
			i.logger.Warn("processor dispute for unknown transaction", "paymentRef", event.PaymentRef)
			return nil
		}
		return err

	default:
		i.logger.Debug("ignoring unhandled webhook event type", "type", event.Type)
		return nil
	}
}
