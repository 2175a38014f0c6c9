package gateway

import (
	"context"

	"github.com/launchbay/launchbay/internal/circuitbreaker"
	"github.com/launchbay/launchbay/internal/metrics"
)

// Guard wraps a Gateway with a per-operation circuit breaker and call metrics.
// When the processor flaps, settlement calls fast-fail with ErrUnavailable
// instead of stacking up behind a dead connection.
type Guard struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// NewGuard wraps gw with the given breaker.
func NewGuard(gw Gateway, breaker *circuitbreaker.Breaker) *Guard {
	return &Guard{inner: gw, breaker: breaker}
}

func (g *Guard) call(op string, fn func() error) error {
	if !g.breaker.Allow(op) {
		metrics.GatewayCallsTotal.WithLabelValues(op, "circuit_open").Inc()
		return &Error{Op: op, Err: ErrUnavailable}
	}

	err := fn()
	if err != nil {
		g.breaker.RecordFailure(op)
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	g.breaker.RecordSuccess(op)
	metrics.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (g *Guard) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	var out *Hold
	err := g.call("create_hold", func() error {
		var err error
		out, err = g.inner.CreateHold(ctx, req)
		return err
	})
	return out, err
}

func (g *Guard) Capture(ctx context.Context, externalRef string) (*Receipt, error) {
	var out *Receipt
	err := g.call("capture", func() error {
		var err error
		out, err = g.inner.Capture(ctx, externalRef)
		return err
	})
	return out, err
}

func (g *Guard) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var out *TransferResult
	err := g.call("transfer", func() error {
		var err error
		out, err = g.inner.Transfer(ctx, req)
		return err
	})
	return out, err
}

func (g *Guard) Refund(ctx context.Context, externalRef string, metadata map[string]string) (*RefundResult, error) {
	var out *RefundResult
	err := g.call("refund", func() error {
		var err error
		out, err = g.inner.Refund(ctx, externalRef, metadata)
		return err
	})
	return out, err
}

// VerifyWebhook is a pure local computation; it bypasses the breaker.
func (g *Guard) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return g.inner.VerifyWebhook(payload, signature)
}

// Compile-time assertion that Guard implements Gateway.
var _ Gateway = (*Guard)(nil)
