package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/launchbay/launchbay/internal/conditions"
	"github.com/launchbay/launchbay/internal/dispute"
	"github.com/launchbay/launchbay/internal/escrow"
	"github.com/launchbay/launchbay/internal/gateway"
	"github.com/launchbay/launchbay/internal/ledger"
	"github.com/launchbay/launchbay/internal/notify"
	"github.com/launchbay/launchbay/internal/platform"
)

type testEnv struct {
	ingestor *Ingestor
	engine   *escrow.Service
	gw       *gateway.Mock
	store    *escrow.MemoryStore

	buyerID  string
	sellerID string
}

func newTestEnv(t *testing.T) (*testEnv, *escrow.Transaction) {
	t.Helper()
	ctx := context.Background()

	store := escrow.NewMemoryStore()
	gw := gateway.NewMock("whsec_test")
	platforms := platform.NewService(platform.NewMemoryStore())
	events := ledger.New(ledger.NewMemoryStore())
	disputes := dispute.NewManager(dispute.NewMemoryStore(), events)
	checker := conditions.NewEvaluator(platforms, disputes)

	pl, err := platforms.Register(ctx, platform.RegisterRequest{
		SellerID: "seller-1", Name: "Analytics Suite", PayoutAccount: "acct_seller_1",
	})
	if err != nil {
		t.Fatalf("failed to register platform: %v", err)
	}
	if _, err := platforms.MarkDeployed(ctx, pl.ID); err != nil {
		t.Fatalf("failed to mark deployed: %v", err)
	}

	policy := escrow.Policy{
		FeeBps: 800, MinAmountMinor: 10000,
		HoldPeriod: 30 * 24 * time.Hour, GracePeriod: 72 * time.Hour,
		MaxHoldExtensions: 3, SupportRecipient: "support",
	}
	engine := escrow.NewService(store, gw, platforms, disputes, checker, events, notify.NewRecorder(), policy, slog.Default())

	tx, _, err := engine.Create(ctx, escrow.CreateRequest{
		PlatformID: pl.ID, BuyerID: "buyer-1", SellerID: "seller-1",
		Amount: 100000, Currency: "usd",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ingestor := NewIngestor(gw, engine, NewMemoryProcessedStore(), slog.Default())
	return &testEnv{
		ingestor: ingestor,
		engine:   engine,
		gw:       gw,
		store:    store,
		buyerID:  "buyer-1",
		sellerID: "seller-1",
	}, tx
}

func signedEvent(t *testing.T, gw *gateway.Mock, fields map[string]string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return payload, gw.Sign(payload)
}

func TestIngestPaymentSucceeded(t *testing.T) {
	env, tx := newTestEnv(t)

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_1", "type": "payment_succeeded", "paymentRef": tx.ExternalPaymentRef,
	})
	if err := env.ingestor.Ingest(context.Background(), payload, sig); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	fresh, _ := env.engine.Get(context.Background(), tx.ID)
	if fresh.Status != escrow.StatusHeld {
		t.Errorf("expected status held, got %s", fresh.Status)
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env, tx := newTestEnv(t)

	payload, _ := signedEvent(t, env.gw, map[string]string{
		"id": "evt_1", "type": "payment_succeeded", "paymentRef": tx.ExternalPaymentRef,
	})
	err := env.ingestor.Ingest(context.Background(), payload, "deadbeef")
	if err != gateway.ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	// No state change on rejection.
	fresh, _ := env.engine.Get(context.Background(), tx.ID)
	if fresh.Status != escrow.StatusPending {
		t.Errorf("rejected webhook changed status to %s", fresh.Status)
	}
}

func TestIngestDuplicateEventOnce(t *testing.T) {
	env, tx := newTestEnv(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_1", "type": "payment_succeeded", "paymentRef": tx.ExternalPaymentRef,
	})
	for i := 0; i < 3; i++ {
		if err := env.ingestor.Ingest(ctx, payload, sig); err != nil {
			t.Fatalf("Ingest replay %d failed: %v", i, err)
		}
	}

	history, _ := env.engine.History(ctx, tx.ID)
	confirmed := 0
	for _, e := range history {
		if e.Action == "capture_confirmed" {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Errorf("expected exactly 1 capture from replayed webhook, got %d", confirmed)
	}
}

func TestIngestSameEventDifferentID(t *testing.T) {
	env, tx := newTestEnv(t)
	ctx := context.Background()

	// The processor may re-emit with a fresh event ID. The engine's own
	// idempotency on payment ref must still hold.
	for i, id := range []string{"evt_a", "evt_b"} {
		payload, sig := signedEvent(t, env.gw, map[string]string{
			"id": id, "type": "payment_succeeded", "paymentRef": tx.ExternalPaymentRef,
		})
		if err := env.ingestor.Ingest(ctx, payload, sig); err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	history, _ := env.engine.History(ctx, tx.ID)
	confirmed := 0
	for _, e := range history {
		if e.Action == "capture_confirmed" {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Errorf("expected 1 capture across distinct event IDs, got %d", confirmed)
	}
}

func TestIngestPaymentFailed(t *testing.T) {
	env, tx := newTestEnv(t)

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_1", "type": "payment_failed", "paymentRef": tx.ExternalPaymentRef, "reason": "card_declined",
	})
	if err := env.ingestor.Ingest(context.Background(), payload, sig); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	fresh, _ := env.engine.Get(context.Background(), tx.ID)
	if fresh.Status != escrow.StatusFailed {
		t.Errorf("expected status failed, got %s", fresh.Status)
	}
}

func TestIngestUnknownPaymentRefSwallowed(t *testing.T) {
	env, _ := newTestEnv(t)

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_1", "type": "payment_succeeded", "paymentRef": "pay_never_seen",
	})
	if err := env.ingestor.Ingest(context.Background(), payload, sig); err != nil {
		t.Errorf("unknown payment ref must not error after verification, got %v", err)
	}
}

func TestIngestDisputeCreatedEscalates(t *testing.T) {
	env, tx := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.ConfirmCapture(ctx, tx.ExternalPaymentRef); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_2", "type": "dispute_created", "paymentRef": tx.ExternalPaymentRef, "reason": "fraudulent",
	})
	if err := env.ingestor.Ingest(ctx, payload, sig); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	fresh, _ := env.engine.Get(ctx, tx.ID)
	if fresh.Status != escrow.StatusDisputed {
		t.Errorf("expected status disputed, got %s", fresh.Status)
	}
}

func TestIngestTransferCreatedReconciles(t *testing.T) {
	env, tx := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.ConfirmCapture(ctx, tx.ExternalPaymentRef); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}
	released, err := env.engine.Release(ctx, tx.ID, "admin-1", escrow.RoleAdmin, "", nil)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_3", "type": "transfer_created", "transferRef": released.ExternalTransferRef,
	})
	if err := env.ingestor.Ingest(ctx, payload, sig); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	history, _ := env.engine.History(ctx, tx.ID)
	var reconciled bool
	for _, e := range history {
		if e.Action == "transfer_confirmed" {
			reconciled = true
		}
	}
	if !reconciled {
		t.Error("expected transfer confirmation recorded in history")
	}
}

func TestWebhookEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env, tx := newTestEnv(t)

	router := gin.New()
	NewHandler(env.ingestor).RegisterRoutes(router)

	payload, sig := signedEvent(t, env.gw, map[string]string{
		"id": "evt_1", "type": "payment_succeeded", "paymentRef": tx.ExternalPaymentRef,
	})

	// Valid signature → 200.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", sig)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Bad signature → 400, no state change beyond the first call.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "bogus")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad signature, got %d", w.Code)
	}
}
