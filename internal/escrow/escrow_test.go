package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/launchbay/launchbay/internal/conditions"
	"github.com/launchbay/launchbay/internal/dispute"
	"github.com/launchbay/launchbay/internal/gateway"
	"github.com/launchbay/launchbay/internal/ledger"
	"github.com/launchbay/launchbay/internal/notify"
	"github.com/launchbay/launchbay/internal/platform"
	"github.com/launchbay/launchbay/internal/validation"
)

type testEnv struct {
	svc       *Service
	store     *MemoryStore
	gw        *gateway.Mock
	platforms *platform.Service
	disputes  *dispute.Manager
	recorder  *notify.Recorder

	platformID string
	buyerID    string
	sellerID   string
}

func testPolicy() Policy {
	return Policy{
		FeeBps:            800,
		MinAmountMinor:    10000,
		HoldPeriod:        30 * 24 * time.Hour,
		GracePeriod:       72 * time.Hour,
		MaxHoldExtensions: 3,
		SupportRecipient:  "support",
	}
}

// newTestEnv wires a full in-memory engine with one deployed, healthy
// platform owned by seller-1.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := NewMemoryStore()
	gw := gateway.NewMock("whsec_test")
	platforms := platform.NewService(platform.NewMemoryStore())
	events := ledger.New(ledger.NewMemoryStore())
	disputes := dispute.NewManager(dispute.NewMemoryStore(), events)
	checker := conditions.NewEvaluator(platforms, disputes)
	recorder := notify.NewRecorder()

	pl, err := platforms.Register(ctx, platform.RegisterRequest{
		SellerID:      "seller-1",
		Name:          "Analytics Suite",
		PayoutAccount: "acct_seller_1",
	})
	if err != nil {
		t.Fatalf("failed to register platform: %v", err)
	}
	if _, err := platforms.MarkDeployed(ctx, pl.ID); err != nil {
		t.Fatalf("failed to mark platform deployed: %v", err)
	}

	svc := NewService(store, gw, platforms, disputes, checker, events, recorder, testPolicy(), slog.Default())
	return &testEnv{
		svc:        svc,
		store:      store,
		gw:         gw,
		platforms:  platforms,
		disputes:   disputes,
		recorder:   recorder,
		platformID: pl.ID,
		buyerID:    "buyer-1",
		sellerID:   "seller-1",
	}
}

func (e *testEnv) createRequest(amount int64) CreateRequest {
	return CreateRequest{
		PlatformID: e.platformID,
		BuyerID:    e.buyerID,
		SellerID:   e.sellerID,
		Amount:     amount,
		Currency:   "usd",
	}
}

// createHeld creates a transaction and confirms capture.
func (e *testEnv) createHeld(t *testing.T, amount int64) *Transaction {
	t.Helper()
	ctx := context.Background()

	tx, _, err := e.svc.Create(ctx, e.createRequest(amount))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	held, err := e.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef)
	if err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}
	return held
}

// forceHoldExpired rewinds holdUntil so the automatic-release path fires.
func (e *testEnv) forceHoldExpired(t *testing.T, id string) {
	t.Helper()
	tx, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	tx.HoldUntil = &past
	if err := e.store.Update(context.Background(), tx); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestCreateComputesFeeSplit(t *testing.T) {
	env := newTestEnv(t)

	// $1,000.00 at 8% → $80.00 fee, $920.00 to the seller.
	tx, clientHandle, err := env.svc.Create(context.Background(), env.createRequest(100000))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if tx.PlatformFee != 8000 {
		t.Errorf("expected platform fee 8000, got %d", tx.PlatformFee)
	}
	if tx.SellerAmount != 92000 {
		t.Errorf("expected seller amount 92000, got %d", tx.SellerAmount)
	}
	if tx.Amount != tx.PlatformFee+tx.SellerAmount {
		t.Errorf("fee split does not sum to amount: %d + %d != %d", tx.PlatformFee, tx.SellerAmount, tx.Amount)
	}
	if tx.Status != StatusPending {
		t.Errorf("expected status pending, got %s", tx.Status)
	}
	if clientHandle == "" {
		t.Error("expected a client handle for the buyer")
	}
	if tx.ExternalPaymentRef == "" {
		t.Error("expected the gateway hold ref recorded")
	}
	if len(tx.ReleaseConditions) == 0 {
		t.Error("expected default release conditions applied")
	}
}

func TestPlatformFeeRounding(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		amount int64
		fee    int64
	}{
		{100000, 8000},
		{10000, 800},
		{10001, 800},  // 800.08 rounds down
		{10007, 801},  // 800.56 rounds up
		{99999, 8000}, // 7999.92 rounds up
	}
	for _, tt := range tests {
		if got := p.PlatformFee(tt.amount); got != tt.fee {
			t.Errorf("PlatformFee(%d) = %d, want %d", tt.amount, got, tt.fee)
		}
	}
}

func TestCreateRejectsBelowMinimum(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.Create(context.Background(), env.createRequest(5000))
	var verrs validation.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateRejectsWrongSeller(t *testing.T) {
	env := newTestEnv(t)

	req := env.createRequest(100000)
	req.SellerID = "seller-impostor"
	_, _, err := env.svc.Create(context.Background(), req)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-owner seller, got %v", err)
	}
}

func TestCreateRejectsUnknownPlatform(t *testing.T) {
	env := newTestEnv(t)

	req := env.createRequest(100000)
	req.PlatformID = "plt_missing"
	_, _, err := env.svc.Create(context.Background(), req)
	if !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("expected platform.ErrNotFound, got %v", err)
	}
}

func TestCreateRejectsUnknownCondition(t *testing.T) {
	env := newTestEnv(t)

	req := env.createRequest(100000)
	req.ReleaseConditions = []string{"good_vibes_only"}
	_, _, err := env.svc.Create(context.Background(), req)
	var unknown *conditions.UnknownConditionError
	if !errors.As(err, &unknown) {
		t.Errorf("expected UnknownConditionError, got %v", err)
	}
}

func TestConfirmCaptureSetsHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, _, _ := env.svc.Create(ctx, env.createRequest(100000))
	before := time.Now()

	held, err := env.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef)
	if err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}
	if held.Status != StatusHeld {
		t.Errorf("expected status held, got %s", held.Status)
	}
	if held.HoldUntil == nil {
		t.Fatal("expected holdUntil set")
	}
	want := before.Add(testPolicy().HoldPeriod)
	if held.HoldUntil.Before(want.Add(-time.Minute)) || held.HoldUntil.After(want.Add(time.Minute)) {
		t.Errorf("holdUntil %v not near now+30d", held.HoldUntil)
	}
	if !env.gw.Captured(tx.ExternalPaymentRef) {
		t.Error("expected gateway capture issued")
	}
}

func TestConfirmCaptureIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, _, _ := env.svc.Create(ctx, env.createRequest(100000))
	if _, err := env.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef); err != nil {
		t.Fatalf("first ConfirmCapture failed: %v", err)
	}
	again, err := env.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef)
	if err != nil {
		t.Fatalf("replayed ConfirmCapture failed: %v", err)
	}
	if again.Status != StatusHeld {
		t.Errorf("expected status held after replay, got %s", again.Status)
	}

	// Exactly one pending→held transition in the history.
	history, _ := env.svc.History(ctx, tx.ID)
	confirmed := 0
	for _, e := range history {
		if e.Action == "capture_confirmed" {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Errorf("expected exactly 1 capture_confirmed entry, got %d", confirmed)
	}
}

func TestReleaseByAdmin(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	released, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "manual override", nil)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected status released, got %s", released.Status)
	}
	if released.ExternalTransferRef == "" {
		t.Error("expected transfer ref set on release")
	}
	if env.gw.TransferCount() != 1 {
		t.Fatalf("expected 1 transfer, got %d", env.gw.TransferCount())
	}
	if got := env.gw.Transfers[0].Amount; got != 92000 {
		t.Errorf("expected seller share 92000 transferred, got %d", got)
	}
	if env.gw.Transfers[0].DestinationAccount != "acct_seller_1" {
		t.Errorf("transfer routed to wrong account: %s", env.gw.Transfers[0].DestinationAccount)
	}
}

func TestReleaseByBuyerRequiresHealthyDeployment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Second platform never deployed.
	pl, _ := env.platforms.Register(ctx, platform.RegisterRequest{
		SellerID: env.sellerID, Name: "CRM", PayoutAccount: "acct_seller_1",
	})
	req := env.createRequest(100000)
	req.PlatformID = pl.ID
	tx, _, err := env.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}

	// Before deployment the buyer is a valid principal but the condition is
	// unmet: the error must name it so the client knows to wait, not give up.
	_, err = env.svc.Release(ctx, tx.ID, env.buyerID, RoleBuyer, "looks good", nil)
	var condErr *ConditionsNotMetError
	if !errors.As(err, &condErr) {
		t.Fatalf("expected ConditionsNotMetError for buyer release before deployment, got %v", err)
	}
	found := false
	for _, name := range condErr.Unmet {
		if name == conditions.PlatformDeployed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s named in unmet conditions, got %v", conditions.PlatformDeployed, condErr.Unmet)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("unmet deployment condition must not read as an authorization failure")
	}

	// Deployed and healthy, buyer may release.
	if _, err := env.platforms.MarkDeployed(ctx, pl.ID); err != nil {
		t.Fatalf("MarkDeployed failed: %v", err)
	}
	released, err := env.svc.Release(ctx, tx.ID, env.buyerID, RoleBuyer, "deployment verified", nil)
	if err != nil {
		t.Fatalf("buyer release after deployment failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected status released, got %s", released.Status)
	}
}

func TestReleaseBySellerForbidden(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	_, err := env.svc.Release(context.Background(), tx.ID, env.sellerID, RoleSeller, "pay me", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for seller release, got %v", err)
	}
	if env.gw.TransferCount() != 0 {
		t.Error("no transfer may be issued on a denied release")
	}
}

func TestReleaseUnmetConditionNamed(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	_, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "",
		[]string{conditions.BuyerSatisfied})
	var condErr *ConditionsNotMetError
	if !errors.As(err, &condErr) {
		t.Fatalf("expected ConditionsNotMetError, got %v", err)
	}
	if len(condErr.Unmet) != 1 || condErr.Unmet[0] != conditions.BuyerSatisfied {
		t.Errorf("expected unmet [%s], got %v", conditions.BuyerSatisfied, condErr.Unmet)
	}

	fresh, _ := env.svc.Get(context.Background(), tx.ID)
	if fresh.Status != StatusHeld {
		t.Errorf("denied release must leave status held, got %s", fresh.Status)
	}
}

func TestReleaseWrongStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, _, _ := env.svc.Create(ctx, env.createRequest(100000))
	_, err := env.svc.Release(ctx, tx.ID, "admin-1", RoleAdmin, "", nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for pending release, got %v", err)
	}
}

func TestReleaseAfterSettlementConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	if _, err := env.svc.Release(ctx, tx.ID, "admin-1", RoleAdmin, "", nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, err := env.svc.Release(ctx, tx.ID, "admin-2", RoleAdmin, "", nil)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for second release, got %v", err)
	}
	if env.gw.TransferCount() != 1 {
		t.Errorf("expected exactly 1 transfer, got %d", env.gw.TransferCount())
	}
}

func TestReleaseCancelledWhileLockHeld(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	// Occupy the transaction's settlement lock, then let a second caller's
	// context expire while it waits. It must bail out instead of queueing.
	unlock, err := env.svc.locks.LockContext(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("failed to take settlement lock: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = env.svc.Release(waitCtx, tx.ID, "admin-1", RoleAdmin, "", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded for cancelled waiter, got %v", err)
	}
	if env.gw.TransferCount() != 0 {
		t.Error("cancelled waiter must not settle")
	}

	// Once the lock frees, release proceeds normally.
	unlock()
	released, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "", nil)
	if err != nil {
		t.Fatalf("Release after unlock failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected status released, got %s", released.Status)
	}
}

func TestConcurrentReleaseExactlyOneSucceeds(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict):
			conflicted++
		default:
			t.Errorf("unexpected error from concurrent release: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Errorf("expected exactly one success and one conflict, got %d/%d", succeeded, conflicted)
	}
	if env.gw.TransferCount() != 1 {
		t.Errorf("expected exactly 1 transfer, got %d", env.gw.TransferCount())
	}
}

func TestConcurrentReleaseAndRefund(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "", nil)
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.svc.Refund(context.Background(), tx.ID, "admin-1", RoleAdmin, "buyer request")
		results <- err
	}()
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}

	// Never both settled.
	fresh, _ := env.svc.Get(context.Background(), tx.ID)
	if env.gw.TransferCount()+len(env.gw.Refunds) != 1 {
		t.Errorf("expected exactly one gateway settlement, got %d transfers and %d refunds",
			env.gw.TransferCount(), len(env.gw.Refunds))
	}
	if fresh.ExternalTransferRef != "" && fresh.ExternalRefundRef != "" {
		t.Error("transaction carries both transfer and refund refs")
	}
	if (fresh.Status == StatusReleased) != (fresh.ExternalTransferRef != "") {
		t.Error("transferRef must be set iff status is released")
	}
	if (fresh.Status == StatusRefunded) != (fresh.ExternalRefundRef != "") {
		t.Error("refundRef must be set iff status is refunded")
	}
}

func TestGatewayFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	env.gw.FailTransfer = errors.New("processor down")
	_, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "", nil)
	if !gateway.IsGatewayError(err) {
		t.Fatalf("expected gateway error, got %v", err)
	}

	fresh, _ := env.svc.Get(context.Background(), tx.ID)
	if fresh.Status != StatusHeld {
		t.Errorf("gateway failure must leave status held, got %s", fresh.Status)
	}
	if fresh.ExternalTransferRef != "" {
		t.Error("no transfer ref may be recorded on failure")
	}

	// Retry after recovery succeeds.
	env.gw.FailTransfer = nil
	if _, err := env.svc.Release(context.Background(), tx.ID, "admin-1", RoleAdmin, "", nil); err != nil {
		t.Fatalf("retry after gateway recovery failed: %v", err)
	}
}

func TestRefundFromHeld(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	refunded, err := env.svc.Refund(context.Background(), tx.ID, env.buyerID, RoleBuyer, "changed my mind")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Errorf("expected status refunded, got %s", refunded.Status)
	}
	if refunded.ExternalRefundRef == "" {
		t.Error("expected refund ref set")
	}
}

func TestRefundForbiddenAfterRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	if _, err := env.svc.Release(ctx, tx.ID, "admin-1", RoleAdmin, "", nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, err := env.svc.Refund(ctx, tx.ID, "admin-1", RoleAdmin, "too late")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict refunding a released transaction, got %v", err)
	}
	if len(env.gw.Refunds) != 0 {
		t.Error("no refund may be issued for a released transaction")
	}
}

func TestRefundByStrangerForbidden(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	_, err := env.svc.Refund(context.Background(), tx.ID, "rando-9", RoleBuyer, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	// Seller files a dispute.
	d, err := env.svc.FileDispute(ctx, tx.ID, env.sellerID, RoleSeller, "buyer_withholding", "deployment is fine", nil)
	if err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}
	if d.Status != dispute.StatusOpen {
		t.Errorf("expected dispute open, got %s", d.Status)
	}
	fresh, _ := env.svc.Get(ctx, tx.ID)
	if fresh.Status != StatusDisputed {
		t.Errorf("expected transaction disputed, got %s", fresh.Status)
	}

	// Dispute blocks release.
	_, err = env.svc.Release(ctx, tx.ID, env.buyerID, RoleBuyer, "", nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected release blocked while disputed, got %v", err)
	}

	// And blocks non-admin refunds.
	_, err = env.svc.Refund(ctx, tx.ID, env.buyerID, RoleBuyer, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected non-admin refund blocked while disputed, got %v", err)
	}

	// Admin resolves with refund.
	resolvedTx, resolvedDispute, err := env.svc.ResolveDispute(ctx, d.ID, dispute.ResolutionRefund, "admin-1", RoleAdmin, "platform never worked")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolvedTx.Status != StatusRefunded {
		t.Errorf("expected status refunded, got %s", resolvedTx.Status)
	}
	if resolvedDispute.Status != dispute.StatusResolved {
		t.Errorf("expected dispute resolved, got %s", resolvedDispute.Status)
	}
	if resolvedTx.ExternalRefundRef == "" {
		t.Error("expected refund ref recorded")
	}
}

func TestResolveDisputeReleaseBypassesConditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Platform never deployed, so normal release conditions cannot hold.
	pl, _ := env.platforms.Register(ctx, platform.RegisterRequest{
		SellerID: env.sellerID, Name: "CRM", PayoutAccount: "acct_seller_1",
	})
	req := env.createRequest(100000)
	req.PlatformID = pl.ID
	tx, _, _ := env.svc.Create(ctx, req)
	if _, err := env.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}

	d, err := env.svc.FileDispute(ctx, tx.ID, env.buyerID, RoleBuyer, "not_deployed", "", nil)
	if err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}

	resolvedTx, _, err := env.svc.ResolveDispute(ctx, d.ID, dispute.ResolutionRelease, "admin-1", RoleAdmin, "seller evidence accepted")
	if err != nil {
		t.Fatalf("ResolveDispute release failed: %v", err)
	}
	if resolvedTx.Status != StatusReleased {
		t.Errorf("expected status released, got %s", resolvedTx.Status)
	}
}

func TestFileDisputeDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	if _, err := env.svc.FileDispute(ctx, tx.ID, env.buyerID, RoleBuyer, "broken", "", nil); err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}
	_, err := env.svc.FileDispute(ctx, tx.ID, env.sellerID, RoleSeller, "counter", "", nil)
	if !errors.Is(err, ErrInvalidStatus) && !errors.Is(err, dispute.ErrDuplicateDispute) {
		t.Errorf("expected duplicate filing rejected, got %v", err)
	}
}

func TestFileDisputeByStrangerForbidden(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createHeld(t, 100000)

	_, err := env.svc.FileDispute(context.Background(), tx.ID, "rando-9", RoleBuyer, "spite", "", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFileDisputeWrongStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	if _, err := env.svc.Release(ctx, tx.ID, "admin-1", RoleAdmin, "", nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, err := env.svc.FileDispute(ctx, tx.ID, env.buyerID, RoleBuyer, "too late", "", nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus filing against released, got %v", err)
	}
}

func TestAutomaticRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)
	env.forceHoldExpired(t, tx.ID)

	if err := env.svc.ProcessAutomaticRelease(ctx, tx.ID); err != nil {
		t.Fatalf("ProcessAutomaticRelease failed: %v", err)
	}

	fresh, _ := env.svc.Get(ctx, tx.ID)
	if fresh.Status != StatusReleased {
		t.Fatalf("expected status released, got %s", fresh.Status)
	}
	if fresh.ReleaseReason != ReasonAutomaticRelease {
		t.Errorf("expected release reason %q, got %q", ReasonAutomaticRelease, fresh.ReleaseReason)
	}
}

func TestAutomaticReleaseStaleTimerNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)
	env.forceHoldExpired(t, tx.ID)

	// Settled between the sweep's list query and lock acquisition.
	if _, err := env.svc.Refund(ctx, tx.ID, "admin-1", RoleAdmin, ""); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	if err := env.svc.ProcessAutomaticRelease(ctx, tx.ID); err != nil {
		t.Fatalf("stale timer must be a no-op, got %v", err)
	}
	fresh, _ := env.svc.Get(ctx, tx.ID)
	if fresh.Status != StatusRefunded {
		t.Errorf("stale timer changed status to %s", fresh.Status)
	}
	if env.gw.TransferCount() != 0 {
		t.Error("stale timer issued a transfer")
	}
}

func TestAutomaticReleaseBlockedByDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)
	env.forceHoldExpired(t, tx.ID)

	if _, err := env.svc.FileDispute(ctx, tx.ID, env.buyerID, RoleBuyer, "broken", "", nil); err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}

	if err := env.svc.ProcessAutomaticRelease(ctx, tx.ID); err != nil {
		t.Fatalf("ProcessAutomaticRelease failed: %v", err)
	}
	fresh, _ := env.svc.Get(ctx, tx.ID)
	if fresh.Status != StatusDisputed {
		t.Errorf("expected status to stay disputed, got %s", fresh.Status)
	}
	if env.gw.TransferCount() != 0 {
		t.Error("disputed transaction must not auto-release")
	}
}

func TestAutomaticReleaseExtendsThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Platform never deployed: the deployment condition stays unmet.
	pl, _ := env.platforms.Register(ctx, platform.RegisterRequest{
		SellerID: env.sellerID, Name: "CRM", PayoutAccount: "acct_seller_1",
	})
	req := env.createRequest(100000)
	req.PlatformID = pl.ID
	tx, _, _ := env.svc.Create(ctx, req)
	if _, err := env.svc.ConfirmCapture(ctx, tx.ExternalPaymentRef); err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}

	for i := 1; i <= testPolicy().MaxHoldExtensions; i++ {
		env.forceHoldExpired(t, tx.ID)
		if err := env.svc.ProcessAutomaticRelease(ctx, tx.ID); err != nil {
			t.Fatalf("sweep %d failed: %v", i, err)
		}
		fresh, _ := env.svc.Get(ctx, tx.ID)
		if fresh.HoldExtensions != i {
			t.Fatalf("expected %d extensions, got %d", i, fresh.HoldExtensions)
		}
		if fresh.Status != StatusHeld {
			t.Fatalf("expected status held during grace, got %s", fresh.Status)
		}
		if !fresh.HoldUntil.After(time.Now()) {
			t.Fatal("expected holdUntil pushed into the future")
		}
	}

	// One more expiry exhausts the extensions and escalates.
	env.forceHoldExpired(t, tx.ID)
	if err := env.svc.ProcessAutomaticRelease(ctx, tx.ID); err != nil {
		t.Fatalf("escalation sweep failed: %v", err)
	}
	fresh, _ := env.svc.Get(ctx, tx.ID)
	if !fresh.RequiresReview {
		t.Error("expected manual review flag after exhausting extensions")
	}
	if fresh.Status != StatusHeld {
		t.Errorf("review escalation must keep funds held, got %s", fresh.Status)
	}
	if env.gw.TransferCount() != 0 {
		t.Error("no transfer may be issued while conditions are unmet")
	}

	// The sweep skips transactions flagged for review.
	listed, _ := env.store.ListReleasable(ctx, time.Now().Add(time.Hour), 100)
	for _, l := range listed {
		if l.ID == tx.ID {
			t.Error("review-flagged transaction still listed as releasable")
		}
	}
}

func TestMarkCaptureFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, _, _ := env.svc.Create(ctx, env.createRequest(100000))
	failed, err := env.svc.MarkCaptureFailed(ctx, tx.ExternalPaymentRef, "card_declined")
	if err != nil {
		t.Fatalf("MarkCaptureFailed failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("expected status failed, got %s", failed.Status)
	}

	// Late failure events for an already-held transaction are ignored.
	tx2 := env.createHeld(t, 100000)
	kept, err := env.svc.MarkCaptureFailed(ctx, tx2.ExternalPaymentRef, "stale event")
	if err != nil {
		t.Fatalf("MarkCaptureFailed failed: %v", err)
	}
	if kept.Status != StatusHeld {
		t.Errorf("late failure event must not move held transaction, got %s", kept.Status)
	}
}

func TestEscalateProcessorDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	if err := env.svc.EscalateProcessorDispute(ctx, tx.ExternalPaymentRef, "fraudulent"); err != nil {
		t.Fatalf("EscalateProcessorDispute failed: %v", err)
	}
	fresh, _ := env.svc.Get(ctx, tx.ID)
	if fresh.Status != StatusDisputed {
		t.Errorf("expected status disputed, got %s", fresh.Status)
	}

	// Redelivery is idempotent.
	if err := env.svc.EscalateProcessorDispute(ctx, tx.ExternalPaymentRef, "fraudulent"); err != nil {
		t.Fatalf("redelivered escalation failed: %v", err)
	}
}

func TestTimerSweepReleasesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)
	env.forceHoldExpired(t, tx.ID)

	tm := NewTimer(env.svc, env.store, slog.Default())
	tm.sweep(ctx)

	fresh, _ := env.svc.Get(ctx, tx.ID)
	if fresh.Status != StatusReleased {
		t.Errorf("expected sweep to release, got %s", fresh.Status)
	}
}

func TestHistoryRecordsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.createHeld(t, 100000)

	_, _ = env.svc.Release(ctx, tx.ID, env.sellerID, RoleSeller, "", nil)

	history, _ := env.svc.History(ctx, tx.ID)
	var denied bool
	for _, e := range history {
		if e.Action == "release_denied" {
			denied = true
		}
	}
	if !denied {
		t.Error("expected denied release recorded in history")
	}
}
