package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/launchbay/launchbay/internal/conditions"
	"github.com/launchbay/launchbay/internal/dispute"
	"github.com/launchbay/launchbay/internal/gateway"
	"github.com/launchbay/launchbay/internal/idgen"
	"github.com/launchbay/launchbay/internal/ledger"
	"github.com/launchbay/launchbay/internal/metrics"
	"github.com/launchbay/launchbay/internal/notify"
	"github.com/launchbay/launchbay/internal/platform"
	"github.com/launchbay/launchbay/internal/syncutil"
	"github.com/launchbay/launchbay/internal/validation"
)

// Triggers for state transitions, used in history and metrics.
const (
	TriggerAPI     = "api"
	TriggerWebhook = "webhook"
	TriggerTimer   = "timer"
	TriggerDispute = "dispute_resolution"
)

// ReasonAutomaticRelease marks releases performed by the hold-expiry sweep.
const ReasonAutomaticRelease = "automatic_release"

// PlatformDirectory resolves platform ownership and payout routing.
type PlatformDirectory interface {
	Get(ctx context.Context, id string) (*platform.Platform, error)
}

// ConditionChecker verifies named release conditions.
type ConditionChecker interface {
	Unmet(ctx context.Context, subject conditions.Subject, conds []string) ([]string, error)
}

// DisputeService is the slice of the dispute manager the engine drives.
type DisputeService interface {
	File(ctx context.Context, req dispute.FileRequest) (*dispute.Dispute, error)
	Get(ctx context.Context, id string) (*dispute.Dispute, error)
	Resolve(ctx context.Context, id, resolution, resolvedBy, note string) (*dispute.Dispute, error)
	HasOpenDispute(ctx context.Context, transactionID string) (bool, error)
}

// Service implements the escrow settlement state machine.
type Service struct {
	store     Store
	gateway   gateway.Gateway
	platforms PlatformDirectory
	disputes  DisputeService
	checker   ConditionChecker
	events    *ledger.Ledger
	notifier  notify.Notifier
	policy    Policy
	locks     syncutil.ContextShardedMutex
	logger    *slog.Logger
}

// NewService creates a new escrow service.
func NewService(
	store Store,
	gw gateway.Gateway,
	platforms PlatformDirectory,
	disputes DisputeService,
	checker ConditionChecker,
	events *ledger.Ledger,
	notifier notify.Notifier,
	policy Policy,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     store,
		gateway:   gw,
		platforms: platforms,
		disputes:  disputes,
		checker:   checker,
		events:    events,
		notifier:  notifier,
		policy:    policy,
		logger:    logger,
	}
}

// DefaultReleaseConditions gate automatic release when the buyer asks for
// nothing more specific.
func DefaultReleaseConditions() []string {
	return []string{conditions.PlatformDeployed, conditions.NoDisputesFiled}
}

// Create validates the purchase, requests a payment hold from the gateway,
// and persists a pending transaction. The returned client handle is passed to
// the buyer's client to complete payment; it is never stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, string, error) {
	if verrs := validation.Validate(
		validation.Required("platformId", req.PlatformID),
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MinAmount("amount", req.Amount, s.policy.MinAmountMinor),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
	); len(verrs) > 0 {
		return nil, "", verrs
	}
	if req.BuyerID == req.SellerID {
		return nil, "", validation.ValidationErrors{{Field: "buyerId", Message: "buyer and seller cannot be the same party"}}
	}

	pl, err := s.platforms.Get(ctx, req.PlatformID)
	if err != nil {
		return nil, "", err
	}
	if pl.SellerID != req.SellerID {
		return nil, "", ErrUnauthorized
	}

	conds := req.ReleaseConditions
	if len(conds) == 0 {
		conds = DefaultReleaseConditions()
	}
	if err := conditions.Known(conds); err != nil {
		return nil, "", err
	}

	fee := s.policy.PlatformFee(req.Amount)
	now := time.Now()
	tx := &Transaction{
		ID:                idgen.WithPrefix("esc_"),
		PlatformID:        req.PlatformID,
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		Amount:            req.Amount,
		Currency:          strings.ToLower(req.Currency),
		Description:       validation.SanitizeString(req.Description, validation.MaxStringLength),
		PlatformFee:       fee,
		SellerAmount:      req.Amount - fee,
		Status:            StatusPending,
		ReleaseConditions: conds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	hold, err := s.gateway.CreateHold(ctx, gateway.HoldRequest{
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		DestinationAccount: pl.PayoutAccount,
		TransferAmount:     tx.SellerAmount,
		Metadata: map[string]string{
			"escrow_transaction_id": tx.ID,
			"platform_id":           tx.PlatformID,
			"buyer_id":              tx.BuyerID,
			"seller_id":             tx.SellerID,
		},
	})
	if err != nil {
		metrics.EscrowFailuresTotal.WithLabelValues("gateway").Inc()
		return nil, "", err
	}
	tx.ExternalPaymentRef = hold.ExternalRef

	if err := s.store.Create(ctx, tx); err != nil {
		// The uncaptured hold expires at the processor on its own.
		return nil, "", fmt.Errorf("failed to persist escrow transaction: %w", err)
	}

	s.record(ctx, tx, tx.BuyerID, RoleBuyer, "created", map[string]string{
		"amount":      strconv.FormatInt(tx.Amount, 10),
		"platformFee": strconv.FormatInt(tx.PlatformFee, 10),
		"paymentRef":  tx.ExternalPaymentRef,
	})
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending), TriggerAPI).Inc()
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventEscrowCreated, []string{tx.BuyerID, tx.SellerID}, map[string]interface{}{
		"escrowTransactionId": tx.ID,
		"platformId":          tx.PlatformID,
		"amount":              tx.Amount,
	}))

	return tx, hold.ClientHandle, nil
}

// ConfirmCapture transitions pending → held once the processor confirms the
// buyer's payment. Idempotent: replaying the confirmation for a transaction
// already past pending returns the current state without a second transition.
func (s *Service) ConfirmCapture(ctx context.Context, externalPaymentRef string) (*Transaction, error) {
	tx, err := s.store.GetByPaymentRef(ctx, externalPaymentRef)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		// Duplicate or late delivery; the first confirmation won.
		return tx, nil
	}

	receipt, err := s.gateway.Capture(ctx, externalPaymentRef)
	if err != nil {
		metrics.EscrowFailuresTotal.WithLabelValues("gateway").Inc()
		return nil, err
	}

	now := time.Now()
	holdUntil := now.Add(s.policy.HoldPeriod)
	tx.Status = StatusHeld
	tx.HeldAt = &receipt.CapturedAt
	tx.HoldUntil = &holdUntil
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.record(ctx, tx, "payment_processor", "system", "capture_confirmed", map[string]string{
		"paymentRef": externalPaymentRef,
		"holdUntil":  holdUntil.Format(time.RFC3339),
	})
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld), TriggerWebhook).Inc()
	metrics.EscrowHeldAmount.Add(float64(tx.Amount))
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventEscrowHeld, []string{tx.BuyerID, tx.SellerID}, map[string]interface{}{
		"escrowTransactionId": tx.ID,
		"holdUntil":           holdUntil,
	}))

	return tx, nil
}

// MarkCaptureFailed moves a pending transaction to the terminal failed state
// after the processor reports the payment could not complete. A transaction
// already past pending is left untouched.
func (s *Service) MarkCaptureFailed(ctx context.Context, externalPaymentRef, reason string) (*Transaction, error) {
	tx, err := s.store.GetByPaymentRef(ctx, externalPaymentRef)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return tx, nil
	}

	now := time.Now()
	tx.Status = StatusFailed
	tx.UpdatedAt = now
	tx.SettledAt = &now
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.record(ctx, tx, "payment_processor", "system", "capture_failed", map[string]string{
		"reason": reason,
	})
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusFailed), TriggerWebhook).Inc()
	metrics.EscrowFailuresTotal.WithLabelValues("capture_failed").Inc()
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventCaptureFailed, []string{tx.BuyerID, tx.SellerID}, map[string]interface{}{
		"escrowTransactionId": tx.ID,
		"reason":              reason,
	}))

	return tx, nil
}

// Release transfers the seller share out of escrow. Requires status held,
// passes the authorization matrix, and verifies every gated condition. A
// gateway failure leaves the transaction held with no partial state.
func (s *Service) Release(ctx context.Context, id, actorID, actorRole, reason string, requested []string) (*Transaction, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case StatusHeld:
	case StatusReleased, StatusRefunded:
		// A concurrent settlement won the race.
		return nil, ErrConflict
	default:
		return nil, ErrInvalidStatus
	}

	if err := s.authorizeRelease(tx, actorID, actorRole); err != nil {
		metrics.EscrowFailuresTotal.WithLabelValues("unauthorized").Inc()
		s.record(ctx, tx, actorID, actorRole, "release_denied", map[string]string{"reason": "unauthorized"})
		return nil, err
	}

	// Admins verify only what they explicitly request; everyone else also
	// re-verifies the conditions attached at creation. Buyers additionally
	// always re-verify deployment health, so a buyer blocked by an undeployed
	// platform sees the unmet condition by name rather than a terminal denial.
	conds := requested
	if actorRole != RoleAdmin {
		conds = mergeConditions(tx.ReleaseConditions, requested)
	}
	if actorRole == RoleBuyer {
		conds = mergeConditions(conds, []string{conditions.PlatformDeployed})
	}
	if err := s.verifyConditions(ctx, tx, actorID, actorRole, conds); err != nil {
		return nil, err
	}

	return s.settleRelease(ctx, tx, actorID, actorRole, reason, TriggerAPI)
}

// authorizeRelease answers only "may this identity ever release"; whether the
// release conditions hold is the condition checker's call, so the two failure
// modes stay distinguishable to clients.
func (s *Service) authorizeRelease(tx *Transaction, actorID, actorRole string) error {
	switch actorRole {
	case RoleAdmin:
		return nil
	case RoleBuyer:
		if actorID != tx.BuyerID {
			return ErrUnauthorized
		}
		return nil
	default:
		// Sellers never release their own payout.
		return ErrUnauthorized
	}
}

func (s *Service) verifyConditions(ctx context.Context, tx *Transaction, actorID, actorRole string, conds []string) error {
	if len(conds) == 0 {
		return nil
	}
	unmet, err := s.checker.Unmet(ctx, s.subject(tx), conds)
	if len(unmet) > 0 {
		metrics.EscrowFailuresTotal.WithLabelValues("conditions_not_met").Inc()
		s.record(ctx, tx, actorID, actorRole, "release_denied", map[string]string{
			"reason": "conditions_not_met",
			"unmet":  strings.Join(unmet, ","),
		})
		return &ConditionsNotMetError{Unmet: unmet}
	}
	return err
}

// settleRelease performs the gateway transfer and commits the transition.
// Callers must hold the per-transaction lock.
func (s *Service) settleRelease(ctx context.Context, tx *Transaction, actorID, actorRole, reason, trigger string) (*Transaction, error) {
	pl, err := s.platforms.Get(ctx, tx.PlatformID)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.Transfer(ctx, gateway.TransferRequest{
		DestinationAccount: pl.PayoutAccount,
		Amount:             tx.SellerAmount,
		Currency:           tx.Currency,
		Metadata: map[string]string{
			"escrow_transaction_id": tx.ID,
			"reason":                reason,
		},
	})
	if err != nil {
		metrics.EscrowFailuresTotal.WithLabelValues("gateway").Inc()
		s.record(ctx, tx, actorID, actorRole, "release_failed", map[string]string{"error": err.Error()})
		return nil, err
	}

	now := time.Now()
	tx.Status = StatusReleased
	tx.ExternalTransferRef = result.TransferRef
	tx.ReleaseReason = reason
	tx.UpdatedAt = now
	tx.SettledAt = &now
	if err := s.store.Update(ctx, tx); err != nil {
		if errors.Is(err, ErrConflict) {
			// Funds moved but the record was settled concurrently. This is the
			// one state the engine cannot repair on its own.
			s.logger.Error("transfer issued but status update conflicted; manual reconciliation required",
				"transactionId", tx.ID, "transferRef", result.TransferRef)
		}
		return nil, err
	}

	s.record(ctx, tx, actorID, actorRole, "released", map[string]string{
		"transferRef": result.TransferRef,
		"amount":      strconv.FormatInt(tx.SellerAmount, 10),
		"reason":      reason,
		"trigger":     trigger,
	})
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased), trigger).Inc()
	metrics.EscrowHeldAmount.Sub(float64(tx.Amount))
	metrics.EscrowSettleDuration.Observe(now.Sub(tx.CreatedAt).Seconds())
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventEscrowReleased, []string{tx.BuyerID, tx.SellerID}, map[string]interface{}{
		"escrowTransactionId": tx.ID,
		"transferRef":         result.TransferRef,
		"releasedAmount":      tx.SellerAmount,
		"platformFee":         tx.PlatformFee,
	}))

	return tx, nil
}

// Refund returns the full amount to the buyer. Allowed from pending, held,
// and (admin-only) disputed; forbidden once released.
func (s *Service) Refund(ctx context.Context, id, actorID, actorRole, reason string) (*Transaction, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case StatusPending, StatusHeld:
	case StatusDisputed:
		// A dispute freezes settlement for everyone but the arbiter.
		if actorRole != RoleAdmin {
			return nil, ErrUnauthorized
		}
	case StatusReleased, StatusRefunded:
		return nil, ErrConflict
	default:
		return nil, ErrInvalidStatus
	}

	if actorRole != RoleAdmin && !tx.IsPrincipal(actorID) {
		metrics.EscrowFailuresTotal.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	return s.settleRefund(ctx, tx, actorID, actorRole, reason, TriggerAPI)
}

// settleRefund performs the gateway refund and commits the transition.
// Callers must hold the per-transaction lock.
func (s *Service) settleRefund(ctx context.Context, tx *Transaction, actorID, actorRole, reason, trigger string) (*Transaction, error) {
	wasHeld := tx.Status == StatusHeld || tx.Status == StatusDisputed

	result, err := s.gateway.Refund(ctx, tx.ExternalPaymentRef, map[string]string{
		"escrow_transaction_id": tx.ID,
		"reason":                reason,
	})
	if err != nil {
		metrics.EscrowFailuresTotal.WithLabelValues("gateway").Inc()
		s.record(ctx, tx, actorID, actorRole, "refund_failed", map[string]string{"error": err.Error()})
		return nil, err
	}

	now := time.Now()
	tx.Status = StatusRefunded
	tx.ExternalRefundRef = result.RefundRef
	tx.UpdatedAt = now
	tx.SettledAt = &now
	if err := s.store.Update(ctx, tx); err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Error("refund issued but status update conflicted; manual reconciliation required",
				"transactionId", tx.ID, "refundRef", result.RefundRef)
		}
		return nil, err
	}

	s.record(ctx, tx, actorID, actorRole, "refunded", map[string]string{
		"refundRef": result.RefundRef,
		"reason":    reason,
		"trigger":   trigger,
	})
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded), trigger).Inc()
	if wasHeld {
		metrics.EscrowHeldAmount.Sub(float64(tx.Amount))
	}
	metrics.EscrowSettleDuration.Observe(now.Sub(tx.CreatedAt).Seconds())
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventEscrowRefunded, []string{tx.BuyerID, tx.SellerID}, map[string]interface{}{
		"escrowTransactionId": tx.ID,
		"refundRef":           result.RefundRef,
		"amount":              tx.Amount,
	}))

	return tx, nil
}

// FileDispute opens a dispute and pauses settlement. Allowed from pending and
// held; the filer must be a transaction principal or an admin.
func (s *Service) FileDispute(ctx context.Context, id, actorID, actorRole, reason, description string, evidence []string) (*dispute.Dispute, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending && tx.Status != StatusHeld {
		return nil, ErrInvalidStatus
	}
	if actorRole != RoleAdmin && !tx.IsPrincipal(actorID) {
		metrics.EscrowFailuresTotal.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	d, err := s.disputes.File(ctx, dispute.FileRequest{
		TransactionID: tx.ID,
		Reason:        reason,
		Description:   description,
		Evidence:      evidence,
		FiledBy:       actorID,
		FiledByRole:   actorRole,
	})
	if err != nil {
		return nil, err
	}

	tx.Status = StatusDisputed
	tx.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.record(ctx, tx, actorID, actorRole, "disputed", map[string]string{
		"disputeId": d.ID,
		"reason":    reason,
	})
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed), TriggerAPI).Inc()
	metrics.DisputesOpenedTotal.WithLabelValues(actorRole).Inc()
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventEscrowDisputed,
		[]string{tx.BuyerID, tx.SellerID, s.policy.SupportRecipient},
		map[string]interface{}{
			"escrowTransactionId": tx.ID,
			"disputeId":           d.ID,
			"reason":              reason,
		}))

	return d, nil
}

// ResolveDispute applies an admin decision: release or refund, bypassing
// condition checks, then marks the dispute resolved.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, resolution, resolvedBy, actorRole, note string) (*Transaction, *dispute.Dispute, error) {
	if actorRole != RoleAdmin {
		return nil, nil, ErrUnauthorized
	}
	if resolution != dispute.ResolutionRelease && resolution != dispute.ResolutionRefund {
		return nil, nil, dispute.ErrInvalidResolution
	}

	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := s.locks.LockContext(ctx, d.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if tx.Status != StatusDisputed {
		return nil, nil, ErrInvalidStatus
	}

	switch resolution {
	case dispute.ResolutionRelease:
		tx, err = s.settleRelease(ctx, tx, resolvedBy, RoleAdmin, "dispute_resolved_release", TriggerDispute)
	case dispute.ResolutionRefund:
		tx, err = s.settleRefund(ctx, tx, resolvedBy, RoleAdmin, "dispute_resolved_refund", TriggerDispute)
	}
	if err != nil {
		return nil, nil, err
	}

	resolved, err := s.disputes.Resolve(ctx, disputeID, resolution, resolvedBy, note)
	if err != nil {
		// Settlement already committed; the dispute record lags behind.
		s.logger.Error("settlement applied but dispute resolution failed",
			"disputeId", disputeID, "transactionId", tx.ID, "error", err)
		return tx, nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(resolution).Inc()
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventDisputeResolved,
		[]string{tx.BuyerID, tx.SellerID, s.policy.SupportRecipient},
		map[string]interface{}{
			"escrowTransactionId": tx.ID,
			"disputeId":           disputeID,
			"resolution":          resolution,
		}))

	return tx, resolved, nil
}

// ProcessAutomaticRelease settles a held transaction whose hold period has
// elapsed. If the default conditions do not hold it extends the hold by the
// grace period, escalating to manual review after too many extensions. A
// transaction that already left held is a no-op.
func (s *Service) ProcessAutomaticRelease(ctx context.Context, id string) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	// Stale-timer guard: a dispute, release, or refund may have happened
	// between the sweep's list query and this lock acquisition.
	if tx.Status != StatusHeld || tx.RequiresReview {
		return nil
	}
	if tx.HoldUntil == nil || time.Now().Before(*tx.HoldUntil) {
		return nil
	}

	// Automatic release always re-checks for open disputes, even when the
	// transaction's own condition set omits no_disputes_filed.
	conds := mergeConditions(tx.ReleaseConditions, []string{conditions.NoDisputesFiled})
	unmet, err := s.checker.Unmet(ctx, s.subject(tx), conds)
	if err != nil {
		var unknown *conditions.UnknownConditionError
		if !errors.As(err, &unknown) {
			return err
		}
	}

	if len(unmet) == 0 {
		_, err := s.settleRelease(ctx, tx, "system", "system", ReasonAutomaticRelease, TriggerTimer)
		return err
	}

	now := time.Now()
	if tx.HoldExtensions < s.policy.MaxHoldExtensions {
		extended := now.Add(s.policy.GracePeriod)
		tx.HoldUntil = &extended
		tx.HoldExtensions++
		tx.UpdatedAt = now
		if err := s.store.Update(ctx, tx); err != nil {
			return err
		}
		s.record(ctx, tx, "system", "system", "hold_extended", map[string]string{
			"holdUntil":  extended.Format(time.RFC3339),
			"extensions": strconv.Itoa(tx.HoldExtensions),
			"unmet":      strings.Join(unmet, ","),
		})
		s.notifier.Notify(ctx, notify.NewEvent(notify.EventHoldExtended, []string{tx.BuyerID, tx.SellerID}, map[string]interface{}{
			"escrowTransactionId": tx.ID,
			"holdUntil":           extended,
			"unmetConditions":     unmet,
		}))
		return nil
	}

	tx.RequiresReview = true
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx); err != nil {
		return err
	}
	s.record(ctx, tx, "system", "system", "review_required", map[string]string{
		"extensions": strconv.Itoa(tx.HoldExtensions),
		"unmet":      strings.Join(unmet, ","),
	})
	metrics.EscrowFailuresTotal.WithLabelValues("review_required").Inc()
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventReviewRequired,
		[]string{s.policy.SupportRecipient},
		map[string]interface{}{
			"escrowTransactionId": tx.ID,
			"unmetConditions":     unmet,
		}))
	return nil
}

// RecordTransferReconciliation logs a processor transfer confirmation against
// the transaction that initiated it. The transition itself already happened
// synchronously during release.
func (s *Service) RecordTransferReconciliation(ctx context.Context, transferRef string) error {
	tx, err := s.store.GetByTransferRef(ctx, transferRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("transfer confirmation for unknown transaction", "transferRef", transferRef)
			return nil
		}
		return err
	}
	s.record(ctx, tx, "payment_processor", "system", "transfer_confirmed", map[string]string{
		"transferRef": transferRef,
	})
	return nil
}

// EscalateProcessorDispute handles a chargeback-style dispute raised at the
// processor. Disputable transactions get a marketplace dispute filed on the
// buyer's behalf; settled ones are flagged for support instead.
func (s *Service) EscalateProcessorDispute(ctx context.Context, externalPaymentRef, reason string) error {
	tx, err := s.store.GetByPaymentRef(ctx, externalPaymentRef)
	if err != nil {
		return err
	}

	if tx.Status == StatusPending || tx.Status == StatusHeld {
		_, err := s.FileDispute(ctx, tx.ID, tx.BuyerID, RoleAdmin, "processor_dispute", reason, nil)
		if errors.Is(err, dispute.ErrDuplicateDispute) {
			return nil
		}
		return err
	}

	s.record(ctx, tx, "payment_processor", "system", "processor_dispute_received", map[string]string{
		"reason": reason,
		"status": string(tx.Status),
	})
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventEscrowDisputed,
		[]string{s.policy.SupportRecipient},
		map[string]interface{}{
			"escrowTransactionId": tx.ID,
			"reason":              reason,
			"source":              "payment_processor",
		}))
	return nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// History returns the append-only event trail for a transaction.
func (s *Service) History(ctx context.Context, id string) ([]*ledger.Entry, error) {
	return s.events.History(ctx, id, 0)
}

// ListByParty returns transactions where the party is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, limit)
}

func (s *Service) subject(tx *Transaction) conditions.Subject {
	return conditions.Subject{
		TransactionID: tx.ID,
		PlatformID:    tx.PlatformID,
		BuyerID:       tx.BuyerID,
	}
}

func (s *Service) record(ctx context.Context, tx *Transaction, actor, actorRole, action string, payload map[string]string) {
	if err := s.events.Record(ctx, tx.ID, actor, actorRole, action, payload); err != nil {
		s.logger.Warn("failed to record history entry", "transactionId", tx.ID, "action", action, "error", err)
	}
}

func mergeConditions(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, c := range append(append([]string(nil), base...), extra...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
