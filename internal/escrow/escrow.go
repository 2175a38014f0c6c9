// Package escrow implements the settlement engine for marketplace purchases.
//
// Flow:
//  1. Buyer purchases a platform → gateway hold created, record is pending
//  2. Processor confirms capture → funds held, holdUntil scheduled
//  3. Release conditions verified → seller share transferred, released
//  4. Or: refund to buyer, or a dispute pauses settlement until resolved
//  5. holdUntil elapses → automatic release if conditions hold
//
// The engine is the sole mutator of transaction status. Every mutating
// operation runs under per-transaction mutual exclusion plus an optimistic
// version check in the store, so concurrent settlements cannot both succeed.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("escrow transaction not found")
	ErrInvalidStatus = errors.New("invalid transaction status for this operation")
	ErrUnauthorized  = errors.New("not authorized for this escrow operation")
	ErrConflict      = errors.New("transaction was settled concurrently")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending  Status = "pending"  // Hold created, awaiting capture confirmation
	StatusHeld     Status = "held"     // Funds captured, awaiting release or refund
	StatusReleased Status = "released" // Seller share transferred
	StatusRefunded Status = "refunded" // Buyer refunded
	StatusDisputed Status = "disputed" // Settlement paused pending dispute resolution
	StatusFailed   Status = "failed"   // Capture failed, hold never completed
)

// Actor roles.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// Transaction is a tracked hold of buyer funds pending release or refund.
type Transaction struct {
	ID                  string     `json:"id"`
	PlatformID          string     `json:"platformId"`
	BuyerID             string     `json:"buyerId"`
	SellerID            string     `json:"sellerId"`
	Amount              int64      `json:"amount"`
	Currency            string     `json:"currency"`
	Description         string     `json:"description,omitempty"`
	PlatformFee         int64      `json:"platformFee"`
	SellerAmount        int64      `json:"sellerAmount"`
	Status              Status     `json:"status"`
	ExternalPaymentRef  string     `json:"externalPaymentRef,omitempty"`
	ExternalTransferRef string     `json:"externalTransferRef,omitempty"`
	ExternalRefundRef   string     `json:"externalRefundRef,omitempty"`
	ReleaseConditions   []string   `json:"releaseConditions"`
	ReleaseReason       string     `json:"releaseReason,omitempty"`
	HoldUntil           *time.Time `json:"holdUntil,omitempty"`
	HoldExtensions      int        `json:"holdExtensions"`
	RequiresReview      bool       `json:"requiresReview"`
	Version             int64      `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	HeldAt              *time.Time `json:"heldAt,omitempty"`
	SettledAt           *time.Time `json:"settledAt,omitempty"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// IsPrincipal reports whether actorID is the buyer or seller.
func (t *Transaction) IsPrincipal(actorID string) bool {
	return actorID == t.BuyerID || actorID == t.SellerID
}

// ConditionsNotMetError names the release conditions that did not hold.
type ConditionsNotMetError struct {
	Unmet []string
}

func (e *ConditionsNotMetError) Error() string {
	return fmt.Sprintf("release conditions not met: %s", strings.Join(e.Unmet, ", "))
}

// Store persists escrow transactions. Update performs an optimistic version
// check: it only applies when the stored version matches tx.Version, returns
// ErrConflict otherwise, and increments tx.Version on success.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByPaymentRef(ctx context.Context, externalPaymentRef string) (*Transaction, error)
	GetByTransferRef(ctx context.Context, externalTransferRef string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error)
	ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// CreateRequest contains the parameters for creating an escrow transaction.
type CreateRequest struct {
	PlatformID        string   `json:"platformId" binding:"required"`
	BuyerID           string   `json:"buyerId" binding:"required"`
	SellerID          string   `json:"sellerId" binding:"required"`
	Amount            int64    `json:"amount" binding:"required"`
	Currency          string   `json:"currency" binding:"required"`
	Description       string   `json:"description"`
	ReleaseConditions []string `json:"releaseConditions"`
}

// Policy captures the marketplace settlement rules.
type Policy struct {
	FeeBps            int
	MinAmountMinor    int64
	HoldPeriod        time.Duration
	GracePeriod       time.Duration
	MaxHoldExtensions int
	SupportRecipient  string
}

// PlatformFee computes the marketplace cut in minor units, rounding half up.
func (p Policy) PlatformFee(amount int64) int64 {
	return (amount*int64(p.FeeBps) + 5000) / 10000
}
