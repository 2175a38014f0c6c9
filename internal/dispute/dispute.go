// Package dispute manages marketplace disputes over escrow transactions. A
// transaction can carry at most one open dispute at a time; resolving one is
// an admin decision that directs the escrow engine to release or refund.
package dispute

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/launchbay/launchbay/internal/idgen"
	"github.com/launchbay/launchbay/internal/ledger"
)

// Dispute statuses.
const (
	StatusOpen        = "open"
	StatusUnderReview = "under_review"
	StatusResolved    = "resolved"
)

// Resolutions an admin can apply.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Filing roles.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

var (
	ErrNotFound          = errors.New("dispute not found")
	ErrDuplicateDispute  = errors.New("transaction already has an open dispute")
	ErrAlreadyResolved   = errors.New("dispute is already resolved")
	ErrInvalidResolution = errors.New("resolution must be release or refund")
)

// Dispute is a contested escrow transaction awaiting an admin decision.
type Dispute struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"escrowTransactionId"`
	Reason         string     `json:"reason"`
	Description    string     `json:"description,omitempty"`
	Evidence       []string   `json:"evidence,omitempty"`
	FiledBy        string     `json:"filedBy"`
	FiledByRole    string     `json:"filedByRole"`
	Status         string     `json:"status"`
	Resolution     string     `json:"resolution,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Open reports whether the dispute still blocks settlement.
func (d *Dispute) Open() bool {
	return d.Status == StatusOpen || d.Status == StatusUnderReview
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
}

// FileRequest carries the parameters for filing a dispute.
type FileRequest struct {
	TransactionID string
	Reason        string
	Description   string
	Evidence      []string
	FiledBy       string
	FiledByRole   string
}

// Manager implements dispute lifecycle logic.
type Manager struct {
	store  Store
	events *ledger.Ledger
}

// NewManager creates a new dispute manager.
func NewManager(store Store, events *ledger.Ledger) *Manager {
	return &Manager{store: store, events: events}
}

// File opens a dispute against a transaction. A transaction with an open
// dispute rejects further filings.
func (m *Manager) File(ctx context.Context, req FileRequest) (*Dispute, error) {
	existing, err := m.store.GetOpenByTransaction(ctx, req.TransactionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateDispute
	}

	now := time.Now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
		Description:   req.Description,
		Evidence:      append([]string(nil), req.Evidence...),
		FiledBy:       req.FiledBy,
		FiledByRole:   req.FiledByRole,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, d); err != nil {
		// A concurrent filing can slip past the pre-check; the store's
		// partial unique index reports it as a duplicate.
		return nil, err
	}

	_ = m.events.RecordDispute(ctx, d.TransactionID, d.ID, d.FiledBy, d.FiledByRole, "dispute_filed", map[string]string{
		"reason": d.Reason,
	})
	return d, nil
}

// Get returns a dispute by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	return m.store.Get(ctx, id)
}

// History returns the append-only event trail for a dispute.
func (m *Manager) History(ctx context.Context, id string) ([]*ledger.Entry, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.events.DisputeHistory(ctx, id, 0)
}

// AddEvidence appends evidence items to an unresolved dispute.
func (m *Manager) AddEvidence(ctx context.Context, id, actor, actorRole string, items []string) (*Dispute, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}

	d.Evidence = append(d.Evidence, items...)
	d.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}

	_ = m.events.RecordDispute(ctx, d.TransactionID, d.ID, actor, actorRole, "evidence_added", map[string]string{
		"items": strconv.Itoa(len(items)),
	})
	return d, nil
}

// MarkUnderReview moves an open dispute into review.
func (m *Manager) MarkUnderReview(ctx context.Context, id, adminID string) (*Dispute, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}

	d.Status = StatusUnderReview
	d.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}

	_ = m.events.RecordDispute(ctx, d.TransactionID, d.ID, adminID, RoleAdmin, "dispute_under_review", nil)
	return d, nil
}

// Resolve closes a dispute with a release or refund decision. The caller is
// responsible for executing the settlement the decision directs.
func (m *Manager) Resolve(ctx context.Context, id, resolution, resolvedBy, note string) (*Dispute, error) {
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, ErrInvalidResolution
	}

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolutionNote = note
	d.ResolvedBy = resolvedBy
	d.UpdatedAt = now
	d.ResolvedAt = &now
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}

	_ = m.events.RecordDispute(ctx, d.TransactionID, d.ID, resolvedBy, RoleAdmin, "dispute_resolved", map[string]string{
		"resolution": resolution,
	})
	return d, nil
}

// HasOpenDispute reports whether the transaction has an unresolved dispute.
func (m *Manager) HasOpenDispute(ctx context.Context, transactionID string) (bool, error) {
	_, err := m.store.GetOpenByTransaction(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OpenByTransaction returns the open dispute for a transaction, if any.
func (m *Manager) OpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	return m.store.GetOpenByTransaction(ctx, transactionID)
}
