// Package ledger records the append-only history of escrow transactions and
// disputes. Entries are immutable: the store only ever inserts and queries,
// never updates or deletes. Failures are recorded alongside transitions so the
// trail explains not just what happened but what was refused.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a single history record for a transaction or dispute.
type Entry struct {
	ID            int64             `json:"id"`
	TransactionID string            `json:"transactionId"`
	DisputeID     string            `json:"disputeId,omitempty"`
	Actor         string            `json:"actor"`
	ActorRole     string            `json:"actorRole"`
	Action        string            `json:"action"`
	Payload       map[string]string `json:"payload,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Store persists history entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Entry, error)
	ListByDispute(ctx context.Context, disputeID string, limit int) ([]*Entry, error)
}

// Ledger is the recording facade used by the escrow engine and dispute manager.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record appends a history entry for a transaction.
func (l *Ledger) Record(ctx context.Context, transactionID, actor, actorRole, action string, payload map[string]string) error {
	return l.store.Append(ctx, &Entry{
		TransactionID: transactionID,
		Actor:         actor,
		ActorRole:     actorRole,
		Action:        action,
		Payload:       payload,
		CreatedAt:     time.Now(),
	})
}

// RecordDispute appends a history entry tied to both a transaction and a dispute.
func (l *Ledger) RecordDispute(ctx context.Context, transactionID, disputeID, actor, actorRole, action string, payload map[string]string) error {
	return l.store.Append(ctx, &Entry{
		TransactionID: transactionID,
		DisputeID:     disputeID,
		Actor:         actor,
		ActorRole:     actorRole,
		Action:        action,
		Payload:       payload,
		CreatedAt:     time.Now(),
	})
}

// History returns the entries for a transaction, oldest first.
func (l *Ledger) History(ctx context.Context, transactionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	return l.store.ListByTransaction(ctx, transactionID, limit)
}

// DisputeHistory returns the entries for a dispute, oldest first.
func (l *Ledger) DisputeHistory(ctx context.Context, disputeID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	return l.store.ListByDispute(ctx, disputeID, limit)
}

// payloadJSON serializes a payload map for storage, defaulting to {}.
func payloadJSON(p map[string]string) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	b, _ := json.Marshal(p)
	return b
}
