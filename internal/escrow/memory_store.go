package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
// It enforces the same optimistic version check as the Postgres store.
type MemoryStore struct {
	transactions map[string]*Transaction
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.Version = 1
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) GetByPaymentRef(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.ExternalPaymentRef == ref {
			return copyTransaction(tx), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByTransferRef(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.ExternalTransferRef == ref {
			return copyTransaction(tx), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transactions[tx.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != tx.Version {
		return ErrConflict
	}
	tx.Version++
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.BuyerID == partyID || tx.SellerID == partyID {
			result = append(result, copyTransaction(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Status != StatusHeld || tx.RequiresReview {
			continue
		}
		if tx.HoldUntil == nil || tx.HoldUntil.After(before) {
			continue
		}
		result = append(result, copyTransaction(tx))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	cp.ReleaseConditions = append([]string(nil), tx.ReleaseConditions...)
	if tx.HoldUntil != nil {
		t := *tx.HoldUntil
		cp.HoldUntil = &t
	}
	if tx.HeldAt != nil {
		t := *tx.HeldAt
		cp.HeldAt = &t
	}
	if tx.SettledAt != nil {
		t := *tx.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
