package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory history store for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	cp.ID = m.nextID
	m.nextID++
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.TransactionID == transactionID {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByDispute(ctx context.Context, disputeID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.DisputeID == disputeID {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
