package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID && existing.Open() {
			return ErrDuplicateDispute
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Open() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			result = append(result, copyDispute(d))
		}
	}
	return result, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
