package platform

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory platform store for demo/development mode.
type MemoryStore struct {
	platforms     map[string]*Platform
	confirmations map[string]map[string]time.Time
	samples       map[string][]*PerfSample
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory platform store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		platforms:     make(map[string]*Platform),
		confirmations: make(map[string]map[string]time.Time),
		samples:       make(map[string][]*PerfSample),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.platforms[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.platforms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.platforms[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.platforms[p.ID] = &cp
	return nil
}

func (m *MemoryStore) AddConfirmation(ctx context.Context, platformID, buyerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.confirmations[platformID] == nil {
		m.confirmations[platformID] = make(map[string]time.Time)
	}
	if _, ok := m.confirmations[platformID][buyerID]; !ok {
		m.confirmations[platformID][buyerID] = time.Now()
	}
	return nil
}

func (m *MemoryStore) HasConfirmation(ctx context.Context, platformID, buyerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.confirmations[platformID][buyerID]
	return ok, nil
}

func (m *MemoryStore) AddSample(ctx context.Context, s *PerfSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.samples[s.PlatformID] = append(m.samples[s.PlatformID], &cp)
	return nil
}

func (m *MemoryStore) ListSamples(ctx context.Context, platformID string, since time.Time) ([]*PerfSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PerfSample
	for _, s := range m.samples[platformID] {
		if !s.At.Before(since) {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
