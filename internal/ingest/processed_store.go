package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MemoryProcessedStore is an in-memory processed-event set for demo mode.
type MemoryProcessedStore struct {
	seen map[string]time.Time
	mu   sync.Mutex
}

// NewMemoryProcessedStore creates an empty processed-event set.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]time.Time)}
}

func (m *MemoryProcessedStore) MarkProcessed(ctx context.Context, eventID string, receivedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = receivedAt
	return true, nil
}

// PostgresProcessedStore records processed events durably. The primary key on
// event_id makes dedupe safe across replicas.
type PostgresProcessedStore struct {
	db *sql.DB
}

// NewPostgresProcessedStore creates a PostgreSQL-backed processed-event store.
func NewPostgresProcessedStore(db *sql.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db}
}

func (p *PostgresProcessedStore) MarkProcessed(ctx context.Context, eventID string, receivedAt time.Time) (bool, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, received_at) VALUES ($1, $2)`,
		eventID, receivedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var (
	_ ProcessedStore = (*MemoryProcessedStore)(nil)
	_ ProcessedStore = (*PostgresProcessedStore)(nil)
)
