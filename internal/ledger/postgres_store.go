package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists history entries in PostgreSQL. The table carries no
// UPDATE or DELETE paths anywhere in this package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (transaction_id, dispute_id, actor, actor_role, action, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7)`,
		e.TransactionID, nullString(e.DisputeID), e.Actor, e.ActorRole, e.Action,
		payloadJSON(e.Payload), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, dispute_id, actor, actor_role, action, payload, created_at
		FROM escrow_events
		WHERE transaction_id = $1
		ORDER BY id ASC
		LIMIT $2`, transactionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByDispute(ctx context.Context, disputeID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, dispute_id, actor, actor_role, action, payload, created_at
		FROM escrow_events
		WHERE dispute_id = $1
		ORDER BY id ASC
		LIMIT $2`, disputeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			disputeID   sql.NullString
			payloadData []byte
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &disputeID, &e.Actor, &e.ActorRole, &e.Action, &payloadData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DisputeID = disputeID.String
		if len(payloadData) > 0 {
			_ = json.Unmarshal(payloadData, &e.Payload)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
