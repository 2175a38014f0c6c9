package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index on
// (transaction_id) WHERE status IN ('open','under_review') enforces the
// one-open-dispute rule under concurrent filings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, reason, description, evidence, filed_by, filed_by_role,
	status, resolution, resolution_note, resolved_by, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, reason, description, evidence, filed_by, filed_by_role,
			status, resolution, resolution_note, resolved_by, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TransactionID, d.Reason, nullString(d.Description), pq.Array(d.Evidence),
		d.FiledBy, d.FiledByRole, d.Status, nullString(d.Resolution), nullString(d.ResolutionNote),
		nullString(d.ResolvedBy), d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateDispute
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET evidence = $2, status = $3, resolution = $4, resolution_note = $5,
			resolved_by = $6, updated_at = $7, resolved_at = $8
		WHERE id = $1`,
		d.ID, pq.Array(d.Evidence), d.Status, nullString(d.Resolution),
		nullString(d.ResolutionNote), nullString(d.ResolvedBy), d.UpdatedAt, nullTime(d.ResolvedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status IN ('open', 'under_review')
		LIMIT 1`, transactionID)
	return scanDispute(row)
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		description, resolution, note, resolvedBy sql.NullString
		resolvedAt                                sql.NullTime
	)
	err := s.Scan(&d.ID, &d.TransactionID, &d.Reason, &description, pq.Array(&d.Evidence),
		&d.FiledBy, &d.FiledByRole, &d.Status, &resolution, &note, &resolvedBy,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Description = description.String
	d.Resolution = resolution.String
	d.ResolutionNote = note.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
