package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow transactions in PostgreSQL. Updates carry an
// optimistic version check so two replicas cannot both settle the same row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, platform_id, buyer_id, seller_id, amount, currency, description,
	platform_fee, seller_amount, status, external_payment_ref, external_transfer_ref,
	external_refund_ref, release_conditions, release_reason, hold_until, hold_extensions,
	requires_review, version, created_at, updated_at, held_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	tx.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (id, platform_id, buyer_id, seller_id, amount, currency,
			description, platform_fee, seller_amount, status, external_payment_ref,
			external_transfer_ref, external_refund_ref, release_conditions, release_reason,
			hold_until, hold_extensions, requires_review, version, created_at, updated_at,
			held_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23)`,
		tx.ID, tx.PlatformID, tx.BuyerID, tx.SellerID, tx.Amount, tx.Currency,
		nullString(tx.Description), tx.PlatformFee, tx.SellerAmount, string(tx.Status),
		nullString(tx.ExternalPaymentRef), nullString(tx.ExternalTransferRef),
		nullString(tx.ExternalRefundRef), pq.Array(tx.ReleaseConditions),
		nullString(tx.ReleaseReason), nullTime(tx.HoldUntil), tx.HoldExtensions,
		tx.RequiresReview, tx.Version, tx.CreatedAt, tx.UpdatedAt,
		nullTime(tx.HeldAt), nullTime(tx.SettledAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions WHERE external_payment_ref = $1`, ref)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByTransferRef(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions WHERE external_transfer_ref = $1`, ref)
	return scanTransaction(row)
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET status = $2, external_transfer_ref = $3, external_refund_ref = $4,
			release_reason = $5, hold_until = $6, hold_extensions = $7, requires_review = $8,
			version = version + 1, updated_at = $9, held_at = $10, settled_at = $11
		WHERE id = $1 AND version = $12`,
		tx.ID, string(tx.Status), nullString(tx.ExternalTransferRef),
		nullString(tx.ExternalRefundRef), nullString(tx.ReleaseReason),
		nullTime(tx.HoldUntil), tx.HoldExtensions, tx.RequiresReview,
		tx.UpdatedAt, nullTime(tx.HeldAt), nullTime(tx.SettledAt), tx.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost version race from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, tx.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}
		return ErrNotFound
	}
	tx.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status = 'held' AND requires_review = FALSE AND hold_until <= $1
		ORDER BY hold_until ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		description, paymentRef, transferRef, refundRef, releaseReason sql.NullString
		holdUntil, heldAt, settledAt                                   sql.NullTime
		status                                                         string
	)
	err := s.Scan(&tx.ID, &tx.PlatformID, &tx.BuyerID, &tx.SellerID, &tx.Amount, &tx.Currency,
		&description, &tx.PlatformFee, &tx.SellerAmount, &status, &paymentRef, &transferRef,
		&refundRef, pq.Array(&tx.ReleaseConditions), &releaseReason, &holdUntil,
		&tx.HoldExtensions, &tx.RequiresReview, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
		&heldAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	tx.Description = description.String
	tx.ExternalPaymentRef = paymentRef.String
	tx.ExternalTransferRef = transferRef.String
	tx.ExternalRefundRef = refundRef.String
	tx.ReleaseReason = releaseReason.String
	if holdUntil.Valid {
		tx.HoldUntil = &holdUntil.Time
	}
	if heldAt.Valid {
		tx.HeldAt = &heldAt.Time
	}
	if settledAt.Valid {
		tx.SettledAt = &settledAt.Time
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
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
