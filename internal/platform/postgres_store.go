package platform

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists platforms in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed platform store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pl *Platform) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platforms (id, seller_id, name, payout_account, deployed, deployed_at, last_health_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pl.ID, pl.SellerID, pl.Name, pl.PayoutAccount, pl.Deployed,
		nullTime(pl.DeployedAt), nullTime(pl.LastHealthAt), pl.CreatedAt, pl.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Platform, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, name, payout_account, deployed, deployed_at, last_health_at, created_at, updated_at
		FROM platforms WHERE id = $1`, id)

	pl := &Platform{}
	var deployedAt, lastHealthAt sql.NullTime
	err := row.Scan(&pl.ID, &pl.SellerID, &pl.Name, &pl.PayoutAccount, &pl.Deployed,
		&deployedAt, &lastHealthAt, &pl.CreatedAt, &pl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deployedAt.Valid {
		pl.DeployedAt = &deployedAt.Time
	}
	if lastHealthAt.Valid {
		pl.LastHealthAt = &lastHealthAt.Time
	}
	return pl, nil
}

func (p *PostgresStore) Update(ctx context.Context, pl *Platform) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE platforms
		SET deployed = $2, deployed_at = $3, last_health_at = $4, updated_at = $5
		WHERE id = $1`,
		pl.ID, pl.Deployed, nullTime(pl.DeployedAt), nullTime(pl.LastHealthAt), pl.UpdatedAt,
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

func (p *PostgresStore) AddConfirmation(ctx context.Context, platformID, buyerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_confirmations (platform_id, buyer_id, confirmed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (platform_id, buyer_id) DO NOTHING`,
		platformID, buyerID,
	)
	return err
}

func (p *PostgresStore) HasConfirmation(ctx context.Context, platformID, buyerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM platform_confirmations WHERE platform_id = $1 AND buyer_id = $2
		)`, platformID, buyerID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) AddSample(ctx context.Context, s *PerfSample) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_perf_samples (platform_id, response_ms, uptime_pct, error_rate_pct, observed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.PlatformID, s.ResponseMs, s.UptimePct, s.ErrorRatePct, s.At,
	)
	return err
}

func (p *PostgresStore) ListSamples(ctx context.Context, platformID string, since time.Time) ([]*PerfSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT platform_id, response_ms, uptime_pct, error_rate_pct, observed_at
		FROM platform_perf_samples
		WHERE platform_id = $1 AND observed_at >= $2
		ORDER BY observed_at ASC`, platformID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PerfSample
	for rows.Next() {
		s := &PerfSample{}
		if err := rows.Scan(&s.PlatformID, &s.ResponseMs, &s.UptimePct, &s.ErrorRatePct, &s.At); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullTime converts a nil time pointer to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
