package earnings

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed earnings store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, driverID string) (*Earnings, error) {
	e := &Earnings{DriverID: driverID}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_earnings, pending_payout, paid_amount, platform_commission, updated_at
		FROM driver_earnings WHERE driver_id = $1
	`, driverID).Scan(&e.TotalEarnings, &e.PendingPayout, &e.PaidAmount, &e.PlatformCommission, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Earnings{DriverID: driverID}, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Record inserts the movement and folds it into the account in one
// transaction. The (kind, reference) unique index makes repeats fail.
func (p *PostgresStore) Record(ctx context.Context, m *Movement) (*Earnings, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO earning_movements (id, driver_id, kind, gross, commission, net, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.DriverID, string(m.Kind), m.Gross, m.Commission, m.Net, m.Reference, m.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	s := m.sign()
	e := &Earnings{DriverID: m.DriverID}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO driver_earnings (driver_id, total_earnings, pending_payout, paid_amount, platform_commission, updated_at)
		VALUES ($1, $2, $2, 0, $3, $4)
		ON CONFLICT (driver_id) DO UPDATE SET
			total_earnings = driver_earnings.total_earnings + EXCLUDED.total_earnings,
			pending_payout = driver_earnings.pending_payout + EXCLUDED.pending_payout,
			platform_commission = driver_earnings.platform_commission + EXCLUDED.platform_commission,
			updated_at = EXCLUDED.updated_at
		RETURNING total_earnings, pending_payout, paid_amount, platform_commission, updated_at
	`, m.DriverID, s*m.Net, s*m.Commission, m.CreatedAt).
		Scan(&e.TotalEarnings, &e.PendingPayout, &e.PaidAmount, &e.PlatformCommission, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) CreatePayout(ctx context.Context, po *Payout) (*Earnings, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e := &Earnings{DriverID: po.DriverID}
	err = tx.QueryRowContext(ctx, `
		UPDATE driver_earnings
		SET pending_payout = pending_payout - $2, paid_amount = paid_amount + $2, updated_at = $3
		WHERE driver_id = $1 AND pending_payout >= $2
		RETURNING total_earnings, pending_payout, paid_amount, platform_commission, updated_at
	`, po.DriverID, po.Amount, po.CreatedAt).
		Scan(&e.TotalEarnings, &e.PendingPayout, &e.PaidAmount, &e.PlatformCommission, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExceedsPending
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payouts (id, driver_id, amount, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, po.ID, po.DriverID, po.Amount, string(po.Status), po.Notes, po.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) ListPayouts(ctx context.Context, driverID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, driver_id, amount, status, notes, created_at
		FROM payouts WHERE driver_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, driverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		po := &Payout{}
		var status string
		if err := rows.Scan(&po.ID, &po.DriverID, &po.Amount, &status, &po.Notes, &po.CreatedAt); err != nil {
			return nil, err
		}
		po.Status = PayoutStatus(status)
		out = append(out, po)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
