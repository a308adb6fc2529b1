package receipts

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists receipt data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, reference, booking_id, ride_id, passenger_id, driver_id,
	route, depart_at, seats, amount, payment_method, payment_status,
	booking_status, payload_hash, signature, issued_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	var departAt *time.Time
	if !r.DepartAt.IsZero() {
		departAt = &r.DepartAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (reference) DO NOTHING`,
		r.ID, r.Reference, r.BookingID, r.RideID, r.PassengerID, r.DriverID,
		r.Route, departAt, r.Seats, r.Amount, r.PaymentMethod, r.PaymentStatus,
		r.BookingStatus, r.PayloadHash, nullString(r.Signature), r.IssuedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE reference = $1`, reference)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE booking_id = $1
		ORDER BY issued_at DESC`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		departAt  sql.NullTime
		signature sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.Reference, &r.BookingID, &r.RideID, &r.PassengerID, &r.DriverID,
		&r.Route, &departAt, &r.Seats, &r.Amount, &r.PaymentMethod, &r.PaymentStatus,
		&r.BookingStatus, &r.PayloadHash, &signature, &r.IssuedAt,
	)
	if err != nil {
		return nil, err
	}
	if departAt.Valid {
		r.DepartAt = departAt.Time
	}
	r.Signature = signature.String
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
