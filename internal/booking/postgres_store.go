package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/rides"
)

// PostgresStore implements Store with PostgreSQL. Seat moves and booking
// writes share one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const columns = `id, ride_id, driver_id, passenger_id, seats, amount, status, payment_method,
	payment_status, payment_source, payment_id, cancelled_by, created_at, updated_at, cancelled_at`

func (p *PostgresStore) Reserve(ctx context.Context, b *Booking) (*rides.Ride, error) {
	return p.reserve(ctx, b, nil)
}

// ReserveCharged posts the wallet debit inside the reservation
// transaction.
func (p *PostgresStore) ReserveCharged(ctx context.Context, b *Booking, debit *ledger.Entry) (*rides.Ride, error) {
	return p.reserve(ctx, b, debit)
}

func (p *PostgresStore) reserve(ctx context.Context, b *Booking, debit *ledger.Entry) (*rides.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ride, err := rides.AdjustSeatsTx(ctx, tx, b.RideID, -b.Seats)
	if err != nil {
		return nil, err
	}
	if debit != nil {
		if _, err := ledger.ApplyTx(ctx, tx, debit); err != nil {
			return nil, err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, b.ID, b.RideID, b.DriverID, b.PassengerID, b.Seats, b.Amount, string(b.Status), string(b.PaymentMethod),
		string(b.PaymentStatus), string(b.PaymentSource), b.PaymentID, string(b.CancelledBy),
		b.CreatedAt, b.UpdatedAt, b.CancelledAt)
	if err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ride, nil
}

func (p *PostgresStore) Release(ctx context.Context, b *Booking) (*rides.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'CANCELLED', payment_status = $2, cancelled_by = $3, cancelled_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'BOOKED'
	`, b.ID, string(b.PaymentStatus), string(b.CancelledBy), b.CancelledAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrInvalidState
	}
	ride, err := rides.AdjustSeatsTx(ctx, tx, b.RideID, b.Seats)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ride, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+columns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) ListByPassenger(ctx context.Context, passengerID string) ([]*Booking, error) {
	return p.query(ctx, `SELECT `+columns+` FROM bookings WHERE passenger_id = $1 ORDER BY created_at DESC, id`, passengerID)
}

func (p *PostgresStore) ListByRide(ctx context.Context, rideID string) ([]*Booking, error) {
	return p.query(ctx, `SELECT `+columns+` FROM bookings WHERE ride_id = $1 ORDER BY created_at DESC, id`, rideID)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var status, method, payStatus, source, cancelledBy string
	var cancelledAt sql.NullTime
	err := s.Scan(&b.ID, &b.RideID, &b.DriverID, &b.PassengerID, &b.Seats, &b.Amount, &status, &method,
		&payStatus, &source, &b.PaymentID, &cancelledBy, &b.CreatedAt, &b.UpdatedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.PaymentMethod = Method(method)
	b.PaymentStatus = PaymentStatus(payStatus)
	b.PaymentSource = Source(source)
	b.CancelledBy = Initiator(cancelledBy)
	if cancelledAt.Valid {
		t := cancelledAt.Time
		b.CancelledAt = &t
	}
	return b, nil
}

var _ ChargingStore = (*PostgresStore)(nil)
