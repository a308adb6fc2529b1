package rides

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore persists rides in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ride store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Columns is the select list matching ScanRide. Exported for stores that
// join rides into their own queries.
const Columns = `id, driver_id, start_location, end_location, depart_at, capacity, available_seats,
	price_paise, car_model, car_type, gender_preference, note, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, driver_id, start_location, end_location, depart_at, capacity, available_seats,
			price_paise, car_model, car_type, gender_preference, note, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, r.ID, r.DriverID, r.StartLocation, r.EndLocation, r.DepartAt, r.Capacity, r.AvailableSeats,
		r.PricePaise, r.CarModel, r.CarType, r.GenderPreference, r.Note, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ride, error) {
	r, err := ScanRide(p.db.QueryRowContext(ctx, `SELECT `+Columns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Update rewrites the mutable columns. The CHECK constraint on
// available_seats rejects out-of-bounds inventory.
func (p *PostgresStore) Update(ctx context.Context, r *Ride) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET start_location = $2, end_location = $3, depart_at = $4, capacity = $5,
			available_seats = $6, price_paise = $7, car_model = $8, car_type = $9,
			gender_preference = $10, note = $11, status = $12, updated_at = NOW()
		WHERE id = $1
	`, r.ID, r.StartLocation, r.EndLocation, r.DepartAt, r.Capacity, r.AvailableSeats, r.PricePaise,
		r.CarModel, r.CarType, r.GenderPreference, r.Note, string(r.Status))
	if err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	return expectRow(res)
}

// AdjustSeats applies delta with the bounds check in the WHERE clause so
// the row is never written out of range.
func (p *PostgresStore) AdjustSeats(ctx context.Context, id string, delta int) (*Ride, error) {
	return AdjustSeatsTx(ctx, p.db, id, delta)
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AdjustSeatsTx runs the guarded seat update on q, which may be a transaction.
func AdjustSeatsTx(ctx context.Context, q Execer, id string, delta int) (*Ride, error) {
	r, err := ScanRide(q.QueryRowContext(ctx, `
		UPDATE rides SET available_seats = available_seats + $2, updated_at = NOW()
		WHERE id = $1 AND available_seats + $2 >= 0 AND available_seats + $2 <= capacity
		RETURNING `+Columns, id, delta))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("adjust seats: %w", err)
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrSeatBounds
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rides WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Ride, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if f.From != "" {
		add("LOWER(start_location) = LOWER($%d)", f.From)
	}
	if f.To != "" {
		add("LOWER(end_location) = LOWER($%d)", f.To)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.DepartAfter.IsZero() {
		add("depart_at >= $%d", f.DepartAfter)
	}
	if !f.DepartBefore.IsZero() {
		add("depart_at < $%d", f.DepartBefore)
	}
	if f.MinSeats > 0 {
		add("available_seats >= $%d", f.MinSeats)
	}
	if f.MinPricePaise > 0 {
		add("price_paise >= $%d", f.MinPricePaise)
	}
	if f.MaxPricePaise > 0 {
		add("price_paise <= $%d", f.MaxPricePaise)
	}
	if f.CarType != "" {
		add("LOWER(car_type) = LOWER($%d)", f.CarType)
	}

	query := `SELECT ` + Columns + ` FROM rides`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY depart_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := ScanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// ScanRide reads a row selected with Columns.
func ScanRide(s scanner) (*Ride, error) {
	r := &Ride{}
	var status string
	if err := s.Scan(&r.ID, &r.DriverID, &r.StartLocation, &r.EndLocation, &r.DepartAt, &r.Capacity,
		&r.AvailableSeats, &r.PricePaise, &r.CarModel, &r.CarType, &r.GenderPreference, &r.Note,
		&status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return r, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
