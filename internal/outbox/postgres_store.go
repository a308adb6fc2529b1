package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists events in the outbox_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, topic, key, payload, status, attempts, next_attempt_at, last_error, created_at, delivered_at`

func (p *PostgresStore) Insert(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, key, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Topic, e.Key, []byte(e.Payload), string(e.Status), e.Attempts, e.NextAttemptAt, e.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ClaimDue leases due rows with FOR UPDATE SKIP LOCKED so several workers
// can drain the queue without handing the same event to two of them.
func (p *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox_events SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'delivered', attempts = attempts + 1, delivered_at = $2, last_error = NULL
		WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5
		WHERE id = $1
	`, id, string(status), attempts, next, lastErr)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Requeue(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempts = 0, next_attempt_at = $2
		WHERE id = $1 AND status = 'dead'
	`, id, at)
	if err != nil {
		return err
	}
	if err := expectOne(res); errors.Is(err, ErrNotFound) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotDead
	} else if err != nil {
		return err
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var status string
	var payload []byte
	var lastErr sql.NullString
	var delivered sql.NullTime
	if err := s.Scan(&e.ID, &e.Topic, &e.Key, &payload, &status, &e.Attempts,
		&e.NextAttemptAt, &lastErr, &e.CreatedAt, &delivered); err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Status = Status(status)
	e.LastError = lastErr.String
	if delivered.Valid {
		e.DeliveredAt = &delivered.Time
	}
	return e, nil
}

func expectOne(res sql.Result) error {
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
