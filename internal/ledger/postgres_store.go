package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Tables come from the
// goose migrations; wallets.balance carries a CHECK (balance >= 0).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, user_id, purpose, amount, currency, provider, provider_order_id,
	provider_payment_id, idempotency_key, status, ride_id, seats, booking_id, created_at, completed_at`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetWallet retrieves a user's wallet
func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.TotalIn, &w.TotalOut, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Wallet{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Apply posts an entry and moves the balance in one transaction.
func (p *PostgresStore) Apply(ctx context.Context, e *Entry) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := ApplyTx(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// ApplyTx locks the wallet row, checks the new balance and appends the
// entry inside the caller's transaction, so a wallet movement commits or
// rolls back with the rest of that transaction.
func ApplyTx(ctx context.Context, tx *sql.Tx, e *Entry) (*Wallet, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, total_in, total_out, updated_at)
		VALUES ($1, 0, 0, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, e.UserID, e.CreatedAt); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	w := &Wallet{UserID: e.UserID}
	if err := tx.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out FROM wallets WHERE user_id = $1 FOR UPDATE
	`, e.UserID).Scan(&w.Balance, &w.TotalIn, &w.TotalOut); err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	next, err := w.balanceAfter(e)
	if err != nil {
		return nil, err
	}
	w.Balance = next
	if e.Type == EntryDebit {
		w.TotalOut += e.Amount
	} else {
		w.TotalIn += e.Amount
	}
	w.UpdatedAt = e.CreatedAt

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, balance_after, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.UserID, string(e.Type), e.Amount, next, e.Reference, e.Description, e.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("record entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, total_in = $3, total_out = $4, updated_at = $5 WHERE user_id = $1
	`, e.UserID, w.Balance, w.TotalIn, w.TotalOut, w.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	e.BalanceAfter = next
	return w, nil
}

func (p *PostgresStore) HasEntry(ctx context.Context, userID string, t EntryType, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM wallet_entries WHERE user_id = $1 AND type = $2 AND reference = $3)
	`, userID, string(t), reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `SELECT id, user_id, type, amount, balance_after, reference, description, created_at
		FROM wallet_entries WHERE user_id = $1`
	args := []any{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var t string
		if err := rows.Scan(&e.ID, &e.UserID, &t, &e.Amount, &e.BalanceAfter, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(t)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, balance, total_in, total_out, updated_at FROM wallets ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.UserID, &w.Balance, &w.TotalIn, &w.TotalOut, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount ELSE amount END), 0)
		FROM wallet_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) CreatePayment(ctx context.Context, rec *PaymentRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_records (id, user_id, purpose, amount, currency, provider, provider_order_id,
			provider_payment_id, idempotency_key, status, ride_id, seats, booking_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.UserID, string(rec.Purpose), rec.Amount, rec.Currency, rec.Provider, rec.ProviderOrderID,
		rec.ProviderPaymentID, rec.IdempotencyKey, string(rec.Status), rec.RideID, rec.Seats, rec.BookingID, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	return p.getPaymentWhere(ctx, p.db, "id = $1", id)
}

func (p *PostgresStore) GetPaymentByKey(ctx context.Context, key string) (*PaymentRecord, error) {
	return p.getPaymentWhere(ctx, p.db, "idempotency_key = $1", key)
}

func (p *PostgresStore) GetPaymentByOrder(ctx context.Context, orderID string) (*PaymentRecord, error) {
	return p.getPaymentWhere(ctx, p.db, "provider_order_id = $1", orderID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) getPaymentWhere(ctx context.Context, q queryRower, cond string, arg any) (*PaymentRecord, error) {
	rec, err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return rec, err
}

func (p *PostgresStore) SetProviderOrder(ctx context.Context, id, orderID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payment_records SET provider_order_id = $2 WHERE id = $1`, id, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListStalePayments(ctx context.Context, before time.Time, limit int) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_records
		WHERE status = 'CREATED' AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListPayments(ctx context.Context, userID string, purpose Purpose, limit int) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_records
		WHERE user_id = $1 AND ($2 = '' OR purpose = $2)
		ORDER BY created_at DESC LIMIT $3
	`, userID, string(purpose), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Settle wins the CREATED transition with a conditional UPDATE; only the
// winner credits the wallet, so concurrent callbacks settle once.
func (p *PostgresStore) Settle(ctx context.Context, id string, status PaymentStatus, providerPaymentID string, at time.Time) (*PaymentRecord, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanPayment(tx.QueryRowContext(ctx, `
		UPDATE payment_records
		SET status = $2, provider_payment_id = COALESCE(NULLIF($3, ''), provider_payment_id), completed_at = $4
		WHERE id = $1 AND status = 'CREATED'
		RETURNING `+paymentColumns, id, string(status), providerPaymentID, at))
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := p.getPaymentWhere(ctx, tx, "id = $1", id)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settle payment: %w", err)
	}

	if rec.Status == PaymentSuccess && rec.Purpose == PurposeTopUp {
		if _, err := ApplyTx(ctx, tx, &Entry{
			ID:          idgen.WithPrefix("ent_"),
			UserID:      rec.UserID,
			Type:        EntryTopUp,
			Amount:      rec.Amount,
			Reference:   rec.ID,
			Description: "Wallet top-up",
			CreatedAt:   at,
		}); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) Claim(ctx context.Context, id, bookingID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_records SET booking_id = $2
		WHERE id = $1 AND (booking_id = '' OR booking_id = $2)
	`, id, bookingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.GetPayment(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

func (p *PostgresStore) Release(ctx context.Context, id, bookingID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_records SET booking_id = '' WHERE id = $1 AND booking_id = $2
	`, id, bookingID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*PaymentRecord, error) {
	rec := &PaymentRecord{}
	var (
		purpose, status string
		orderID         sql.NullString
		completedAt     sql.NullTime
	)
	if err := s.Scan(&rec.ID, &rec.UserID, &purpose, &rec.Amount, &rec.Currency, &rec.Provider, &orderID,
		&rec.ProviderPaymentID, &rec.IdempotencyKey, &status, &rec.RideID, &rec.Seats, &rec.BookingID,
		&rec.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	rec.Purpose = Purpose(purpose)
	rec.Status = PaymentStatus(status)
	rec.ProviderOrderID = orderID.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
