// Package ledger tracks rider wallets and the payment records that fund them.
//
// Flow:
//  1. A user starts a top-up; a CREATED payment record is stored under the
//     client's idempotency key and a gateway order is opened
//  2. The gateway calls back; the first callback settles the record
//     (SUCCESS credits the wallet, FAILED does not) and later ones are no-ops
//  3. Bookings debit the wallet; cancellations refund it once per booking
//
// Every balance mutation happens under the per-user wallet lock and the
// balance never goes below zero.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mbd888/rideshare/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient wallet balance")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrBalanceOverflow   = errors.New("ledger: amount would overflow the wallet balance")
	ErrPaymentNotFound   = errors.New("ledger: payment record not found")
	ErrDuplicateKey      = errors.New("ledger: idempotency key already used")
	ErrDuplicateEntry    = errors.New("ledger: entry already recorded for reference")
	ErrAlreadyClaimed    = errors.New("ledger: payment already linked to a booking")
	ErrForbidden         = errors.New("ledger: payment belongs to another user")
	ErrUnauthenticated   = errors.New("ledger: callback cannot settle a ride payment")
)

// EntryType classifies a wallet entry.
type EntryType string

const (
	EntryTopUp  EntryType = "topup"
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
	EntryRefund EntryType = "refund"
)

// Sign returns +1 for entries that add to the balance and -1 otherwise.
func (t EntryType) Sign() int64 {
	if t == EntryDebit {
		return -1
	}
	return 1
}

// Wallet is a user's balance. Amounts are paise.
type Wallet struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	TotalIn   int64     `json:"totalIn"`
	TotalOut  int64     `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// balanceAfter returns the balance once e is posted. It never goes below
// zero or wraps past math.MaxInt64.
func (w *Wallet) balanceAfter(e *Entry) (int64, error) {
	if e.Type.Sign() < 0 {
		if e.Amount > w.Balance {
			return 0, ErrInsufficientFunds
		}
		return w.Balance - e.Amount, nil
	}
	if e.Amount > math.MaxInt64-w.Balance || e.Amount > math.MaxInt64-w.TotalIn {
		return 0, ErrBalanceOverflow
	}
	return w.Balance + e.Amount, nil
}

// Entry is one immutable wallet movement.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Type         EntryType `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	Reference    string    `json:"reference,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PaymentStatus is the settlement state of a payment record.
type PaymentStatus string

const (
	PaymentCreated PaymentStatus = "CREATED"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Purpose distinguishes wallet top-ups from direct ride payments.
type Purpose string

const (
	PurposeTopUp Purpose = "TOPUP"
	PurposeRide  Purpose = "RIDE"
)

// DefaultProvider is used when a top-up names no provider.
const DefaultProvider = "SIM"

// PaymentRecord is one attempt to move money in through the gateway.
// Status moves CREATED -> SUCCESS or CREATED -> FAILED exactly once.
type PaymentRecord struct {
	ID                string        `json:"id"`
	UserID            string        `json:"userId"`
	Purpose           Purpose       `json:"purpose"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Provider          string        `json:"provider"`
	ProviderOrderID   string        `json:"providerOrderId,omitempty"`
	ProviderPaymentID string        `json:"providerPaymentId,omitempty"`
	IdempotencyKey    string        `json:"idempotencyKey"`
	Status            PaymentStatus `json:"status"`
	RideID            string        `json:"rideId,omitempty"`
	Seats             int           `json:"seats,omitempty"`
	BookingID         string        `json:"bookingId,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// Settled reports whether the record has left CREATED.
func (p *PaymentRecord) Settled() bool {
	return p.Status != PaymentCreated
}

// Store persists wallets, entries and payment records.
type Store interface {
	// GetWallet returns the wallet, or a zero wallet if none exists yet.
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	// Apply posts e and adjusts the balance in one step. It fails with
	// ErrInsufficientFunds instead of going negative and with
	// ErrDuplicateEntry for a second refund of the same reference.
	Apply(ctx context.Context, e *Entry) (*Wallet, error)
	HasEntry(ctx context.Context, userID string, t EntryType, reference string) (bool, error)
	// History returns up to limit entries older than the cursor, newest first.
	History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error)
	// ListWallets returns every wallet, for reconciliation.
	ListWallets(ctx context.Context) ([]*Wallet, error)
	// SumEntries returns the signed sum of a user's entries.
	SumEntries(ctx context.Context, userID string) (int64, error)

	// CreatePayment inserts p, failing with ErrDuplicateKey when the
	// idempotency key is taken.
	CreatePayment(ctx context.Context, p *PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	GetPaymentByKey(ctx context.Context, key string) (*PaymentRecord, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*PaymentRecord, error)
	SetProviderOrder(ctx context.Context, id, orderID string) error
	ListPayments(ctx context.Context, userID string, purpose Purpose, limit int) ([]*PaymentRecord, error)
	// ListStalePayments returns up to limit CREATED records opened before
	// the cutoff, oldest first.
	ListStalePayments(ctx context.Context, before time.Time, limit int) ([]*PaymentRecord, error)
	// Settle moves a CREATED record to status. When it wins the transition
	// and the record is a successful top-up, the wallet credit and its
	// entry are written in the same step. A record that is already settled
	// is returned unchanged with changed=false.
	Settle(ctx context.Context, id string, status PaymentStatus, providerPaymentID string, at time.Time) (rec *PaymentRecord, changed bool, err error)
	// Claim links a SUCCESS ride payment to bookingID. Claiming again for
	// the same booking is a no-op; another booking gets ErrAlreadyClaimed.
	Claim(ctx context.Context, id, bookingID string) error
	// Release unlinks the payment if it is linked to bookingID.
	Release(ctx context.Context, id, bookingID string) error
}

// LockKey is the exclusive-lock key guarding a user's wallet.
func LockKey(userID string) string {
	return "wallet:" + userID
}
