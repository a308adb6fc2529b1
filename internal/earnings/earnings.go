// Package earnings tracks what drivers are owed for paid bookings and the
// payouts drawn against it.
//
// Every booking paid online accrues the fare minus the platform commission
// to the driver's pending payout. A refund reverses the same booking's
// accrual. Both movements are keyed by a reference (the booking ID) and are
// applied at most once per reference.
package earnings

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidAmount      = errors.New("earnings: amount must be positive")
	ErrBelowMinimum       = errors.New("earnings: payout is below the minimum")
	ErrExceedsPending     = errors.New("earnings: payout exceeds the pending balance")
	ErrDuplicateReference = errors.New("earnings: reference already applied")
	ErrPayoutNotFound     = errors.New("earnings: payout not found")
)

// Kind is the direction of a movement.
type Kind string

const (
	KindAccrue  Kind = "accrue"
	KindReverse Kind = "reverse"
)

// Earnings is a driver's running account with the platform.
type Earnings struct {
	DriverID           string    `json:"driverId"`
	TotalEarnings      int64     `json:"totalEarnings"`
	PendingPayout      int64     `json:"pendingPayout"`
	PaidAmount         int64     `json:"paidAmount"`
	PlatformCommission int64     `json:"platformCommission"`
	CommissionPercent  string    `json:"commissionPercent"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
}

// Movement is one accrual or reversal. Net = Gross - Commission.
type Movement struct {
	ID         string    `json:"id"`
	DriverID   string    `json:"driverId"`
	Kind       Kind      `json:"kind"`
	Gross      int64     `json:"gross"`
	Commission int64     `json:"commission"`
	Net        int64     `json:"net"`
	Reference  string    `json:"reference"`
	CreatedAt  time.Time `json:"createdAt"`
}

// sign returns +1 for accruals and -1 for reversals.
func (m *Movement) sign() int64 {
	if m.Kind == KindReverse {
		return -1
	}
	return 1
}

// PayoutStatus is the state of a payout request.
type PayoutStatus string

const (
	PayoutRequested PayoutStatus = "REQUESTED"
	PayoutPaid      PayoutStatus = "PAID"
)

// Payout moves money from pending to paid.
type Payout struct {
	ID        string       `json:"id"`
	DriverID  string       `json:"driverId"`
	Amount    int64        `json:"amount"`
	Status    PayoutStatus `json:"status"`
	Notes     string       `json:"notes,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// PayoutRequest asks for a payout. A zero amount pays out everything pending.
type PayoutRequest struct {
	Amount int64  `json:"amountPaise" binding:"omitempty,gt=0"`
	Notes  string `json:"notes" binding:"max=500"`
}

// Store persists earnings.
type Store interface {
	// Get returns the driver's account, zero-valued when none exists.
	Get(ctx context.Context, driverID string) (*Earnings, error)
	// Record applies m once per (kind, reference), returning
	// ErrDuplicateReference for a repeat.
	Record(ctx context.Context, m *Movement) (*Earnings, error)
	// CreatePayout moves p.Amount from pending to paid and stores p, or fails
	// with ErrExceedsPending.
	CreatePayout(ctx context.Context, p *Payout) (*Earnings, error)
	ListPayouts(ctx context.Context, driverID string, limit int) ([]*Payout, error)
}
