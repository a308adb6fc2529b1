// Package receipts issues signed booking receipts and renders them as PDF.
//
// A receipt is issued once per booking state: a confirmed booking and the
// same booking after its refund get different receipts. Each carries an
// HMAC-SHA256 signature over its canonical payload so a passenger (or
// support) can check a printed receipt against the platform.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no receipt secret configured)")
)

// Receipt is a signed snapshot of a booking.
type Receipt struct {
	ID            string    `json:"id"`
	Reference     string    `json:"reference"` // bookingID:status:paymentStatus
	BookingID     string    `json:"bookingId"`
	RideID        string    `json:"rideId"`
	PassengerID   string    `json:"passengerId"`
	DriverID      string    `json:"driverId"`
	Route         string    `json:"route"`
	DepartAt      time.Time `json:"departAt"`
	Seats         int       `json:"seats"`
	Amount        int64     `json:"amount"`
	PaymentMethod string    `json:"paymentMethod"`
	PaymentStatus string    `json:"paymentStatus"`
	BookingStatus string    `json:"bookingStatus"`
	PayloadHash   string    `json:"payloadHash"`
	Signature     string    `json:"signature,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Error     string `json:"error,omitempty"`
}

// Store persists issued receipts.
type Store interface {
	// Create inserts r. A second receipt for the same reference is a no-op
	// and the stored one wins.
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByReference(ctx context.Context, reference string) (*Receipt, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	Amount        int64  `json:"amount"`
	BookingID     string `json:"bookingId"`
	BookingStatus string `json:"bookingStatus"`
	DepartAt      string `json:"departAt"`
	DriverID      string `json:"driverId"`
	IssuedAt      string `json:"issuedAt"`
	PassengerID   string `json:"passengerId"`
	PaymentMethod string `json:"paymentMethod"`
	PaymentStatus string `json:"paymentStatus"`
	RideID        string `json:"rideId"`
	Seats         int    `json:"seats"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		Amount:        r.Amount,
		BookingID:     r.BookingID,
		BookingStatus: r.BookingStatus,
		DepartAt:      r.DepartAt.UTC().Format(time.RFC3339),
		DriverID:      r.DriverID,
		IssuedAt:      r.IssuedAt.UTC().Format(time.RFC3339),
		PassengerID:   r.PassengerID,
		PaymentMethod: r.PaymentMethod,
		PaymentStatus: r.PaymentStatus,
		RideID:        r.RideID,
		Seats:         r.Seats,
	}
}
