// Package booking is the transaction boundary between seat inventory and
// money. A booking is reserved under the ride's lock: the ride is checked,
// payment is proven (or a cash booking is marked pending), seats are taken
// and the booking row is written, all before the lock is released. Earnings
// and notifications follow through the outbox and never undo a booking.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/rides"
)

var (
	ErrNotFound              = errors.New("booking: not found")
	ErrForbidden             = errors.New("booking: not allowed for this user")
	ErrInvalidState          = errors.New("booking: not allowed in the current state")
	ErrInsufficientInventory = errors.New("booking: not enough seats available")
	ErrInvalidRequest        = errors.New("booking: invalid request")
	ErrRideHasBookings       = errors.New("booking: ride still has active bookings")
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusBooked    Status = "BOOKED"
	StatusCancelled Status = "CANCELLED"
)

// Method is how the passenger pays.
type Method string

const (
	MethodCash   Method = "CASH"
	MethodOnline Method = "ONLINE"
)

// PaymentStatus tracks the money side of a booking.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Source records what proved an ONLINE payment.
type Source string

const (
	SourceNone    Source = ""
	SourceWallet  Source = "WALLET"
	SourceGateway Source = "GATEWAY"
)

// Initiator is who cancelled a booking.
type Initiator string

const (
	ByPassenger Initiator = "passenger"
	ByDriver    Initiator = "driver"
)

// Booking is a passenger's hold on seats of a ride.
type Booking struct {
	ID            string        `json:"id"`
	RideID        string        `json:"rideId"`
	DriverID      string        `json:"driverId"`
	PassengerID   string        `json:"passengerId"`
	Seats         int           `json:"seats"`
	Amount        int64         `json:"amount"`
	Status        Status        `json:"status"`
	PaymentMethod Method        `json:"paymentMethod"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	PaymentSource Source        `json:"paymentSource,omitempty"`
	PaymentID     string        `json:"paymentId,omitempty"`
	CancelledBy   Initiator     `json:"cancelledBy,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	CancelledAt   *time.Time    `json:"cancelledAt,omitempty"`
}

// Active reports whether the booking still holds seats.
func (b *Booking) Active() bool {
	return b.Status == StatusBooked
}

// Request books seats on a ride. PaymentID is the proof for an ONLINE
// booking paid through the gateway; an ONLINE booking without it is paid
// from the wallet.
type Request struct {
	RideID        string `json:"rideId" binding:"required"`
	Seats         int    `json:"seats" binding:"required,min=1,max=8"`
	PaymentMethod Method `json:"paymentMethod" binding:"required,paymentmethod"`
	PaymentID     string `json:"paymentId" binding:"max=64"`
	// Gender is the passenger's, taken from the token.
	Gender string `json:"-"`
}

// View pairs a booking with its ride.
type View struct {
	*Booking
	Ride *rides.Ride `json:"ride,omitempty"`
}

// Mine splits a passenger's bookings by departure.
type Mine struct {
	Upcoming []*View `json:"upcoming"`
	Past     []*View `json:"past"`
}

// RideBookings is the driver's view of one ride.
type RideBookings struct {
	Ride        *rides.Ride `json:"ride"`
	Bookings    []*Booking  `json:"bookings"`
	Active      []*Booking  `json:"active"`
	BookedSeats int         `json:"bookedSeats"`
	Total       int         `json:"total"`
	Cancelled   int         `json:"cancelled"`
}

// CancelRideResult summarizes a driver's ride cancellation.
type CancelRideResult struct {
	Ride      *rides.Ride `json:"ride"`
	Cancelled int         `json:"cancelledBookings"`
	Refunded  int64       `json:"refundedAmount"`
}

// Store persists bookings. Reserve and Release move seats and write the
// booking in one atomic step; callers hold the ride lock.
type Store interface {
	// Reserve takes b.Seats from the ride and inserts b. It fails with
	// rides.ErrSeatBounds when the ride has too few seats left.
	Reserve(ctx context.Context, b *Booking) (*rides.Ride, error)
	// Release marks b cancelled with the given payment status and returns
	// its seats. It fails with ErrInvalidState if b is no longer BOOKED.
	Release(ctx context.Context, b *Booking) (*rides.Ride, error)
	Get(ctx context.Context, id string) (*Booking, error)
	ListByPassenger(ctx context.Context, passengerID string) ([]*Booking, error)
	ListByRide(ctx context.Context, rideID string) ([]*Booking, error)
}

// ChargingStore is a Store that can post the passenger's wallet debit in
// the same transaction as Reserve. Wallet bookings on such a store never
// need a compensating refund.
type ChargingStore interface {
	Store
	// ReserveCharged is Reserve plus debit. Either both commit or neither
	// does; a short wallet fails with ledger.ErrInsufficientFunds.
	ReserveCharged(ctx context.Context, b *Booking, debit *ledger.Entry) (*rides.Ride, error)
}
