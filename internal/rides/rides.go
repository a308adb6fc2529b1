// Package rides manages ride offers and their seat inventory.
//
// A ride's AvailableSeats is the inventory that bookings draw from. It only
// changes under the ride's exclusive lock (see LockKey) and the store
// guarantees 0 <= AvailableSeats <= Capacity.
package rides

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("rides: ride not found")
	ErrForbidden       = errors.New("rides: not the driver of this ride")
	ErrInvalidState    = errors.New("rides: ride cannot be changed in its current state")
	ErrDepartureInPast = errors.New("rides: departure time is in the past")
	ErrSeatBounds      = errors.New("rides: seat change would leave inventory out of bounds")
	ErrHasBookings     = errors.New("rides: seats cannot change once bookings exist")
	ErrInvalidPrice    = errors.New("rides: price must be a positive amount in rupees with at most two decimals")
	ErrInvalidSchedule = errors.New("rides: date must be YYYY-MM-DD and time HH:MM")
)

// Status is the lifecycle state of a ride.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCancelled Status = "CANCELLED"
)

// Gender preferences a driver can set.
const (
	GenderAny        = ""
	GenderMaleOnly   = "MALE_ONLY"
	GenderFemaleOnly = "FEMALE_ONLY"
)

// MaxSeats bounds the seats a single ride can offer.
const MaxSeats = 8

// Ride is a trip offered by a driver.
type Ride struct {
	ID               string    `json:"id"`
	DriverID         string    `json:"driverId"`
	StartLocation    string    `json:"startLocation"`
	EndLocation      string    `json:"endLocation"`
	DepartAt         time.Time `json:"departAt"`
	Capacity         int       `json:"capacity"`
	AvailableSeats   int       `json:"availableSeats"`
	PricePaise       int64     `json:"pricePaise"`
	CarModel         string    `json:"carModel,omitempty"`
	CarType          string    `json:"carType,omitempty"`
	GenderPreference string    `json:"genderPreference,omitempty"`
	Note             string    `json:"note,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Departed reports whether the departure time is at or before now.
func (r *Ride) Departed(now time.Time) bool {
	return !r.DepartAt.After(now)
}

// SeatsSold returns how many seats are held by active bookings.
func (r *Ride) SeatsSold() int {
	return r.Capacity - r.AvailableSeats
}

// AllowsGender reports whether a passenger of the given gender may see the ride.
// Rides without a preference match everyone; an unknown gender matches all.
func (r *Ride) AllowsGender(gender string) bool {
	switch r.GenderPreference {
	case GenderAny:
		return true
	case GenderMaleOnly:
		return gender == "" || strings.EqualFold(gender, "MALE")
	case GenderFemaleOnly:
		return gender == "" || strings.EqualFold(gender, "FEMALE")
	default:
		return true
	}
}

// LockKey is the exclusive-lock key guarding a ride's inventory.
func LockKey(rideID string) string {
	return "ride:" + rideID
}

// CreateRequest offers a new ride. Date and Time are interpreted in the
// service's configured timezone.
type CreateRequest struct {
	StartLocation    string          `json:"startLocation" binding:"required,max=200"`
	EndLocation      string          `json:"endLocation" binding:"required,max=200"`
	Date             string          `json:"date" binding:"required"`
	Time             string          `json:"time" binding:"required"`
	Seats            int             `json:"availableSeats" binding:"required,min=1,max=8"`
	Price            decimal.Decimal `json:"price" binding:"required,gt=0"`
	CarModel         string          `json:"carModel" binding:"max=100"`
	CarType          string          `json:"carType" binding:"max=50"`
	GenderPreference string          `json:"genderPreference" binding:"omitempty,oneof=MALE_ONLY FEMALE_ONLY"`
	Note             string          `json:"note" binding:"max=500"`
}

// UpdateRequest patches a ride. Nil fields are left unchanged.
type UpdateRequest struct {
	StartLocation    *string          `json:"startLocation" binding:"omitempty,max=200"`
	EndLocation      *string          `json:"endLocation" binding:"omitempty,max=200"`
	Date             *string          `json:"date"`
	Time             *string          `json:"time"`
	Seats            *int             `json:"availableSeats" binding:"omitempty,min=1,max=8"`
	Price            *decimal.Decimal `json:"price"`
	CarModel         *string          `json:"carModel" binding:"omitempty,max=100"`
	CarType          *string          `json:"carType" binding:"omitempty,max=50"`
	GenderPreference *string          `json:"genderPreference" binding:"omitempty,oneof=MALE_ONLY FEMALE_ONLY NONE"`
	Note             *string          `json:"note" binding:"omitempty,max=500"`
}

// SearchQuery filters active rides.
type SearchQuery struct {
	From         string
	To           string
	Date         string // YYYY-MM-DD
	MinSeats     int
	MinPrice     *decimal.Decimal
	MaxPrice     *decimal.Decimal
	CarType      string
	UserGender   string // gender of the searching user, if known
	GenderFilter bool   // apply UserGender against ride preferences
	Limit        int
}

// Filter is the store-level query.
type Filter struct {
	DriverID      string
	From          string // case-insensitive exact match
	To            string
	Status        Status
	DepartAfter   time.Time // inclusive lower bound; zero means none
	DepartBefore  time.Time // exclusive upper bound; zero means none
	MinSeats      int
	MinPricePaise int64
	MaxPricePaise int64 // zero means none
	CarType       string
	Limit         int
}

// Matches reports whether r satisfies f. Stores that cannot push a filter
// down use it directly.
func (f Filter) Matches(r *Ride) bool {
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if f.From != "" && !strings.EqualFold(r.StartLocation, f.From) {
		return false
	}
	if f.To != "" && !strings.EqualFold(r.EndLocation, f.To) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.DepartAfter.IsZero() && r.DepartAt.Before(f.DepartAfter) {
		return false
	}
	if !f.DepartBefore.IsZero() && !r.DepartAt.Before(f.DepartBefore) {
		return false
	}
	if f.MinSeats > 0 && r.AvailableSeats < f.MinSeats {
		return false
	}
	if f.MinPricePaise > 0 && r.PricePaise < f.MinPricePaise {
		return false
	}
	if f.MaxPricePaise > 0 && r.PricePaise > f.MaxPricePaise {
		return false
	}
	if f.CarType != "" && !strings.EqualFold(r.CarType, f.CarType) {
		return false
	}
	return true
}

// Store persists rides.
type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id string) (*Ride, error)
	Update(ctx context.Context, r *Ride) error
	// AdjustSeats adds delta to AvailableSeats, failing with ErrSeatBounds if
	// the result leaves [0, Capacity].
	AdjustSeats(ctx context.Context, id string, delta int) (*Ride, error)
	SetStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Ride, error)
}

// DriverRides splits a driver's rides by departure.
type DriverRides struct {
	Upcoming []*Ride `json:"upcoming"`
	Past     []*Ride `json:"past"`
}
