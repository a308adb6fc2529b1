package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/rideshare/internal/rides"
)

// MemoryStore keeps bookings in memory next to a ride store. Seat moves go
// through the ride store's bounded AdjustSeats.
type MemoryStore struct {
	rides    rides.Store
	bookings map[string]*Booking
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory booking store over rideStore.
func NewMemoryStore(rideStore rides.Store) *MemoryStore {
	return &MemoryStore{
		rides:    rideStore,
		bookings: make(map[string]*Booking),
	}
}

func (m *MemoryStore) Reserve(ctx context.Context, b *Booking) (*rides.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bookings[b.ID]; exists {
		return nil, fmt.Errorf("booking %s already exists", b.ID)
	}
	ride, err := m.rides.AdjustSeats(ctx, b.RideID, -b.Seats)
	if err != nil {
		return nil, err
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return ride, nil
}

func (m *MemoryStore) Release(ctx context.Context, b *Booking) (*rides.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.bookings[b.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Status != StatusBooked {
		return nil, ErrInvalidState
	}
	ride, err := m.rides.AdjustSeats(ctx, b.RideID, b.Seats)
	if err != nil {
		return nil, err
	}
	cp := *b
	cp.Status = StatusCancelled
	m.bookings[b.ID] = &cp
	return ride, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListByPassenger(_ context.Context, passengerID string) ([]*Booking, error) {
	return m.list(func(b *Booking) bool { return b.PassengerID == passengerID }), nil
}

func (m *MemoryStore) ListByRide(_ context.Context, rideID string) ([]*Booking, error) {
	return m.list(func(b *Booking) bool { return b.RideID == rideID }), nil
}

func (m *MemoryStore) list(keep func(*Booking) bool) []*Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Booking
	for _, b := range m.bookings {
		if keep(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

var _ Store = (*MemoryStore)(nil)
