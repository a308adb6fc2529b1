package rides

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ride store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*Ride
}

// NewMemoryStore creates a new in-memory ride store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	if r.AvailableSeats < 0 || r.AvailableSeats > r.Capacity {
		return ErrSeatBounds
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) AdjustSeats(_ context.Context, id string, delta int) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := r.AvailableSeats + delta
	if next < 0 || next > r.Capacity {
		return nil, ErrSeatBounds
	}
	r.AvailableSeats = next
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[id]; !ok {
		return ErrNotFound
	}
	delete(m.rides, id)
	return nil
}

// List returns matching rides ordered by departure.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Ride
	for _, r := range m.rides {
		if f.Matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartAt.Equal(out[j].DepartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DepartAt.Before(out[j].DepartAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
