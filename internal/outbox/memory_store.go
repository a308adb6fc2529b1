package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Insert(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Event
	for _, e := range m.events {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Event, 0, len(due))
	for _, e := range due {
		e.NextAttemptAt = now.Add(lease)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusDelivered
	e.Attempts++
	e.DeliveredAt = &at
	e.LastError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LastError = lastErr
	if dead {
		e.Status = StatusDead
	}
	return nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Requeue(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusDead {
		return ErrNotDead
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.NextAttemptAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)
