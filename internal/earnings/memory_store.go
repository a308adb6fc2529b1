package earnings

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory earnings store for development and tests.
type MemoryStore struct {
	accounts map[string]*Earnings
	applied  map[string]bool // kind:reference
	payouts  map[string][]*Payout
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory earnings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Earnings),
		applied:  make(map[string]bool),
		payouts:  make(map[string][]*Payout),
	}
}

func (m *MemoryStore) Get(_ context.Context, driverID string) (*Earnings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot(driverID), nil
}

func (m *MemoryStore) snapshot(driverID string) *Earnings {
	if e, ok := m.accounts[driverID]; ok {
		cp := *e
		return &cp
	}
	return &Earnings{DriverID: driverID}
}

func (m *MemoryStore) Record(_ context.Context, mv *Movement) (*Earnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(mv.Kind) + ":" + mv.Reference
	if m.applied[key] {
		return nil, ErrDuplicateReference
	}
	m.applied[key] = true

	e, ok := m.accounts[mv.DriverID]
	if !ok {
		e = &Earnings{DriverID: mv.DriverID}
		m.accounts[mv.DriverID] = e
	}
	s := mv.sign()
	e.TotalEarnings += s * mv.Net
	e.PendingPayout += s * mv.Net
	e.PlatformCommission += s * mv.Commission
	e.UpdatedAt = mv.CreatedAt
	return m.snapshot(mv.DriverID), nil
}

func (m *MemoryStore) CreatePayout(_ context.Context, p *Payout) (*Earnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.accounts[p.DriverID]
	if !ok || e.PendingPayout < p.Amount {
		return nil, ErrExceedsPending
	}
	e.PendingPayout -= p.Amount
	e.PaidAmount += p.Amount
	e.UpdatedAt = p.CreatedAt

	cp := *p
	m.payouts[p.DriverID] = append(m.payouts[p.DriverID], &cp)
	return m.snapshot(p.DriverID), nil
}

func (m *MemoryStore) ListPayouts(_ context.Context, driverID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Payout, 0, len(m.payouts[driverID]))
	for _, p := range m.payouts[driverID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
