package receipts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	byRef    map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
		byRef:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[r.Reference]; ok {
		return nil
	}
	cp := *r
	m.receipts[r.ID] = &cp
	m.byRef[r.Reference] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Receipt, error) {
	m.mu.RLock()
	id, ok := m.byRef[reference]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.BookingID == bookingID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].IssuedAt.After(result[j].IssuedAt)
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
