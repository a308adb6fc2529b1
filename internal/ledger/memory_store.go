package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/pagination"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	wallets  map[string]*Wallet
	entries  map[string][]*Entry // userID -> entries, oldest first
	payments map[string]*PaymentRecord
	byKey    map[string]string // idempotency key -> payment ID
	byOrder  map[string]string // provider order ID -> payment ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		entries:  make(map[string][]*Entry),
		payments: make(map[string]*PaymentRecord),
		byKey:    make(map[string]string),
		byOrder:  make(map[string]string),
	}
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID}, nil
}

func (m *MemoryStore) Apply(_ context.Context, e *Entry) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(e)
}

func (m *MemoryStore) applyLocked(e *Entry) (*Wallet, error) {
	if e.Type == EntryRefund && m.hasEntryLocked(e.UserID, EntryRefund, e.Reference) {
		return nil, ErrDuplicateEntry
	}
	w, ok := m.wallets[e.UserID]
	if !ok {
		w = &Wallet{UserID: e.UserID}
	}
	next, err := w.balanceAfter(e)
	if err != nil {
		return nil, err
	}
	w.Balance = next
	if e.Type == EntryDebit {
		w.TotalOut += e.Amount
	} else {
		w.TotalIn += e.Amount
	}
	w.UpdatedAt = e.CreatedAt
	m.wallets[e.UserID] = w

	cp := *e
	cp.BalanceAfter = next
	e.BalanceAfter = next
	m.entries[e.UserID] = append(m.entries[e.UserID], &cp)

	out := *w
	return &out, nil
}

func (m *MemoryStore) HasEntry(_ context.Context, userID string, t EntryType, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasEntryLocked(userID, t, reference), nil
}

func (m *MemoryStore) hasEntryLocked(userID string, t EntryType, reference string) bool {
	for _, e := range m.entries[userID] {
		if e.Type == t && e.Reference == reference {
			return true
		}
	}
	return false
}

func (m *MemoryStore) History(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[userID]
	out := make([]*Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if !before.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListWallets(_ context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) SumEntries(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.entries[userID] {
		sum += e.Type.Sign() * e.Amount
	}
	return sum, nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byKey[p.IdempotencyKey]; taken {
		return ErrDuplicateKey
	}
	cp := *p
	m.payments[p.ID] = &cp
	m.byKey[p.IdempotencyKey] = p.ID
	if p.ProviderOrderID != "" {
		m.byOrder[p.ProviderOrderID] = p.ID
	}
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentLocked(id)
}

func (m *MemoryStore) paymentLocked(id string) (*PaymentRecord, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByKey(_ context.Context, key string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentLocked(m.byKey[key])
}

func (m *MemoryStore) GetPaymentByOrder(_ context.Context, orderID string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentLocked(m.byOrder[orderID])
}

func (m *MemoryStore) SetProviderOrder(_ context.Context, id, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ProviderOrderID = orderID
	m.byOrder[orderID] = id
	return nil
}

func (m *MemoryStore) ListStalePayments(_ context.Context, before time.Time, limit int) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentRecord
	for _, p := range m.payments {
		if p.Status == PaymentCreated && p.CreatedAt.Before(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPayments(_ context.Context, userID string, purpose Purpose, limit int) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentRecord
	for _, p := range m.payments {
		if p.UserID == userID && (purpose == "" || p.Purpose == purpose) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Settle(_ context.Context, id string, status PaymentStatus, providerPaymentID string, at time.Time) (*PaymentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	if p.Settled() {
		cp := *p
		return &cp, false, nil
	}

	if status == PaymentSuccess && p.Purpose == PurposeTopUp {
		if _, err := m.applyLocked(&Entry{
			ID:          idgen.WithPrefix("ent_"),
			UserID:      p.UserID,
			Type:        EntryTopUp,
			Amount:      p.Amount,
			Reference:   p.ID,
			Description: "Wallet top-up",
			CreatedAt:   at,
		}); err != nil {
			return nil, false, err
		}
	}

	p.Status = status
	if providerPaymentID != "" {
		p.ProviderPaymentID = providerPaymentID
	}
	completed := at
	p.CompletedAt = &completed

	cp := *p
	return &cp, true, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	switch p.BookingID {
	case "":
		p.BookingID = bookingID
		return nil
	case bookingID:
		return nil
	default:
		return ErrAlreadyClaimed
	}
}

func (m *MemoryStore) Release(_ context.Context, id, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.BookingID == bookingID {
		p.BookingID = ""
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
