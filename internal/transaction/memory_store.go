package transaction

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	txns     map[string]*Transaction
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]*Transaction),
		disputes: make(map[string]*Dispute),
	}
}

// copyTxn returns a deep copy so callers can't mutate the stored row
// through shared slice backing arrays.
func copyTxn(t *Transaction) *Transaction {
	cp := *t
	if t.TaskIDs != nil {
		cp.TaskIDs = make([]string, len(t.TaskIDs))
		copy(cp.TaskIDs, t.TaskIDs)
	}
	if t.PaymentIDs != nil {
		cp.PaymentIDs = make([]string, len(t.PaymentIDs))
		copy(cp.PaymentIDs, t.PaymentIDs)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txns[t.ID] = copyTxn(t)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTxn(t), nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Transaction, expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.txns[t.ID]
	if !ok {
		return ErrNotFound
	}
	// CAS on the state column: the row must still be in the state the
	// caller read, whether this write is a transition or a field update.
	if stored.State != expected {
		return ErrStateConflict
	}
	m.txns[t.ID] = copyTxn(t)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var result []*Transaction
	for _, t := range m.txns {
		result = append(result, copyTxn(t))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOpenDispute(ctx context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Status == DisputeOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}
