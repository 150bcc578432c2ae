package settlement

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory settlement store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	byTransaction map[string]*Settlement
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTransaction: make(map[string]*Settlement)}
}

func copySettlement(s *Settlement) *Settlement {
	c := *s
	c.Distributions = append([]Distribution(nil), s.Distributions...)
	return &c
}

func (m *MemoryStore) Create(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTransaction[s.TransactionID] = copySettlement(s)
	return nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byTransaction[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySettlement(s), nil
}
