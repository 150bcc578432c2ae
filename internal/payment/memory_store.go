package payment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	byKey    map[string]string // idempotency key -> payment ID
	ledgers  map[string]*Ledger
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byKey:    make(map[string]string),
		ledgers:  make(map[string]*Ledger),
	}
}

func copyPayment(p *Payment) *Payment {
	c := *p
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = copyPayment(p)
	if p.IdempotencyKey != "" {
		s.byKey[p.IdempotencyKey] = p.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (s *MemoryStore) Update(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return ErrNotFound
	}
	s.payments[p.ID] = copyPayment(p)
	return nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(s.payments[id]), nil
}

func (s *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Payment
	for _, p := range s.payments {
		if p.TransactionID == transactionID {
			result = append(result, copyPayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt) ||
			(result[i].CreatedAt.Equal(result[j].CreatedAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

func (s *MemoryStore) GetLedger(_ context.Context, transactionID string) (*Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[transactionID]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	c := *l
	return &c, nil
}

func (s *MemoryStore) SaveLedger(_ context.Context, l *Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *l
	s.ledgers[l.TransactionID] = &c
	return nil
}
