package verification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory task store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func copyTask(t *Task) *Task {
	c := *t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.DeadlineNotifiedAt != nil {
		v := *t.DeadlineNotifiedAt
		c.DeadlineNotifiedAt = &v
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.TransactionID == transactionID {
			result = append(result, copyTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt) ||
			(result[i].CreatedAt.Equal(result[j].CreatedAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.Status != StatusInProgress || t.DeadlineNotifiedAt != nil {
			continue
		}
		if t.Deadline.IsZero() || t.Deadline.After(now) {
			continue
		}
		result = append(result, copyTask(t))
	}
	return result, nil
}

func (s *MemoryStore) AllCompleted(_ context.Context, transactionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := false
	for _, t := range s.tasks {
		if t.TransactionID != transactionID {
			continue
		}
		found = true
		if t.Status != StatusCompleted {
			return false, nil
		}
	}
	return found, nil
}
