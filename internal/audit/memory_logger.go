package audit

import (
	"context"
	"sync"
	"time"

	"github.com/deedflow/deedflow/internal/idgen"
)

// Entry is one recorded audit event.
type Entry struct {
	LogRef        string         `json:"logRef"`
	TransactionID string         `json:"transactionId"`
	EventType     string         `json:"eventType"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// MemoryLogger is an in-memory audit log for demo/development mode and tests.
type MemoryLogger struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryLogger creates a new in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{entries: make(map[string]*Entry)}
}

func (m *MemoryLogger) LogEvent(ctx context.Context, transactionID, eventType string, payload map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := idgen.WithPrefix("aud_")
	m.entries[ref] = &Entry{
		LogRef:        ref,
		TransactionID: transactionID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
	m.order = append(m.order, ref)
	return ref, nil
}

func (m *MemoryLogger) VerifyEvent(ctx context.Context, logRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[logRef]
	return ok, nil
}

// Entries returns all recorded entries in insertion order.
func (m *MemoryLogger) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.order))
	for _, ref := range m.order {
		cp := *m.entries[ref]
		out = append(out, &cp)
	}
	return out
}

// ByTransaction returns entries for one transaction in insertion order.
func (m *MemoryLogger) ByTransaction(transactionID string) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, ref := range m.order {
		if e := m.entries[ref]; e.TransactionID == transactionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
