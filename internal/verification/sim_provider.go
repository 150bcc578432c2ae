package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SimProvider is an in-process verification provider used in demo mode.
// It acknowledges every assignment immediately; outcomes arrive later
// through SubmitReport, the same way a live provider calls back.
type SimProvider struct {
	mu       sync.Mutex
	assigned map[string]Type
	logger   *slog.Logger

	// FailNext makes the next n assignments fail, for tests.
	FailNext int
}

// NewSimProvider creates an empty simulated provider.
func NewSimProvider(logger *slog.Logger) *SimProvider {
	return &SimProvider{assigned: make(map[string]Type), logger: logger}
}

func (p *SimProvider) AssignTask(_ context.Context, t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext > 0 {
		p.FailNext--
		return fmt.Errorf("simulated provider failure")
	}
	p.assigned[t.ID] = t.Type
	if p.logger != nil {
		p.logger.Info("task assigned to provider",
			"task_id", t.ID, "type", t.Type, "provider_id", t.ProviderID)
	}
	return nil
}

// Assigned reports whether a task has been handed to the provider.
func (p *SimProvider) Assigned(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.assigned[taskID]
	return ok
}
