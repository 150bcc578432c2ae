package verification

import (
	"context"
	"log/slog"
	"time"

	"github.com/deedflow/deedflow/internal/audit"
	"github.com/deedflow/deedflow/internal/metrics"
	"github.com/deedflow/deedflow/internal/notify"
)

// DeadlineTimer polls for launched tasks whose deadline has passed and
// escalates each breach exactly once. It never moves a task out of
// in_progress; a late provider can still submit its report.
type DeadlineTimer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewDeadlineTimer creates a deadline poller over the engine's task store.
func NewDeadlineTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *DeadlineTimer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DeadlineTimer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine.
func (dt *DeadlineTimer) Start() {
	go func() {
		defer close(dt.done)
		defer func() {
			if r := recover(); r != nil {
				dt.logger.Error("deadline timer panicked", "panic", r)
			}
		}()

		ticker := time.NewTicker(dt.interval)
		defer ticker.Stop()

		for {
			select {
			case <-dt.stop:
				return
			case <-ticker.C:
				dt.Sweep(context.Background())
			}
		}
	}()
	dt.logger.Info("deadline timer started", "interval", dt.interval)
}

// Stop halts the loop and waits for the current sweep to finish.
func (dt *DeadlineTimer) Stop() {
	close(dt.stop)
	<-dt.done
}

// Sweep escalates every overdue, not yet escalated task. Exposed so a
// sweep can be driven directly in tests and admin tooling.
func (dt *DeadlineTimer) Sweep(ctx context.Context) {
	now := time.Now()
	overdue, err := dt.engine.store.ListOverdue(ctx, now)
	if err != nil {
		dt.logger.Error("deadline sweep failed", "error", err)
		return
	}

	for _, t := range overdue {
		dt.escalate(ctx, t, now)
	}
}

func (dt *DeadlineTimer) escalate(ctx context.Context, t *Task, now time.Time) {
	mu := dt.engine.taskLock(t.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a report or a prior sweep may have landed.
	t, err := dt.engine.store.Get(ctx, t.ID)
	if err != nil {
		dt.logger.Error("deadline escalation read failed", "task_id", t.ID, "error", err)
		return
	}
	if t.Status != StatusInProgress || t.DeadlineNotifiedAt != nil {
		return
	}
	if t.Deadline.IsZero() || t.Deadline.After(now) {
		return
	}

	t.DeadlineNotifiedAt = &now
	t.UpdatedAt = now
	if err := dt.engine.store.Update(ctx, t); err != nil {
		dt.logger.Error("deadline escalation write failed", "task_id", t.ID, "error", err)
		return
	}

	metrics.DeadlineBreachesTotal.Inc()
	dt.engine.recorder.Record(t.TransactionID, audit.EventDeadlineExceeded, map[string]any{
		"task_id": t.ID, "type": string(t.Type),
		"deadline": t.Deadline.Format(time.RFC3339), "provider": t.ProviderID,
	})
	dt.engine.notifier.Emit(t.TransactionID, notify.EventDeadlineExceeded)
	dt.logger.Warn("verification task deadline exceeded",
		"task_id", t.ID, "transaction_id", t.TransactionID,
		"type", t.Type, "deadline", t.Deadline)
}
