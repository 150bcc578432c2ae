package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deedflow/deedflow/internal/audit"
	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/idgen"
	"github.com/deedflow/deedflow/internal/metrics"
	"github.com/deedflow/deedflow/internal/money"
	"github.com/deedflow/deedflow/internal/notify"
	"github.com/deedflow/deedflow/internal/resilience"
	"github.com/deedflow/deedflow/internal/traces"
	"github.com/deedflow/deedflow/internal/transaction"
)

// Lifecycle is the part of the transaction machine the engine drives.
type Lifecycle interface {
	AdvanceOnTaskEvent(ctx context.Context, id string, event transaction.TaskEvent) (bool, error)
	AttachTasks(ctx context.Context, id string, taskIDs []string) error
	State(ctx context.Context, id string) (transaction.State, error)
}

// MilestoneReleaser releases the payment tied to a completed task. It
// returns the payment ID, which is stable across duplicate submissions.
type MilestoneReleaser interface {
	ReleaseMilestone(ctx context.Context, transactionID, taskID, recipient, amount string) (string, error)
}

// Engine runs the verification workflow: it plans tasks when a
// transaction is created, launches them when funding lands, and consumes
// provider reports, releasing milestone payments and advancing the
// transaction lifecycle as tasks finish.
type Engine struct {
	store     Store
	provider  Provider
	lifecycle Lifecycle
	payments  MilestoneReleaser
	guard     *resilience.Guard
	recorder  *audit.Recorder
	notifier  *notify.Emitter
	logger    *slog.Logger
	locks     sync.Map // task ID -> *sync.Mutex
}

// NewEngine creates a workflow engine.
func NewEngine(store Store, provider Provider, lifecycle Lifecycle, guard *resilience.Guard, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		provider:  provider,
		lifecycle: lifecycle,
		guard:     guard,
		logger:    logger,
	}
}

// WithMilestoneReleaser wires the payment coordinator used on completion.
func (e *Engine) WithMilestoneReleaser(r MilestoneReleaser) *Engine {
	e.payments = r
	return e
}

// WithAuditRecorder adds best-effort audit logging.
func (e *Engine) WithAuditRecorder(r *audit.Recorder) *Engine {
	e.recorder = r
	return e
}

// WithNotifier adds lifecycle event notifications.
func (e *Engine) WithNotifier(n *notify.Emitter) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) taskLock(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// PlanWorkflow creates the pending task set for a new transaction and
// attaches the task IDs to it. Tasks are not assigned to providers until
// LaunchWorkflow runs after funding.
func (e *Engine) PlanWorkflow(ctx context.Context, transactionID string, specs []Spec) ([]*Task, error) {
	ctx, span := traces.StartSpan(ctx, "verification.PlanWorkflow",
		traces.TransactionID(transactionID))
	defer span.End()

	if len(specs) == 0 {
		return nil, errs.Validation("no_tasks", "a workflow needs at least one verification task")
	}

	seen := make(map[Type]bool, len(specs))
	for _, s := range specs {
		if !s.Type.Valid() {
			return nil, errs.Validation("bad_task_type", fmt.Sprintf("unknown task type %q", s.Type))
		}
		if seen[s.Type] {
			return nil, errs.Validation("duplicate_task_type", fmt.Sprintf("task type %q appears twice", s.Type))
		}
		seen[s.Type] = true
		if s.ProviderID == "" {
			return nil, errs.Validation("missing_provider", fmt.Sprintf("task %q has no provider", s.Type))
		}
		if _, ok := money.Parse(s.PaymentAmount); !ok {
			return nil, errs.Validation("bad_payment_amount", fmt.Sprintf("task %q has an invalid payment amount", s.Type))
		}
	}

	now := time.Now()
	tasks := make([]*Task, 0, len(specs))
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		amount, _ := money.Parse(s.PaymentAmount)
		t := &Task{
			ID:            idgen.WithPrefix("vt_"),
			TransactionID: transactionID,
			Type:          s.Type,
			ProviderID:    s.ProviderID,
			Status:        StatusPending,
			PaymentAmount: money.Format(amount),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// Deadline stays zero until launch; the offset is carried on
		// the task row only once it is anchored to a launch time.
		if s.DeadlineOffset > 0 {
			t.Deadline = now.Add(s.DeadlineOffset)
		}
		if err := e.store.Create(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to create task: %w", err)
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}

	if err := e.lifecycle.AttachTasks(ctx, transactionID, ids); err != nil {
		return nil, fmt.Errorf("failed to attach tasks: %w", err)
	}
	return tasks, nil
}

// LaunchWorkflow assigns every pending task of a funded transaction to
// its provider in parallel and re-anchors deadlines to the launch time.
// Provider calls go through the resilience guard; a task whose provider
// cannot be reached stays pending and is reported in the returned error.
func (e *Engine) LaunchWorkflow(ctx context.Context, transactionID string, deadlineOffsets map[Type]time.Duration) error {
	ctx, span := traces.StartSpan(ctx, "verification.LaunchWorkflow",
		traces.TransactionID(transactionID))
	defer span.End()

	state, err := e.lifecycle.State(ctx, transactionID)
	if err != nil {
		return err
	}
	if state != transaction.StateFunded && state != transaction.StateVerifying {
		return errs.Workflow("not_funded",
			fmt.Sprintf("workflow launch requires a funded transaction, state is %s", state))
	}

	tasks, err := e.store.ListByTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	now := time.Now()
	var wg sync.WaitGroup
	failures := make(chan error, len(tasks))
	for _, t := range tasks {
		if t.Status != StatusPending {
			continue
		}
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			if err := e.launchTask(ctx, t, now, deadlineOffsets[t.Type]); err != nil {
				failures <- fmt.Errorf("task %s (%s): %w", t.ID, t.Type, err)
			}
		}(t)
	}
	wg.Wait()
	close(failures)

	var firstErr error
	for err := range failures {
		e.logger.Error("task launch failed", "transaction_id", transactionID, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	// One started event is enough to move funded → verification_in_progress.
	if _, err := e.lifecycle.AdvanceOnTaskEvent(ctx, transactionID, transaction.TaskStarted); err != nil {
		return err
	}
	e.notifier.Emit(transactionID, notify.EventTaskStarted)
	return nil
}

func (e *Engine) launchTask(ctx context.Context, t *Task, launchedAt time.Time, offset time.Duration) error {
	mu := e.taskLock(t.ID)
	mu.Lock()
	defer mu.Unlock()

	err := e.guard.Call(ctx, resilience.ClassVerificationProvider, "assign_task",
		func(ctx context.Context) error {
			return e.provider.AssignTask(ctx, t)
		})
	if err != nil {
		return err
	}

	t.Status = StatusInProgress
	if offset > 0 {
		t.Deadline = launchedAt.Add(offset)
	}
	t.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to mark task in progress: %w", err)
	}

	e.recorder.Record(t.TransactionID, audit.EventTaskAssigned, map[string]any{
		"task_id": t.ID, "type": string(t.Type), "provider": t.ProviderID,
	})
	e.logger.Info("verification task launched",
		"task_id", t.ID, "type", t.Type, "provider", t.ProviderID, "deadline", t.Deadline)
	return nil
}

// SubmitReport consumes a provider's result for a task. On completion it
// releases the task's milestone payment before reporting the completion
// to the lifecycle machine, so a transaction can never reach
// verification_complete while a milestone is still unpaid. Duplicate
// submissions for a terminal task return the stored task unchanged.
func (e *Engine) SubmitReport(ctx context.Context, taskID string, report Report) (*Task, error) {
	ctx, span := traces.StartSpan(ctx, "verification.SubmitReport", traces.TaskID(taskID))
	defer span.End()

	if report.Outcome != StatusCompleted && report.Outcome != StatusFailed {
		return nil, errs.Validation("bad_outcome",
			fmt.Sprintf("report outcome must be completed or failed, got %q", report.Outcome))
	}

	mu := e.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusCompleted {
		return t, nil // duplicate report
	}
	// A failed task accepts a corrected report, which is the manual
	// override path for unblocking the transaction.
	if t.Status == StatusDisputed {
		return nil, errs.Workflow("task_disputed", "task findings are under dispute")
	}
	if t.Status == StatusPending {
		return nil, errs.Workflow("task_not_launched", "task has not been assigned yet")
	}

	state, err := e.lifecycle.State(ctx, t.TransactionID)
	if err != nil {
		return nil, err
	}
	if state == transaction.StateCancelled {
		// Record the findings for the archive; no payment, no transition.
		t.Findings = report.Findings
		t.Status = report.Outcome
		now := time.Now()
		t.CompletedAt = &now
		t.UpdatedAt = now
		if err := e.store.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to record late report: %w", err)
		}
		e.logger.Info("report recorded against cancelled transaction",
			"task_id", t.ID, "transaction_id", t.TransactionID)
		return t, nil
	}
	if state == transaction.StateDisputed {
		// Freezing flips in-progress tasks to disputed, but a task that
		// had already failed keeps its status. Its corrected report
		// still waits for the dispute to resolve.
		return nil, errs.Workflow("dispute_open", "transaction is under dispute")
	}

	now := time.Now()
	t.Findings = report.Findings
	t.Status = report.Outcome
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := e.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	metrics.VerificationTasksTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()

	if report.Outcome == StatusFailed {
		e.recorder.Record(t.TransactionID, audit.EventTaskFailed, map[string]any{
			"task_id": t.ID, "type": string(t.Type), "findings": report.Findings,
		})
		e.notifier.Emit(t.TransactionID, notify.EventTaskFailed)
		if _, err := e.lifecycle.AdvanceOnTaskEvent(ctx, t.TransactionID, transaction.TaskFailed); err != nil {
			return nil, err
		}
		return t, nil
	}

	if e.payments != nil && money.IsPositive(t.PaymentAmount) {
		paymentID, err := e.payments.ReleaseMilestone(ctx, t.TransactionID, t.ID, t.ProviderID, t.PaymentAmount)
		if err != nil {
			// The task stays completed; the payment is re-driven via
			// the payment retry path.
			e.recorder.Record(t.TransactionID, audit.EventPaymentFailed, map[string]any{
				"task_id": t.ID, "amount": t.PaymentAmount, "error": err.Error(),
			})
			e.notifier.Emit(t.TransactionID, notify.EventPaymentFailed)
			return t, err
		}
		e.recorder.Record(t.TransactionID, audit.EventPaymentReleased, map[string]any{
			"task_id": t.ID, "payment_id": paymentID, "amount": t.PaymentAmount,
		})
		e.notifier.Emit(t.TransactionID, notify.EventMilestonePaid)
	}

	e.recorder.Record(t.TransactionID, audit.EventTaskCompleted, map[string]any{
		"task_id": t.ID, "type": string(t.Type),
	})

	advanced, err := e.lifecycle.AdvanceOnTaskEvent(ctx, t.TransactionID, transaction.TaskCompleted)
	if err != nil {
		return nil, err
	}
	if advanced {
		e.notifier.Emit(t.TransactionID, notify.EventVerificationComplete)
	} else {
		e.notifier.Emit(t.TransactionID, notify.EventTaskCompleted)
	}
	return t, nil
}

// Get returns a task by ID.
func (e *Engine) Get(ctx context.Context, taskID string) (*Task, error) {
	return e.store.Get(ctx, taskID)
}

// ListByTransaction returns all tasks of a transaction.
func (e *Engine) ListByTransaction(ctx context.Context, transactionID string) ([]*Task, error) {
	return e.store.ListByTransaction(ctx, transactionID)
}

// FreezeTasks marks every in-progress task of the transaction disputed,
// so provider reports are rejected before any milestone payment while
// the dispute is open.
func (e *Engine) FreezeTasks(ctx context.Context, transactionID string) error {
	return e.flipTasks(ctx, transactionID, StatusInProgress, StatusDisputed)
}

// ThawTasks returns the transaction's disputed tasks to in_progress
// after the dispute resolves.
func (e *Engine) ThawTasks(ctx context.Context, transactionID string) error {
	return e.flipTasks(ctx, transactionID, StatusDisputed, StatusInProgress)
}

func (e *Engine) flipTasks(ctx context.Context, transactionID string, from, to Status) error {
	tasks, err := e.store.ListByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		mu := e.taskLock(t.ID)
		mu.Lock()
		cur, err := e.store.Get(ctx, t.ID)
		if err != nil {
			mu.Unlock()
			return err
		}
		if cur.Status == from {
			cur.Status = to
			cur.UpdatedAt = time.Now()
			err = e.store.Update(ctx, cur)
		}
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
