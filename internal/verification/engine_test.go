package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/resilience"
	"github.com/deedflow/deedflow/internal/transaction"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// fakeLifecycle records the events it receives and answers with a fixed
// transaction state.
type fakeLifecycle struct {
	mu      sync.Mutex
	state   transaction.State
	events  []transaction.TaskEvent
	tasks   []string
	advance bool
	err     error
}

func (f *fakeLifecycle) AdvanceOnTaskEvent(_ context.Context, _ string, event transaction.TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.advance, f.err
}

func (f *fakeLifecycle) AttachTasks(_ context.Context, _ string, taskIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskIDs...)
	return nil
}

func (f *fakeLifecycle) State(_ context.Context, _ string) (transaction.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeLifecycle) received() []transaction.TaskEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transaction.TaskEvent(nil), f.events...)
}

// fakeProvider counts assignments and optionally fails for some task types.
type fakeProvider struct {
	mu       sync.Mutex
	assigned []string
	failFor  map[Type]error
}

func (f *fakeProvider) AssignTask(_ context.Context, t *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[t.Type]; err != nil {
		return err
	}
	f.assigned = append(f.assigned, t.ID)
	return nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigned)
}

// fakeReleaser records milestone releases, one payment ID per task.
type fakeReleaser struct {
	mu       sync.Mutex
	released map[string]string // task ID -> payment ID
	err      error
}

func (f *fakeReleaser) ReleaseMilestone(_ context.Context, _, taskID, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.released == nil {
		f.released = make(map[string]string)
	}
	if id, ok := f.released[taskID]; ok {
		return id, nil
	}
	id := fmt.Sprintf("pay_%d", len(f.released)+1)
	f.released[taskID] = id
	return id, nil
}

func standardSpecs() []Spec {
	return []Spec{
		{Type: TypeTitleSearch, ProviderID: "prov-title", PaymentAmount: "1200.00", DeadlineOffset: 10 * 24 * time.Hour},
		{Type: TypeInspection, ProviderID: "prov-inspect", PaymentAmount: "650.00", DeadlineOffset: 7 * 24 * time.Hour},
		{Type: TypeAppraisal, ProviderID: "prov-appraise", PaymentAmount: "800.00", DeadlineOffset: 14 * 24 * time.Hour},
	}
}

func testEngine(lc *fakeLifecycle, provider *fakeProvider) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	guard := resilience.New(testLogger()).
		WithPolicy(resilience.ClassVerificationProvider, resilience.Policy{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Second,
			MaxAttempts:      1,
			CallTimeout:      time.Second,
		})
	e := NewEngine(store, provider, lc, guard, testLogger())
	return e, store
}

func TestPlanWorkflowValidation(t *testing.T) {
	lc := &fakeLifecycle{state: transaction.StateInitiated}
	e, _ := testEngine(lc, &fakeProvider{})
	ctx := context.Background()

	tests := []struct {
		name  string
		specs []Spec
		code  string
	}{
		{"empty", nil, "no_tasks"},
		{"bad type", []Spec{{Type: "notarization", ProviderID: "p"}}, "bad_task_type"},
		{"duplicate type", []Spec{
			{Type: TypeInspection, ProviderID: "a"},
			{Type: TypeInspection, ProviderID: "b"},
		}, "duplicate_task_type"},
		{"missing provider", []Spec{{Type: TypeLending}}, "missing_provider"},
		{"bad amount", []Spec{{Type: TypeLending, ProviderID: "p", PaymentAmount: "1.2.3"}}, "bad_payment_amount"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.PlanWorkflow(ctx, "txn_1", tc.specs)
			e2 := errs.As(err)
			if e2 == nil || e2.Code != tc.code {
				t.Errorf("got %v, want validation/%s", err, tc.code)
			}
		})
	}
}

func TestPlanWorkflowCreatesPendingTasks(t *testing.T) {
	lc := &fakeLifecycle{state: transaction.StateInitiated}
	e, store := testEngine(lc, &fakeProvider{})
	ctx := context.Background()

	tasks, err := e.PlanWorkflow(ctx, "txn_1", standardSpecs())
	if err != nil {
		t.Fatalf("PlanWorkflow failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("task count = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != StatusPending {
			t.Errorf("task %s status = %s, want pending", task.Type, task.Status)
		}
	}
	if len(lc.tasks) != 3 {
		t.Errorf("attached task IDs = %d, want 3", len(lc.tasks))
	}

	done, err := store.AllCompleted(ctx, "txn_1")
	if err != nil || done {
		t.Errorf("AllCompleted = (%v, %v), want (false, nil)", done, err)
	}
}

func TestLaunchWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns all pending tasks and reports started", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateFunded, advance: true}
		provider := &fakeProvider{}
		e, store := testEngine(lc, provider)

		planned, err := e.PlanWorkflow(ctx, "txn_1", standardSpecs())
		if err != nil {
			t.Fatal(err)
		}
		if err := e.LaunchWorkflow(ctx, "txn_1", nil); err != nil {
			t.Fatalf("LaunchWorkflow failed: %v", err)
		}

		if provider.count() != 3 {
			t.Errorf("assignments = %d, want 3", provider.count())
		}
		for _, p := range planned {
			task, err := store.Get(ctx, p.ID)
			if err != nil {
				t.Fatal(err)
			}
			if task.Status != StatusInProgress {
				t.Errorf("task %s status = %s, want in_progress", task.Type, task.Status)
			}
		}
		events := lc.received()
		if len(events) != 1 || events[0] != transaction.TaskStarted {
			t.Errorf("lifecycle events = %v, want one task_started", events)
		}
	})

	t.Run("refuses unfunded transaction", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateInitiated}
		e, _ := testEngine(lc, &fakeProvider{})

		if _, err := e.PlanWorkflow(ctx, "txn_1", standardSpecs()); err != nil {
			t.Fatal(err)
		}
		err := e.LaunchWorkflow(ctx, "txn_1", nil)
		if e2 := errs.As(err); e2 == nil || e2.Code != "not_funded" {
			t.Errorf("got %v, want workflow/not_funded", err)
		}
	})

	t.Run("provider failure leaves task pending", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateFunded, advance: true}
		provider := &fakeProvider{failFor: map[Type]error{
			TypeInspection: errors.New("provider unreachable"),
		}}
		e, store := testEngine(lc, provider)

		planned, err := e.PlanWorkflow(ctx, "txn_1", standardSpecs())
		if err != nil {
			t.Fatal(err)
		}
		if err := e.LaunchWorkflow(ctx, "txn_1", nil); err == nil {
			t.Fatal("expected launch error")
		}

		for _, p := range planned {
			task, _ := store.Get(ctx, p.ID)
			want := StatusInProgress
			if task.Type == TypeInspection {
				want = StatusPending
			}
			if task.Status != want {
				t.Errorf("task %s status = %s, want %s", task.Type, task.Status, want)
			}
		}

		// A relaunch picks up only the stragglers.
		provider.failFor = nil
		if err := e.LaunchWorkflow(ctx, "txn_1", nil); err != nil {
			t.Fatalf("relaunch failed: %v", err)
		}
		task, _ := store.Get(ctx, planned[1].ID)
		if task.Status != StatusInProgress {
			t.Errorf("relaunched task status = %s", task.Status)
		}
	})

	t.Run("deadline offsets anchor to launch time", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateFunded, advance: true}
		e, store := testEngine(lc, &fakeProvider{})

		planned, err := e.PlanWorkflow(ctx, "txn_1", []Spec{
			{Type: TypeTitleSearch, ProviderID: "p", PaymentAmount: "100.00"},
		})
		if err != nil {
			t.Fatal(err)
		}
		before := time.Now()
		offsets := map[Type]time.Duration{TypeTitleSearch: 72 * time.Hour}
		if err := e.LaunchWorkflow(ctx, "txn_1", offsets); err != nil {
			t.Fatal(err)
		}

		task, _ := store.Get(ctx, planned[0].ID)
		if task.Deadline.Before(before.Add(72 * time.Hour)) {
			t.Errorf("deadline %v not anchored to launch", task.Deadline)
		}
	})
}

func launchedTask(t *testing.T, e *Engine, lc *fakeLifecycle) *Task {
	t.Helper()
	ctx := context.Background()
	prior := lc.state
	lc.state = transaction.StateFunded
	planned, err := e.PlanWorkflow(ctx, "txn_1", standardSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LaunchWorkflow(ctx, "txn_1", nil); err != nil {
		t.Fatal(err)
	}
	lc.state = prior
	lc.mu.Lock()
	lc.events = nil
	lc.mu.Unlock()
	return planned[0]
}

func TestSubmitReport(t *testing.T) {
	ctx := context.Background()

	t.Run("completion pays milestone then advances", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)

		got, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusCompleted, Findings: "clear title"})
		if err != nil {
			t.Fatalf("SubmitReport failed: %v", err)
		}
		if got.Status != StatusCompleted || got.CompletedAt == nil {
			t.Errorf("task = %+v, want completed with timestamp", got)
		}
		if len(releaser.released) != 1 {
			t.Errorf("releases = %d, want 1", len(releaser.released))
		}
		events := lc.received()
		if len(events) != 1 || events[0] != transaction.TaskCompleted {
			t.Errorf("events = %v, want one task_completed", events)
		}
	})

	t.Run("duplicate report is a no-op", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)

		if _, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusCompleted}); err != nil {
			t.Fatal(err)
		}
		if _, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusFailed, Findings: "changed my mind"}); err != nil {
			t.Fatalf("duplicate report errored: %v", err)
		}

		got, _ := e.Get(ctx, task.ID)
		if got.Status != StatusCompleted {
			t.Errorf("status flipped to %s on duplicate report", got.Status)
		}
		if len(releaser.released) != 1 {
			t.Errorf("releases = %d, want 1", len(releaser.released))
		}
	})

	t.Run("failed payment keeps task completed and surfaces error", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{err: errs.Payment("gateway_down", "release failed", errors.New("503"))}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)

		_, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusCompleted})
		if !errs.IsClass(err, errs.ClassPayment) {
			t.Fatalf("got %v, want payment error", err)
		}

		got, _ := e.Get(ctx, task.ID)
		if got.Status != StatusCompleted {
			t.Errorf("status = %s, want completed despite payment failure", got.Status)
		}
		// No completion event reached the lifecycle.
		if events := lc.received(); len(events) != 0 {
			t.Errorf("events = %v, want none", events)
		}
	})

	t.Run("failed outcome reports task_failed without payment", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)

		got, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusFailed, Findings: "foundation damage"})
		if err != nil {
			t.Fatalf("SubmitReport failed: %v", err)
		}
		if got.Status != StatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
		if len(releaser.released) != 0 {
			t.Errorf("releases = %d, want 0", len(releaser.released))
		}
		events := lc.received()
		if len(events) != 1 || events[0] != transaction.TaskFailed {
			t.Errorf("events = %v, want one task_failed", events)
		}
	})

	t.Run("corrected report after failure pays and advances", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)

		if _, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusFailed, Findings: "foundation damage"}); err != nil {
			t.Fatal(err)
		}
		got, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusCompleted, Findings: "repairs verified"})
		if err != nil {
			t.Fatalf("corrected report failed: %v", err)
		}
		if got.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
		if len(releaser.released) != 1 {
			t.Errorf("releases = %d, want 1", len(releaser.released))
		}
		events := lc.received()
		if len(events) != 2 || events[1] != transaction.TaskCompleted {
			t.Errorf("events = %v, want task_failed then task_completed", events)
		}
	})

	t.Run("corrected report waits out an open dispute", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)

		if _, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusFailed, Findings: "foundation damage"}); err != nil {
			t.Fatal(err)
		}
		lc.state = transaction.StateDisputed

		_, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusCompleted, Findings: "repairs verified"})
		if we := errs.As(err); we == nil || we.Code != "dispute_open" {
			t.Fatalf("got %v, want workflow/dispute_open", err)
		}
		got, _ := e.Get(ctx, task.ID)
		if got.Status != StatusFailed {
			t.Errorf("status = %s, want failed left as it was", got.Status)
		}
		if len(releaser.released) != 0 {
			t.Errorf("milestone paid on disputed transaction: %v", releaser.released)
		}
	})

	t.Run("cancelled transaction records findings only", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		releaser := &fakeReleaser{}
		e.WithMilestoneReleaser(releaser)
		task := launchedTask(t, e, lc)
		lc.state = transaction.StateCancelled

		got, err := e.SubmitReport(ctx, task.ID, Report{Outcome: StatusCompleted, Findings: "late result"})
		if err != nil {
			t.Fatalf("late report errored: %v", err)
		}
		if got.Status != StatusCompleted || got.Findings != "late result" {
			t.Errorf("task = %+v", got)
		}
		if len(releaser.released) != 0 {
			t.Errorf("milestone paid on cancelled transaction: %v", releaser.released)
		}
		if events := lc.received(); len(events) != 0 {
			t.Errorf("events = %v, want none", events)
		}
	})

	t.Run("report against unlaunched task fails", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateInitiated}
		e, _ := testEngine(lc, &fakeProvider{})
		planned, err := e.PlanWorkflow(ctx, "txn_1", standardSpecs())
		if err != nil {
			t.Fatal(err)
		}

		_, err = e.SubmitReport(ctx, planned[0].ID, Report{Outcome: StatusCompleted})
		if e2 := errs.As(err); e2 == nil || e2.Code != "task_not_launched" {
			t.Errorf("got %v, want workflow/task_not_launched", err)
		}
	})

	t.Run("bad outcome rejected", func(t *testing.T) {
		lc := &fakeLifecycle{state: transaction.StateVerifying}
		e, _ := testEngine(lc, &fakeProvider{})
		_, err := e.SubmitReport(ctx, "vt_x", Report{Outcome: StatusInProgress})
		if e2 := errs.As(err); e2 == nil || e2.Code != "bad_outcome" {
			t.Errorf("got %v, want validation/bad_outcome", err)
		}
	})
}
