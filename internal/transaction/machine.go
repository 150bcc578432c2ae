package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deedflow/deedflow/internal/audit"
	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/idgen"
	"github.com/deedflow/deedflow/internal/metrics"
	"github.com/deedflow/deedflow/internal/money"
	"github.com/deedflow/deedflow/internal/traces"
)

// TaskEvent is a workflow-engine event driving lifecycle transitions.
type TaskEvent string

const (
	TaskStarted   TaskEvent = "task_started"
	TaskCompleted TaskEvent = "task_completed"
	TaskFailed    TaskEvent = "task_failed"
)

// TaskProgress reports whether every verification task of a transaction
// has completed. Implemented by the verification store; consulted under
// the transaction lock so two concurrent completion events cannot both
// observe "all done" and race the transition.
type TaskProgress interface {
	AllCompleted(ctx context.Context, transactionID string) (bool, error)
}

// InitiateRequest contains the parameters for creating a transaction.
type InitiateRequest struct {
	BuyerID       string    `json:"buyerId" binding:"required"`
	SellerID      string    `json:"sellerId" binding:"required"`
	PropertyID    string    `json:"propertyId" binding:"required"`
	EarnestMoney  string    `json:"earnestMoney" binding:"required"`
	PurchasePrice string    `json:"purchasePrice" binding:"required"`
	TargetClosing time.Time `json:"targetClosingDate"`
}

// Machine is the transaction lifecycle controller. It is the only
// component allowed to mutate transaction state; all transitions for a
// given transaction are serialized through a per-transaction mutex.
type Machine struct {
	store    Store
	progress TaskProgress
	recorder *audit.Recorder
	logger   *slog.Logger
	locks    sync.Map // transaction ID -> *sync.Mutex
}

// NewMachine creates a transaction state machine.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	return &Machine{store: store, logger: logger}
}

// WithTaskProgress wires the verification-task progress check used by
// AdvanceOnTaskEvent.
func (m *Machine) WithTaskProgress(p TaskProgress) *Machine {
	m.progress = p
	return m
}

// WithAuditRecorder adds best-effort audit logging of transitions.
func (m *Machine) WithAuditRecorder(r *audit.Recorder) *Machine {
	m.recorder = r
	return m
}

// txnLock returns the mutex serializing transitions for one transaction.
func (m *Machine) txnLock(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func illegal(from State, op string) error {
	return errs.Workflow("illegal_transition",
		fmt.Sprintf("illegal transition: %s not allowed from state %s", op, from))
}

func frozen(op string) error {
	return errs.Workflow("dispute_open",
		fmt.Sprintf("%s rejected: transaction is disputed, resolve the dispute first", op))
}

// Initiate creates a transaction in the initiated state.
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Initiate")
	defer span.End()

	if strings.TrimSpace(req.BuyerID) == "" || strings.TrimSpace(req.SellerID) == "" {
		return nil, errs.Validation("missing_party", "buyer and seller identifiers are required")
	}
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, errs.Validation("same_party", "buyer and seller cannot be the same party")
	}
	if strings.TrimSpace(req.PropertyID) == "" {
		return nil, errs.Validation("missing_property", "property identifier is required")
	}

	earnest, ok := money.Parse(req.EarnestMoney)
	if !ok || earnest.Sign() <= 0 {
		return nil, errs.Validation("bad_earnest_money", "earnest money must be a positive amount")
	}
	price, ok := money.Parse(req.PurchasePrice)
	if !ok || price.Sign() <= 0 {
		return nil, errs.Validation("bad_purchase_price", "purchase price must be a positive amount")
	}
	if earnest.Cmp(price) >= 0 {
		return nil, errs.Validation("earnest_exceeds_price", "earnest money must be less than the purchase price")
	}

	now := time.Now()
	t := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		PropertyID:    req.PropertyID,
		EarnestMoney:  money.Format(earnest),
		PurchasePrice: money.Format(price),
		State:         StateInitiated,
		TargetClosing: req.TargetClosing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	metrics.TransactionStateTransitions.WithLabelValues("none", string(StateInitiated)).Inc()
	m.recorder.Record(t.ID, audit.EventTransactionInitiated, map[string]any{
		"buyer": t.BuyerID, "seller": t.SellerID, "property": t.PropertyID,
		"earnest_money": t.EarnestMoney, "purchase_price": t.PurchasePrice,
	})
	return t, nil
}

// transition sets t.State from its current value to target and persists it
// with a CAS on the previous state. Caller must hold the transaction lock.
func (m *Machine) transition(ctx context.Context, t *Transaction, to State) error {
	from := t.State
	t.State = to
	t.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, t, from); err != nil {
		t.State = from
		return err
	}

	metrics.TransactionStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.recorder.Record(t.ID, audit.EventStateTransition, map[string]any{
		"from": string(from), "to": string(to),
	})
	m.logger.Info("transaction state transition",
		"transaction_id", t.ID, "from", from, "to", to)
	return nil
}

// RecordFunding marks the earnest-money deposit as confirmed and moves the
// transaction from initiated to funded. Repeated confirmations for the
// same payment ID are no-ops.
func (m *Machine) RecordFunding(ctx context.Context, id, paymentID, holdRef string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.RecordFunding",
		traces.TransactionID(id), traces.PaymentID(paymentID))
	defer span.End()

	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.FundingPaymentID == paymentID && paymentID != "" {
		return t, nil // duplicate confirmation
	}
	if t.State == StateDisputed {
		return nil, frozen("record_funding")
	}
	if t.State != StateInitiated {
		return nil, illegal(t.State, "record_funding")
	}

	t.FundingPaymentID = paymentID
	t.EscrowHoldRef = holdRef
	t.PaymentIDs = append(t.PaymentIDs, paymentID)
	if err := m.transition(ctx, t, StateFunded); err != nil {
		return nil, err
	}
	m.recorder.Record(t.ID, audit.EventTransactionFunded, map[string]any{
		"payment_id": paymentID, "hold_ref": holdRef,
	})
	return t, nil
}

// AttachTasks records the verification task IDs planned for a transaction.
func (m *Machine) AttachTasks(ctx context.Context, id string, taskIDs []string) error {
	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	t.TaskIDs = append(t.TaskIDs, taskIDs...)
	t.UpdatedAt = time.Now()
	return m.store.Update(ctx, t, t.State)
}

// AdvanceOnTaskEvent consumes a workflow-engine event and advances the
// lifecycle where the graph allows it. It returns true when a state
// transition actually happened.
//
// Events for cancelled transactions are accepted and produce no change.
// Events for disputed transactions are rejected with a workflow error.
func (m *Machine) AdvanceOnTaskEvent(ctx context.Context, id string, event TaskEvent) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.AdvanceOnTaskEvent",
		traces.TransactionID(id))
	defer span.End()

	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if t.State == StateCancelled {
		return false, nil // late event, accepted without effect
	}
	if t.State == StateDisputed {
		return false, frozen(string(event))
	}

	switch event {
	case TaskStarted:
		if t.State == StateVerifying {
			return false, nil // not the first task to start
		}
		if t.State != StateFunded {
			return false, illegal(t.State, string(event))
		}
		return true, m.transition(ctx, t, StateVerifying)

	case TaskCompleted:
		if t.State == StateVerified || t.State == StateSettlementPending || t.State == StateSettled {
			return false, nil // replayed completion after the fact
		}
		if t.State != StateVerifying {
			return false, illegal(t.State, string(event))
		}
		if m.progress == nil {
			return false, nil
		}
		done, err := m.progress.AllCompleted(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to check task progress: %w", err)
		}
		if !done {
			return false, nil
		}
		return true, m.transition(ctx, t, StateVerified)

	case TaskFailed:
		// A failed task halts progression; it does not move the
		// transaction. Resolution happens via dispute or override.
		return false, nil

	default:
		return false, errs.Validation("unknown_event", fmt.Sprintf("unknown task event %q", event))
	}
}

// BeginSettlement moves a fully verified transaction into
// settlement_pending. Re-entry from settlement_pending is allowed so a
// settlement that failed at the gateway can be retried.
func (m *Machine) BeginSettlement(ctx context.Context, id string) (*Transaction, error) {
	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == StateDisputed {
		return nil, frozen("settle")
	}
	if t.State == StateSettlementPending {
		return t, nil
	}
	if t.State != StateVerified {
		return nil, illegal(t.State, "settle")
	}
	if err := m.transition(ctx, t, StateSettlementPending); err != nil {
		return nil, err
	}
	return t, nil
}

// CompleteSettlement finishes the lifecycle: settlement_pending → settled.
func (m *Machine) CompleteSettlement(ctx context.Context, id string) (*Transaction, error) {
	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != StateSettlementPending {
		return nil, illegal(t.State, "complete_settlement")
	}
	if err := m.transition(ctx, t, StateSettled); err != nil {
		return nil, err
	}
	metrics.SettlementsTotal.Inc()
	m.recorder.Record(t.ID, audit.EventTransactionSettled, nil)
	return t, nil
}

// RaiseDispute pushes the dispute overlay: the current state is saved and
// every transition except resolution is frozen.
func (m *Machine) RaiseDispute(ctx context.Context, id, raisedBy, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.RaiseDispute", traces.TransactionID(id))
	defer span.End()

	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == StateDisputed {
		return nil, errs.Workflow("already_disputed", "transaction already has an open dispute")
	}
	if t.State.Terminal() {
		return nil, illegal(t.State, "raise_dispute")
	}

	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: id,
		RaisedBy:      raisedBy,
		Reason:        reason,
		Status:        DisputeOpen,
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	t.PriorState = t.State
	if err := m.transition(ctx, t, StateDisputed); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.Inc()
	m.recorder.Record(id, audit.EventDisputeRaised, map[string]any{
		"dispute_id": d.ID, "raised_by": raisedBy, "reason": reason,
	})
	return d, nil
}

// ResolveDispute pops the dispute overlay and restores the prior state.
func (m *Machine) ResolveDispute(ctx context.Context, id, resolution string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.ResolveDispute", traces.TransactionID(id))
	defer span.End()

	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != StateDisputed {
		return nil, errs.Workflow("no_open_dispute", "transaction is not disputed")
	}

	d, err := m.store.GetOpenDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	d.Status = DisputeResolved
	d.Resolution = resolution
	d.ResolvedAt = &now
	if err := m.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to resolve dispute: %w", err)
	}

	prior := t.PriorState
	t.PriorState = ""
	if err := m.transition(ctx, t, prior); err != nil {
		return nil, err
	}

	m.recorder.Record(id, audit.EventDisputeResolved, map[string]any{
		"dispute_id": d.ID, "resolution": resolution, "restored_state": string(prior),
	})
	return t, nil
}

// Cancel terminates the transaction. Legal only from initiated, funded,
// or verification_in_progress.
func (m *Machine) Cancel(ctx context.Context, id, reason string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Cancel", traces.TransactionID(id))
	defer span.End()

	mu := m.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == StateDisputed {
		return nil, frozen("cancel")
	}
	switch t.State {
	case StateInitiated, StateFunded, StateVerifying:
	default:
		return nil, illegal(t.State, "cancel")
	}

	t.CancelReason = reason
	if err := m.transition(ctx, t, StateCancelled); err != nil {
		return nil, err
	}
	m.recorder.Record(id, audit.EventTransactionCancelled, map[string]any{"reason": reason})
	return t, nil
}

// Get returns a transaction by ID.
func (m *Machine) Get(ctx context.Context, id string) (*Transaction, error) {
	return m.store.Get(ctx, id)
}

// List returns the most recent transactions.
func (m *Machine) List(ctx context.Context, limit int) ([]*Transaction, error) {
	return m.store.List(ctx, limit)
}

// State returns the current lifecycle state of a transaction.
func (m *Machine) State(ctx context.Context, id string) (State, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.State, nil
}
