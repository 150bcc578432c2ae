// Package escrow is the composition root: it wires the transaction
// state machine, the verification workflow engine, the payment
// coordinator and the settlement calculator into the public operation
// set, and owns the ordering between them.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/deedflow/deedflow/internal/audit"
	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/money"
	"github.com/deedflow/deedflow/internal/notify"
	"github.com/deedflow/deedflow/internal/payment"
	"github.com/deedflow/deedflow/internal/settlement"
	"github.com/deedflow/deedflow/internal/traces"
	"github.com/deedflow/deedflow/internal/transaction"
	"github.com/deedflow/deedflow/internal/verification"
)

// InitiateRequest opens a transaction together with its verification
// workflow.
type InitiateRequest struct {
	transaction.InitiateRequest
	Tasks []verification.Spec `json:"tasks" binding:"required"`
}

// TransactionView is the aggregate read model returned by Get.
type TransactionView struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Tasks       []*verification.Task     `json:"tasks"`
	Payments    []*payment.Payment       `json:"payments"`
	Settlement  *settlement.Settlement   `json:"settlement,omitempty"`
}

// Orchestrator exposes the public escrow operations.
type Orchestrator struct {
	machine     *transaction.Machine
	engine      *verification.Engine
	coordinator *payment.Coordinator
	settlements settlement.Store
	recorder    *audit.Recorder
	notifier    *notify.Emitter
	logger      *slog.Logger
}

// New creates the orchestrator over its four subsystems.
func New(
	machine *transaction.Machine,
	engine *verification.Engine,
	coordinator *payment.Coordinator,
	settlements settlement.Store,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		machine:     machine,
		engine:      engine,
		coordinator: coordinator,
		settlements: settlements,
		logger:      logger,
	}
}

// WithAuditRecorder adds best-effort audit logging.
func (o *Orchestrator) WithAuditRecorder(r *audit.Recorder) *Orchestrator {
	o.recorder = r
	return o
}

// WithNotifier adds lifecycle event notifications.
func (o *Orchestrator) WithNotifier(n *notify.Emitter) *Orchestrator {
	o.notifier = n
	return o
}

// MilestoneBridge adapts the coordinator to the workflow engine's
// release interface.
type MilestoneBridge struct {
	Coordinator *payment.Coordinator
}

func (b MilestoneBridge) ReleaseMilestone(ctx context.Context, transactionID, taskID, recipient, amount string) (string, error) {
	p, err := b.Coordinator.ReleaseMilestone(ctx, transactionID, taskID, recipient, amount)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// Initiate creates the transaction and plans its verification workflow.
// The tasks stay pending until funding lands.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*TransactionView, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Initiate")
	defer span.End()

	t, err := o.machine.Initiate(ctx, req.InitiateRequest)
	if err != nil {
		return nil, err
	}
	tasks, err := o.engine.PlanWorkflow(ctx, t.ID, req.Tasks)
	if err != nil {
		return nil, err
	}

	o.notifier.Emit(t.ID, notify.EventTransactionInitiated, t.BuyerID, t.SellerID)
	o.logger.Info("transaction initiated",
		"transaction_id", t.ID, "property", t.PropertyID, "tasks", len(tasks))
	return &TransactionView{Transaction: t, Tasks: tasks}, nil
}

// RecordFunding confirms the earnest deposit: the money goes into
// escrow, the lifecycle moves to funded, and the planned tasks are
// launched to their providers. A repeated confirmation is a no-op.
func (o *Orchestrator) RecordFunding(ctx context.Context, transactionID string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecordFunding",
		traces.TransactionID(transactionID))
	defer span.End()

	t, err := o.machine.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch {
	case t.State == transaction.StateDisputed:
		return nil, errs.Workflow("dispute_open", "funding rejected while the transaction is disputed")
	case t.FundingPaymentID != "":
		return t, nil // deposit already confirmed
	case t.State != transaction.StateInitiated:
		return nil, errs.Workflow("illegal_transition",
			fmt.Sprintf("illegal transition: record_funding not allowed from state %s", t.State))
	}

	p, err := o.coordinator.RecordEarnest(ctx, transactionID, t.EarnestMoney)
	if err != nil {
		return nil, err
	}
	t, err = o.machine.RecordFunding(ctx, transactionID, p.ID, p.GatewayRef)
	if err != nil {
		return nil, err
	}

	if err := o.engine.LaunchWorkflow(ctx, transactionID, o.plannedOffsets(ctx, transactionID)); err != nil {
		// Funding stands; stragglers are picked up by a relaunch.
		o.logger.Error("workflow launch incomplete",
			"transaction_id", transactionID, "error", err)
	}

	o.notifier.Emit(transactionID, notify.EventTransactionFunded, t.BuyerID, t.SellerID)
	return t, nil
}

// plannedOffsets rebuilds each task's deadline offset from its planned
// deadline, so launch re-anchors deadlines to the funding time instead
// of the initiation time.
func (o *Orchestrator) plannedOffsets(ctx context.Context, transactionID string) map[verification.Type]time.Duration {
	tasks, err := o.engine.ListByTransaction(ctx, transactionID)
	if err != nil {
		o.logger.Error("failed to list tasks for deadline offsets", "error", err)
		return nil
	}
	offsets := make(map[verification.Type]time.Duration, len(tasks))
	for _, t := range tasks {
		if !t.Deadline.IsZero() {
			offsets[t.Type] = t.Deadline.Sub(t.CreatedAt)
		}
	}
	return offsets
}

// SubmitReport consumes a provider's verification result.
func (o *Orchestrator) SubmitReport(ctx context.Context, taskID string, report verification.Report) (*verification.Task, error) {
	return o.engine.SubmitReport(ctx, taskID, report)
}

// Settle closes a fully verified transaction: it computes the closing
// statement, makes sure the escrow hold covers the purchase price,
// distributes the funds and completes the lifecycle. A settlement that
// failed at the gateway can be retried; the transaction stays in
// settlement_pending until the distribution lands.
func (o *Orchestrator) Settle(ctx context.Context, transactionID string, terms settlement.Terms) (*settlement.Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Settle", traces.TransactionID(transactionID))
	defer span.End()

	t, err := o.machine.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	paid, err := o.verificationPaid(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	// Compute validates the terms. Rejected terms must leave the
	// transaction in its verified state, so the state machine only
	// moves once the settlement is known to be sound.
	s, err := settlement.Compute(transactionID, t.SellerID, t.PurchasePrice, paid, terms)
	if err != nil {
		return nil, err
	}

	if _, err := o.machine.BeginSettlement(ctx, transactionID); err != nil {
		return nil, err
	}

	if _, err := o.coordinator.EnsureFunded(ctx, transactionID, t.PurchasePrice); err != nil {
		return nil, err
	}

	legs := make([]payment.DistributionLeg, 0, len(s.Distributions))
	for _, d := range s.Distributions {
		legs = append(legs, payment.DistributionLeg{
			Recipient: d.Recipient, Amount: d.Amount, Category: d.Category,
		})
	}
	if _, err := o.coordinator.Distribute(ctx, transactionID, legs); err != nil {
		return nil, err
	}

	if err := o.settlements.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist settlement: %w", err)
	}
	if _, err := o.machine.CompleteSettlement(ctx, transactionID); err != nil {
		return nil, err
	}

	o.recorder.Record(transactionID, audit.EventSettlementComputed, map[string]any{
		"settlement_id": s.ID, "seller_amount": s.SellerAmount,
		"verification_paid": s.VerificationPaid,
	})
	o.notifier.Emit(transactionID, notify.EventTransactionSettled, t.BuyerID, t.SellerID)
	o.logger.Info("transaction settled",
		"transaction_id", transactionID, "seller_amount", s.SellerAmount)
	return s, nil
}

// verificationPaid sums the completed milestone payments of a transaction.
func (o *Orchestrator) verificationPaid(ctx context.Context, transactionID string) (string, error) {
	payments, err := o.coordinator.ListByTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	total := new(big.Int)
	for _, p := range payments {
		if p.Kind != payment.KindMilestone || p.Status != payment.StatusCompleted {
			continue
		}
		v, ok := money.Parse(p.Amount)
		if !ok {
			return "", fmt.Errorf("payment %s has unparseable amount %q", p.ID, p.Amount)
		}
		total.Add(total, v)
	}
	return money.Format(total), nil
}

// RaiseDispute freezes the transaction lifecycle.
func (o *Orchestrator) RaiseDispute(ctx context.Context, transactionID, raisedBy, reason string) (*transaction.Dispute, error) {
	d, err := o.machine.RaiseDispute(ctx, transactionID, raisedBy, reason)
	if err != nil {
		return nil, err
	}
	if err := o.engine.FreezeTasks(ctx, transactionID); err != nil {
		// The dispute stands; unfrozen reports still bounce off the
		// machine's dispute check before any state change.
		o.logger.Error("failed to freeze tasks for dispute",
			"transaction_id", transactionID, "error", err)
	}
	o.notifier.Emit(transactionID, notify.EventDisputeRaised)
	return d, nil
}

// ResolveDispute unfreezes the transaction and restores its prior state.
func (o *Orchestrator) ResolveDispute(ctx context.Context, transactionID, resolution string) (*transaction.Transaction, error) {
	t, err := o.machine.ResolveDispute(ctx, transactionID, resolution)
	if err != nil {
		return nil, err
	}
	if err := o.engine.ThawTasks(ctx, transactionID); err != nil {
		o.logger.Error("failed to thaw tasks after dispute",
			"transaction_id", transactionID, "error", err)
	}
	o.notifier.Emit(transactionID, notify.EventDisputeResolved)
	return t, nil
}

// Cancel terminates the transaction and refunds the unreleased escrow
// remainder to the buyer. Providers already paid stay paid.
func (o *Orchestrator) Cancel(ctx context.Context, transactionID, reason string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.TransactionID(transactionID))
	defer span.End()

	t, err := o.machine.Cancel(ctx, transactionID, reason)
	if err != nil {
		return nil, err
	}

	if refund, err := o.coordinator.RefundHold(ctx, transactionID, t.BuyerID); err != nil {
		// The cancellation stands; the refund is re-driven manually.
		o.logger.Error("escrow refund failed after cancellation",
			"transaction_id", transactionID, "error", err)
	} else if refund != nil {
		o.logger.Info("escrow remainder refunded",
			"transaction_id", transactionID, "amount", refund.Amount)
	}

	o.notifier.Emit(transactionID, notify.EventTransactionCancelled, t.BuyerID, t.SellerID)
	return t, nil
}

// RetryPayment re-drives a failed milestone payment and, if the rest of
// the workflow already finished, lets the lifecycle catch up.
func (o *Orchestrator) RetryPayment(ctx context.Context, paymentID string) (*payment.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RetryPayment", traces.PaymentID(paymentID))
	defer span.End()

	p, err := o.coordinator.RetryPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	// The payment's task completed before the original release failed;
	// report the completion again so a stalled transaction advances.
	if p.TaskID != "" {
		if _, err := o.machine.AdvanceOnTaskEvent(ctx, p.TransactionID, transaction.TaskCompleted); err != nil {
			var e *errs.Error
			if !errors.As(err, &e) || e.Class != errs.ClassWorkflow {
				return p, err
			}
		}
	}
	return p, nil
}

// Get assembles the aggregate view of a transaction.
func (o *Orchestrator) Get(ctx context.Context, transactionID string) (*TransactionView, error) {
	t, err := o.machine.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.engine.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	payments, err := o.coordinator.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	view := &TransactionView{Transaction: t, Tasks: tasks, Payments: payments}

	s, err := o.settlements.GetByTransaction(ctx, transactionID)
	switch {
	case err == nil:
		view.Settlement = s
	case errors.Is(err, settlement.ErrNotFound):
	default:
		return nil, err
	}
	return view, nil
}
