package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/deedflow/deedflow/internal/audit"
	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/idgen"
	"github.com/deedflow/deedflow/internal/metrics"
	"github.com/deedflow/deedflow/internal/money"
	"github.com/deedflow/deedflow/internal/resilience"
	"github.com/deedflow/deedflow/internal/traces"
)

// IdempotencyKey derives the stable milestone-release key for a task.
// One task gets at most one completed milestone payment, ever.
func IdempotencyKey(transactionID, taskID string) string {
	sum := sha256.Sum256([]byte(transactionID + ":" + taskID))
	return hex.EncodeToString(sum[:])
}

// Coordinator moves money against a transaction's escrow hold. Every
// gateway call goes through the resilience guard, and milestone releases
// are idempotent on (transaction, task).
type Coordinator struct {
	store    Store
	gateway  Gateway
	guard    *resilience.Guard
	recorder *audit.Recorder
	logger   *slog.Logger
	locks    sync.Map // idempotency key or transaction ID -> *sync.Mutex
}

// NewCoordinator creates a payment coordinator.
func NewCoordinator(store Store, gateway Gateway, guard *resilience.Guard, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		gateway: gateway,
		guard:   guard,
		logger:  logger,
	}
}

// WithAuditRecorder adds best-effort audit logging.
func (c *Coordinator) WithAuditRecorder(r *audit.Recorder) *Coordinator {
	c.recorder = r
	return c
}

func (c *Coordinator) lock(key string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RecordEarnest places the earnest money in escrow and opens the
// transaction's ledger. Calling it again for a transaction that already
// has a ledger returns the original earnest payment.
func (c *Coordinator) RecordEarnest(ctx context.Context, transactionID, amount string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.RecordEarnest",
		traces.TransactionID(transactionID), traces.Amount(amount))
	defer span.End()

	parsed, ok := money.Parse(amount)
	if !ok || parsed.Sign() <= 0 {
		return nil, errs.Validation("bad_amount", "earnest amount must be positive")
	}

	mu := c.lock("earnest:" + transactionID)
	mu.Lock()
	defer mu.Unlock()

	if ledger, err := c.store.GetLedger(ctx, transactionID); err == nil {
		return c.earnestPayment(ctx, transactionID, ledger)
	} else if !errors.Is(err, ErrLedgerNotFound) {
		return nil, err
	}

	var holdRef string
	err := c.guard.Call(ctx, resilience.ClassPaymentGateway, "create_hold",
		func(ctx context.Context) error {
			var err error
			holdRef, err = c.gateway.CreateHold(ctx, transactionID, amount)
			return err
		})
	if err != nil {
		return nil, errs.Payment("hold_failed", "failed to place earnest money in escrow", err)
	}

	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: transactionID,
		Kind:          KindEarnest,
		Amount:        money.Format(parsed),
		Status:        StatusCompleted,
		GatewayRef:    holdRef,
		CompletedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record earnest payment: %w", err)
	}

	ledger := &Ledger{
		TransactionID: transactionID,
		HoldRef:       holdRef,
		Held:          money.Format(parsed),
		Released:      "0.00",
		UpdatedAt:     now,
	}
	if err := c.store.SaveLedger(ctx, ledger); err != nil {
		return nil, fmt.Errorf("failed to open escrow ledger: %w", err)
	}
	c.logger.Info("earnest money held in escrow",
		"transaction_id", transactionID, "amount", p.Amount, "hold_ref", holdRef)
	return p, nil
}

func (c *Coordinator) earnestPayment(ctx context.Context, transactionID string, ledger *Ledger) (*Payment, error) {
	payments, err := c.store.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.Kind == KindEarnest && p.Status == StatusCompleted {
			return p, nil
		}
	}
	return nil, fmt.Errorf("ledger exists for %s (hold %s) but no earnest payment found", transactionID, ledger.HoldRef)
}

// EnsureFunded tops the escrow hold up until the total held reaches
// target, depositing only the shortfall. Called before settlement so the
// closing funds (purchase price minus earnest already held) are on the
// hold; a repeated call after a failed distribution deposits nothing.
func (c *Coordinator) EnsureFunded(ctx context.Context, transactionID, target string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.EnsureFunded",
		traces.TransactionID(transactionID), traces.Amount(target))
	defer span.End()

	want, ok := money.Parse(target)
	if !ok || want.Sign() <= 0 {
		return nil, errs.Validation("bad_amount", "funding target must be positive")
	}

	mu := c.lock("closing:" + transactionID)
	mu.Lock()
	defer mu.Unlock()

	ledger, err := c.store.GetLedger(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	held, _ := money.Parse(ledger.Held)
	shortfall := new(big.Int).Sub(want, held)
	if shortfall.Sign() <= 0 {
		return nil, nil // already funded to the target
	}

	amount := money.Format(shortfall)
	var gatewayRef string
	err = c.guard.Call(ctx, resilience.ClassPaymentGateway, "deposit",
		func(ctx context.Context) error {
			var err error
			gatewayRef, err = c.gateway.Deposit(ctx, ledger.HoldRef, amount)
			return err
		})
	if err != nil {
		return nil, errs.Payment("deposit_failed", "failed to deposit closing funds", err)
	}

	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: transactionID,
		Kind:          KindClosing,
		Amount:        amount,
		Status:        StatusCompleted,
		GatewayRef:    gatewayRef,
		CompletedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record closing deposit: %w", err)
	}

	ledger.Held = money.Format(want)
	ledger.UpdatedAt = now
	if err := c.store.SaveLedger(ctx, ledger); err != nil {
		return nil, fmt.Errorf("failed to update escrow ledger: %w", err)
	}
	c.logger.Info("closing funds deposited",
		"transaction_id", transactionID, "amount", amount, "held", ledger.Held)
	return p, nil
}

// ReleaseMilestone pays a provider for one completed verification task.
// The release is idempotent: a repeated call for the same task returns
// the already-completed payment without touching the gateway, and a call
// after a failed attempt re-drives the same payment row.
func (c *Coordinator) ReleaseMilestone(ctx context.Context, transactionID, taskID, recipient, amount string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.ReleaseMilestone",
		traces.TransactionID(transactionID), traces.TaskID(taskID), traces.Amount(amount))
	defer span.End()

	parsed, ok := money.Parse(amount)
	if !ok || parsed.Sign() <= 0 {
		return nil, errs.Validation("bad_amount", "milestone amount must be positive")
	}

	key := IdempotencyKey(transactionID, taskID)
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	p, err := c.store.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if p.Status == StatusCompleted {
			metrics.MilestoneReleasesTotal.WithLabelValues("duplicate").Inc()
			return p, nil
		}
		// A pending, processing, or failed row from an earlier
		// attempt: re-drive it. The gateway release is idempotent,
		// so a row stranded in processing by a crash is safe to retry.
	case errors.Is(err, ErrNotFound):
		now := time.Now()
		p = &Payment{
			ID:             idgen.WithPrefix("pay_"),
			TransactionID:  transactionID,
			TaskID:         taskID,
			Recipient:      recipient,
			Kind:           KindMilestone,
			Amount:         money.Format(parsed),
			Status:         StatusPending,
			IdempotencyKey: key,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := c.store.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to create milestone payment: %w", err)
		}
	default:
		return nil, err
	}

	return c.drive(ctx, p)
}

// drive executes a pending or failed milestone payment against the
// gateway. Caller must hold the payment's idempotency lock.
func (c *Coordinator) drive(ctx context.Context, p *Payment) (*Payment, error) {
	ledger, err := c.store.GetLedger(ctx, p.TransactionID)
	if err != nil {
		return nil, err
	}

	amount, _ := money.Parse(p.Amount)
	held, _ := money.Parse(ledger.Held)
	released, _ := money.Parse(ledger.Released)
	available := new(big.Int).Sub(held, released)
	if available.Cmp(amount) < 0 {
		return nil, c.fail(ctx, p, errs.Payment("insufficient_escrow",
			fmt.Sprintf("release of %s exceeds remaining escrow %s", p.Amount, money.Format(available)), nil))
	}

	p.Status = StatusProcessing
	p.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to mark payment processing: %w", err)
	}

	var gatewayRef string
	err = c.guard.Call(ctx, resilience.ClassPaymentGateway, "release",
		func(ctx context.Context) error {
			var err error
			gatewayRef, err = c.gateway.Release(ctx, ledger.HoldRef, p.Recipient, p.Amount)
			return err
		})
	if err != nil {
		return nil, c.fail(ctx, p, errs.Payment("release_failed", "gateway refused the milestone release", err))
	}

	now := time.Now()
	p.Status = StatusCompleted
	p.GatewayRef = gatewayRef
	p.FailureReason = ""
	p.CompletedAt = &now
	p.UpdatedAt = now
	if err := c.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to mark payment completed: %w", err)
	}

	ledger.Released = money.Format(new(big.Int).Add(released, amount))
	ledger.UpdatedAt = now
	if err := c.store.SaveLedger(ctx, ledger); err != nil {
		return nil, fmt.Errorf("failed to update escrow ledger: %w", err)
	}

	metrics.MilestoneReleasesTotal.WithLabelValues("completed").Inc()
	c.recorder.Record(p.TransactionID, audit.EventPaymentReleased, map[string]any{
		"payment_id": p.ID, "task_id": p.TaskID, "amount": p.Amount, "gateway_ref": gatewayRef,
	})
	c.logger.Info("milestone payment released",
		"payment_id", p.ID, "task_id", p.TaskID, "amount", p.Amount)
	return p, nil
}

// fail marks the payment failed and returns cause wrapped for the caller.
func (c *Coordinator) fail(ctx context.Context, p *Payment, cause *errs.Error) error {
	p.Status = StatusFailed
	p.FailureReason = cause.Error()
	p.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, p); err != nil {
		c.logger.Error("failed to persist payment failure", "payment_id", p.ID, "error", err)
	}
	metrics.MilestoneReleasesTotal.WithLabelValues("failed").Inc()
	c.recorder.Record(p.TransactionID, audit.EventPaymentFailed, map[string]any{
		"payment_id": p.ID, "task_id": p.TaskID, "amount": p.Amount, "error": cause.Error(),
	})
	return cause
}

// RetryPayment re-drives a failed milestone payment.
func (c *Coordinator) RetryPayment(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.RetryPayment", traces.PaymentID(paymentID))
	defer span.End()

	p, err := c.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Kind != KindMilestone {
		return nil, errs.Validation("not_retryable", "only milestone payments can be retried")
	}

	mu := c.lock(p.IdempotencyKey)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; another retry may have finished it.
	p, err = c.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCompleted {
		return p, nil
	}
	return c.drive(ctx, p)
}

// RefundHold returns the remaining escrow balance to the buyer after a
// cancellation. Completed milestone payments stay paid; only the
// unreleased remainder moves back.
func (c *Coordinator) RefundHold(ctx context.Context, transactionID, buyerID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.RefundHold", traces.TransactionID(transactionID))
	defer span.End()

	mu := c.lock("refund:" + transactionID)
	mu.Lock()
	defer mu.Unlock()

	ledger, err := c.store.GetLedger(ctx, transactionID)
	if errors.Is(err, ErrLedgerNotFound) {
		return nil, nil // never funded, nothing to refund
	}
	if err != nil {
		return nil, err
	}

	held, _ := money.Parse(ledger.Held)
	released, _ := money.Parse(ledger.Released)
	remainder := new(big.Int).Sub(held, released)
	if remainder.Sign() <= 0 {
		return nil, nil
	}

	amount := money.Format(remainder)
	var gatewayRef string
	err = c.guard.Call(ctx, resilience.ClassPaymentGateway, "refund",
		func(ctx context.Context) error {
			var err error
			gatewayRef, err = c.gateway.Release(ctx, ledger.HoldRef, buyerID, amount)
			return err
		})
	if err != nil {
		return nil, errs.Payment("refund_failed", "gateway refused the escrow refund", err)
	}

	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: transactionID,
		Kind:          KindRefund,
		Amount:        amount,
		Status:        StatusCompleted,
		GatewayRef:    gatewayRef,
		CompletedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}

	ledger.Released = ledger.Held
	ledger.UpdatedAt = now
	if err := c.store.SaveLedger(ctx, ledger); err != nil {
		return nil, fmt.Errorf("failed to close escrow ledger: %w", err)
	}
	c.logger.Info("escrow remainder refunded",
		"transaction_id", transactionID, "amount", amount)
	return p, nil
}

// Distribute executes the settlement payout against the remaining hold.
func (c *Coordinator) Distribute(ctx context.Context, transactionID string, legs []DistributionLeg) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Distribute", traces.TransactionID(transactionID))
	defer span.End()

	if len(legs) == 0 {
		return nil, errs.Validation("no_legs", "a distribution needs at least one leg")
	}

	mu := c.lock("settle:" + transactionID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := c.store.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Kind == KindSettlement && p.Status == StatusCompleted {
			c.logger.Info("settlement already distributed",
				"transaction_id", transactionID, "payment_id", p.ID)
			return p, nil
		}
	}

	ledger, err := c.store.GetLedger(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, leg := range legs {
		v, ok := money.Parse(leg.Amount)
		if !ok || v.Sign() < 0 {
			return nil, errs.Validation("bad_leg_amount",
				fmt.Sprintf("leg %q has an invalid amount", leg.Recipient))
		}
		total.Add(total, v)
	}

	var gatewayRef string
	err = c.guard.Call(ctx, resilience.ClassPaymentGateway, "distribute",
		func(ctx context.Context) error {
			var err error
			gatewayRef, err = c.gateway.Distribute(ctx, ledger.HoldRef, legs)
			return err
		})
	if err != nil {
		return nil, errs.Payment("distribution_failed", "gateway refused the settlement distribution", err)
	}

	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: transactionID,
		Kind:          KindSettlement,
		Amount:        money.Format(total),
		Status:        StatusCompleted,
		GatewayRef:    gatewayRef,
		CompletedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record settlement payment: %w", err)
	}
	c.logger.Info("settlement distributed",
		"transaction_id", transactionID, "legs", len(legs), "total", p.Amount)
	return p, nil
}

// Get returns a payment by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Payment, error) {
	return c.store.Get(ctx, id)
}

// ListByTransaction returns all payments of a transaction.
func (c *Coordinator) ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error) {
	return c.store.ListByTransaction(ctx, transactionID)
}

// Ledger returns the escrow ledger of a transaction.
func (c *Coordinator) Ledger(ctx context.Context, transactionID string) (*Ledger, error) {
	return c.store.GetLedger(ctx, transactionID)
}
