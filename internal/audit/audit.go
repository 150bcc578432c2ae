// Package audit records every state transition and payment event to an
// append-only audit log.
//
// Logging is best-effort: failures are retried through the resilience
// layer but never block or roll back the transition being recorded.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/deedflow/deedflow/internal/resilience"
)

// Event types recorded against the audit log.
const (
	EventTransactionInitiated = "transaction.initiated"
	EventTransactionFunded    = "transaction.funded"
	EventTransactionCancelled = "transaction.cancelled"
	EventTransactionSettled   = "transaction.settled"
	EventStateTransition      = "transaction.state_transition"
	EventDisputeRaised        = "dispute.raised"
	EventDisputeResolved      = "dispute.resolved"
	EventTaskAssigned         = "verification.task_assigned"
	EventTaskCompleted        = "verification.task_completed"
	EventTaskFailed           = "verification.task_failed"
	EventDeadlineExceeded     = "verification.deadline_exceeded"
	EventPaymentReleased      = "payment.released"
	EventPaymentFailed        = "payment.failed"
	EventSettlementComputed   = "settlement.computed"
)

// Logger is the external audit-log interface. Implementations may write to
// Postgres, an append-only ledger service, or a blockchain anchor; the core
// only sees the opaque log reference.
type Logger interface {
	LogEvent(ctx context.Context, transactionID, eventType string, payload map[string]any) (logRef string, err error)
	VerifyEvent(ctx context.Context, logRef string) (bool, error)
}

// Recorder wraps a Logger with best-effort, guarded delivery.
// Record never returns an error and never blocks the caller's transition:
// delivery happens on a background goroutine with its own timeout.
type Recorder struct {
	sink   Logger
	guard  *resilience.Guard
	logger *slog.Logger
}

// NewRecorder creates a best-effort audit recorder.
func NewRecorder(sink Logger, guard *resilience.Guard, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, guard: guard, logger: logger}
}

// Record logs an audit event asynchronously. A nil Recorder is a no-op so
// callers don't have to guard every call site.
func (r *Recorder) Record(transactionID, eventType string, payload map[string]any) {
	if r == nil || r.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := r.guard.Call(ctx, resilience.ClassAuditLog, "log_event", func(ctx context.Context) error {
			_, logErr := r.sink.LogEvent(ctx, transactionID, eventType, payload)
			return logErr
		})
		if err != nil {
			r.logger.Warn("audit event dropped",
				"transaction_id", transactionID, "event", eventType, "error", err)
		}
	}()
}
