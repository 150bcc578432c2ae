// Package notify delivers lifecycle notifications to transaction parties.
//
// Delivery is fire-and-forget from the core's perspective: errors are
// counted and logged but never returned to the transition that triggered
// them.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lifecycle event types.
const (
	EventTransactionInitiated = "transaction.initiated"
	EventTransactionFunded    = "transaction.funded"
	EventTaskStarted          = "verification.task_started"
	EventTaskCompleted        = "verification.task_completed"
	EventTaskFailed           = "verification.task_failed"
	EventDeadlineExceeded     = "verification.deadline_exceeded"
	EventMilestonePaid        = "payment.milestone_paid"
	EventPaymentFailed        = "payment.failed"
	EventVerificationComplete = "transaction.verification_complete"
	EventDisputeRaised        = "dispute.raised"
	EventDisputeResolved      = "dispute.resolved"
	EventTransactionSettled   = "transaction.settled"
	EventTransactionCancelled = "transaction.cancelled"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deedflow",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deedflow",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Sink is the external notification channel (email, SMS, push). The
// core treats it as opaque.
type Sink interface {
	Notify(ctx context.Context, transactionID, eventType string, recipients []string) error
}

// Emitter wraps a Sink to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

// Emit delivers one event asynchronously. A nil Emitter or Sink is a no-op.
func (e *Emitter) Emit(transactionID, eventType string, recipients ...string) {
	if e == nil || e.sink == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(eventType).Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.sink.Notify(ctx, transactionID, eventType, recipients); err != nil {
			notifyEmitErrors.WithLabelValues(eventType).Inc()
			e.logger.Warn("notification emit failed",
				"event", eventType, "transaction_id", transactionID, "error", err)
		}
	}()
}

// LogSink is a Sink that writes notifications to the structured log.
// Used in demo/development mode when no real channel is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Notify(ctx context.Context, transactionID, eventType string, recipients []string) error {
	s.Logger.Info("notification",
		"transaction_id", transactionID, "event", eventType, "recipients", recipients)
	return nil
}
