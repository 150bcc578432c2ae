// Package resilience wraps outbound calls with a circuit breaker, a
// per-class retry policy, and a call timeout.
//
// Every external dependency class (payment gateway, verification provider,
// audit log) gets an independent circuit; when a circuit is open, calls
// fail fast with an integration error without touching the network.
// Only classes marked idempotent-safe are retried; state transitions are
// never auto-retried here; the caller decides.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deedflow/deedflow/internal/circuitbreaker"
	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/retry"
)

// Class identifies an external dependency class with its own circuit.
type Class string

const (
	ClassPaymentGateway       Class = "payment_gateway"
	ClassVerificationProvider Class = "verification_provider"
	ClassAuditLog             Class = "audit_log"
)

// Policy configures resilience behavior for one dependency class.
type Policy struct {
	FailureThreshold int           // consecutive failures before the circuit opens
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	MaxAttempts      int           // total attempts when Idempotent (1 = no retry)
	BaseDelay        time.Duration // initial backoff delay, doubled per retry
	CallTimeout      time.Duration // per-attempt deadline
	Idempotent       bool          // safe to auto-retry
}

// DefaultPolicies returns the per-class defaults.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassPaymentGateway: {
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        200 * time.Millisecond,
			CallTimeout:      10 * time.Second,
			Idempotent:       true, // releases carry idempotency keys
		},
		ClassVerificationProvider: {
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        200 * time.Millisecond,
			CallTimeout:      10 * time.Second,
			Idempotent:       true, // assignment acks are safe to repeat
		},
		ClassAuditLog: {
			FailureThreshold: 10,
			RecoveryTimeout:  15 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        100 * time.Millisecond,
			CallTimeout:      5 * time.Second,
			Idempotent:       true,
		},
	}
}

// Guard is the shared resilience wrapper for outbound calls.
type Guard struct {
	mu       sync.RWMutex
	breaker  *circuitbreaker.Breaker
	policies map[Class]Policy
	logger   *slog.Logger
}

// New creates a guard with the default per-class policies.
func New(logger *slog.Logger) *Guard {
	g := &Guard{
		breaker:  circuitbreaker.New(5, 30*time.Second),
		policies: DefaultPolicies(),
		logger:   logger,
	}
	for class, p := range g.policies {
		g.breaker.Configure(string(class), p.FailureThreshold, p.RecoveryTimeout)
	}
	return g
}

// WithPolicy overrides the policy for one class.
func (g *Guard) WithPolicy(class Class, p Policy) *Guard {
	g.mu.Lock()
	g.policies[class] = p
	g.mu.Unlock()
	g.breaker.Configure(string(class), p.FailureThreshold, p.RecoveryTimeout)
	return g
}

// BreakerState returns the current circuit state for a class.
func (g *Guard) BreakerState(class Class) circuitbreaker.State {
	return g.breaker.State(string(class))
}

func (g *Guard) policy(class Class) Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.policies[class]; ok {
		return p
	}
	return Policy{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, MaxAttempts: 1, CallTimeout: 10 * time.Second}
}

// Call invokes fn under the class's circuit and retry policy.
//
// Classified validation/workflow errors from fn are returned as-is without
// retry and without counting against the circuit. Everything else counts
// as a dependency failure; after the policy's attempts are exhausted the
// last error is returned wrapped as an integration error (unless fn
// already classified it).
func (g *Guard) Call(ctx context.Context, class Class, op string, fn func(ctx context.Context) error) error {
	p := g.policy(class)
	key := string(class)

	attempts := p.MaxAttempts
	if !p.Idempotent || attempts <= 0 {
		attempts = 1
	}

	err := retry.Do(ctx, attempts, p.BaseDelay, func() error {
		// The circuit is checked per attempt so a trip mid-retry cuts
		// the remaining attempts off immediately.
		if !g.breaker.Allow(key) {
			return retry.Permanent(errs.Integration("circuit_open",
				fmt.Sprintf("%s circuit is open, %s rejected", class, op), nil))
		}

		attemptCtx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}

		callErr := fn(attemptCtx)
		if callErr == nil {
			g.breaker.RecordSuccess(key)
			return nil
		}

		// Caller bugs are not dependency failures.
		if errs.IsClass(callErr, errs.ClassValidation) || errs.IsClass(callErr, errs.ClassWorkflow) {
			return retry.Permanent(callErr)
		}

		g.breaker.RecordFailure(key)
		g.logger.Warn("guarded call failed",
			"class", class, "op", op, "error", callErr)
		return callErr
	})
	if err == nil {
		return nil
	}

	if e := errs.As(err); e != nil {
		return err
	}
	return errs.Integration("dependency_failed",
		fmt.Sprintf("%s call %s failed after %d attempt(s)", class, op, attempts), err)
}
