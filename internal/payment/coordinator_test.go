package payment

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/resilience"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testCoordinator() (*Coordinator, *SimGateway, *MemoryStore) {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	store := NewMemoryStore()
	gateway := NewSimGateway()
	guard := resilience.New(logger).
		WithPolicy(resilience.ClassPaymentGateway, resilience.Policy{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Second,
			MaxAttempts:      1,
			CallTimeout:      time.Second,
		})
	return NewCoordinator(store, gateway, guard, logger), gateway, store
}

func fundedCoordinator(t *testing.T) (*Coordinator, *SimGateway, *MemoryStore) {
	t.Helper()
	c, gateway, store := testCoordinator()
	if _, err := c.RecordEarnest(context.Background(), "txn_1", "30000.00"); err != nil {
		t.Fatalf("RecordEarnest failed: %v", err)
	}
	return c, gateway, store
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("txn_1", "vt_1")
	b := IdempotencyKey("txn_1", "vt_1")
	if a != b {
		t.Errorf("key not stable: %s vs %s", a, b)
	}
	if a == IdempotencyKey("txn_1", "vt_2") || a == IdempotencyKey("txn_2", "vt_1") {
		t.Error("keys collide across tasks or transactions")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestRecordEarnest(t *testing.T) {
	ctx := context.Background()
	c, gateway, _ := testCoordinator()

	p, err := c.RecordEarnest(ctx, "txn_1", "30000.00")
	if err != nil {
		t.Fatalf("RecordEarnest failed: %v", err)
	}
	if p.Kind != KindEarnest || p.Status != StatusCompleted {
		t.Errorf("payment = %+v", p)
	}

	ledger, err := c.Ledger(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Ledger failed: %v", err)
	}
	if ledger.Held != "30000.00" || ledger.Released != "0.00" {
		t.Errorf("ledger = %+v", ledger)
	}

	balance, err := gateway.Balance(ctx, ledger.HoldRef)
	if err != nil || balance != "30000.00" {
		t.Errorf("gateway balance = %s, %v", balance, err)
	}

	// A second deposit confirmation returns the original payment.
	again, err := c.RecordEarnest(ctx, "txn_1", "30000.00")
	if err != nil {
		t.Fatalf("duplicate earnest failed: %v", err)
	}
	if again.ID != p.ID {
		t.Errorf("duplicate earnest created a second payment: %s vs %s", again.ID, p.ID)
	}
}

func TestRecordEarnestGatewayFailure(t *testing.T) {
	ctx := context.Background()
	c, gateway, _ := testCoordinator()
	gateway.FailNext = 1

	_, err := c.RecordEarnest(ctx, "txn_1", "30000.00")
	if e := errs.As(err); e == nil || e.Code != "hold_failed" {
		t.Fatalf("got %v, want payment/hold_failed", err)
	}
	if _, err := c.Ledger(ctx, "txn_1"); err != ErrLedgerNotFound {
		t.Error("ledger opened despite hold failure")
	}
}

func TestReleaseMilestone(t *testing.T) {
	ctx := context.Background()

	t.Run("releases and debits ledger", func(t *testing.T) {
		c, _, _ := fundedCoordinator(t)

		p, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "1200.00")
		if err != nil {
			t.Fatalf("ReleaseMilestone failed: %v", err)
		}
		if p.Status != StatusCompleted || p.Kind != KindMilestone {
			t.Errorf("payment = %+v", p)
		}

		ledger, _ := c.Ledger(ctx, "txn_1")
		if ledger.Released != "1200.00" {
			t.Errorf("released = %s, want 1200.00", ledger.Released)
		}
	})

	t.Run("double release returns the same payment", func(t *testing.T) {
		c, gateway, _ := fundedCoordinator(t)

		first, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "1200.00")
		if err != nil {
			t.Fatal(err)
		}
		// If the duplicate touched the gateway this would fail it.
		gateway.FailNext = 1
		second, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "1200.00")
		if err != nil {
			t.Fatalf("duplicate release failed: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("duplicate created a new payment: %s vs %s", second.ID, first.ID)
		}
		gateway.FailNext = 0

		ledger, _ := c.Ledger(ctx, "txn_1")
		if ledger.Released != "1200.00" {
			t.Errorf("released = %s, funds moved twice", ledger.Released)
		}
	})

	t.Run("concurrent releases settle exactly once", func(t *testing.T) {
		c, _, _ := fundedCoordinator(t)

		var wg sync.WaitGroup
		ids := make(chan string, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "1200.00")
				if err != nil {
					t.Errorf("release failed: %v", err)
					return
				}
				ids <- p.ID
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[string]bool)
		for id := range ids {
			seen[id] = true
		}
		if len(seen) != 1 {
			t.Errorf("got %d distinct payments, want 1", len(seen))
		}
		ledger, _ := c.Ledger(ctx, "txn_1")
		if ledger.Released != "1200.00" {
			t.Errorf("released = %s, want 1200.00", ledger.Released)
		}
	})

	t.Run("overdraw is rejected before the gateway", func(t *testing.T) {
		c, _, _ := fundedCoordinator(t)

		_, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "30000.01")
		if e := errs.As(err); e == nil || e.Code != "insufficient_escrow" {
			t.Fatalf("got %v, want payment/insufficient_escrow", err)
		}

		p, err := c.store.GetByIdempotencyKey(ctx, IdempotencyKey("txn_1", "vt_1"))
		if err != nil {
			t.Fatal(err)
		}
		if p.Status != StatusFailed {
			t.Errorf("status = %s, want failed", p.Status)
		}
	})

	t.Run("gateway failure marks payment failed and retry re-drives it", func(t *testing.T) {
		c, gateway, _ := fundedCoordinator(t)
		gateway.FailNext = 1

		_, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "1200.00")
		if e := errs.As(err); e == nil || e.Code != "release_failed" {
			t.Fatalf("got %v, want payment/release_failed", err)
		}

		failed, err := c.store.GetByIdempotencyKey(ctx, IdempotencyKey("txn_1", "vt_1"))
		if err != nil {
			t.Fatal(err)
		}
		if failed.Status != StatusFailed || failed.FailureReason == "" {
			t.Fatalf("payment = %+v", failed)
		}

		retried, err := c.RetryPayment(ctx, failed.ID)
		if err != nil {
			t.Fatalf("RetryPayment failed: %v", err)
		}
		if retried.ID != failed.ID || retried.Status != StatusCompleted {
			t.Errorf("retried = %+v", retried)
		}
		ledger, _ := c.Ledger(ctx, "txn_1")
		if ledger.Released != "1200.00" {
			t.Errorf("released = %s after retry", ledger.Released)
		}

		// Retrying a completed payment is a no-op.
		again, err := c.RetryPayment(ctx, failed.ID)
		if err != nil || again.Status != StatusCompleted {
			t.Errorf("retry of completed payment: %+v, %v", again, err)
		}
	})
}

func TestRefundHold(t *testing.T) {
	ctx := context.Background()

	t.Run("refunds the unreleased remainder", func(t *testing.T) {
		c, gateway, _ := fundedCoordinator(t)
		if _, err := c.ReleaseMilestone(ctx, "txn_1", "vt_1", "prov-1", "1200.00"); err != nil {
			t.Fatal(err)
		}

		refund, err := c.RefundHold(ctx, "txn_1", "buyer-1")
		if err != nil {
			t.Fatalf("RefundHold failed: %v", err)
		}
		if refund.Kind != KindRefund || refund.Amount != "28800.00" {
			t.Errorf("refund = %+v", refund)
		}

		ledger, _ := c.Ledger(ctx, "txn_1")
		balance, _ := gateway.Balance(ctx, ledger.HoldRef)
		if balance != "0.00" {
			t.Errorf("gateway balance = %s after refund", balance)
		}

		// Nothing left for a second refund.
		again, err := c.RefundHold(ctx, "txn_1", "buyer-1")
		if err != nil || again != nil {
			t.Errorf("second refund = %+v, %v", again, err)
		}
	})

	t.Run("unfunded transaction has nothing to refund", func(t *testing.T) {
		c, _, _ := testCoordinator()
		p, err := c.RefundHold(ctx, "txn_never_funded", "buyer-1")
		if err != nil || p != nil {
			t.Errorf("got %+v, %v, want nil, nil", p, err)
		}
	})
}

func TestEnsureFunded(t *testing.T) {
	ctx := context.Background()
	c, gateway, _ := fundedCoordinator(t)

	p, err := c.EnsureFunded(ctx, "txn_1", "500000.00")
	if err != nil {
		t.Fatalf("EnsureFunded failed: %v", err)
	}
	if p.Kind != KindClosing || p.Amount != "470000.00" {
		t.Errorf("deposit = %+v", p)
	}

	ledger, _ := c.Ledger(ctx, "txn_1")
	if ledger.Held != "500000.00" {
		t.Errorf("held = %s, want 500000.00", ledger.Held)
	}
	balance, _ := gateway.Balance(ctx, ledger.HoldRef)
	if balance != "500000.00" {
		t.Errorf("gateway balance = %s", balance)
	}

	// Retried after a failed distribution: nothing more to deposit.
	again, err := c.EnsureFunded(ctx, "txn_1", "500000.00")
	if err != nil || again != nil {
		t.Errorf("second top-up = %+v, %v, want nil, nil", again, err)
	}
}

func TestDistribute(t *testing.T) {
	ctx := context.Background()
	c, gateway, _ := testCoordinator()
	if _, err := c.RecordEarnest(ctx, "txn_1", "500000.00"); err != nil {
		t.Fatal(err)
	}

	legs := []DistributionLeg{
		{Recipient: "seller-1", Amount: "467900.00", Category: "seller"},
		{Recipient: "agent-1", Amount: "30000.00", Category: "commission"},
		{Recipient: "escrow-co", Amount: "2100.00", Category: "closing_costs"},
	}
	p, err := c.Distribute(ctx, "txn_1", legs)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if p.Kind != KindSettlement || p.Amount != "500000.00" {
		t.Errorf("settlement payment = %+v", p)
	}

	ledger, _ := c.Ledger(ctx, "txn_1")
	balance, _ := gateway.Balance(ctx, ledger.HoldRef)
	if balance != "0.00" {
		t.Errorf("gateway balance = %s after distribution", balance)
	}

	if _, err := c.Distribute(ctx, "txn_1", nil); errs.As(err) == nil {
		t.Error("empty distribution should be rejected")
	}
}

func TestDistributeReplayedIsSinglePayout(t *testing.T) {
	ctx := context.Background()
	c, _, _ := testCoordinator()
	if _, err := c.RecordEarnest(ctx, "txn_1", "500000.00"); err != nil {
		t.Fatal(err)
	}

	legs := []DistributionLeg{
		{Recipient: "seller-1", Amount: "500000.00", Category: "seller"},
	}
	first, err := c.Distribute(ctx, "txn_1", legs)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	// The hold is empty after the first payout, so a replay that reached
	// the gateway would overdraw it. It must return the recorded payment
	// instead.
	second, err := c.Distribute(ctx, "txn_1", legs)
	if err != nil {
		t.Fatalf("replayed Distribute failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay created a new payment: %s vs %s", second.ID, first.ID)
	}

	payments, _ := c.ListByTransaction(ctx, "txn_1")
	settlements := 0
	for _, p := range payments {
		if p.Kind == KindSettlement {
			settlements++
		}
	}
	if settlements != 1 {
		t.Errorf("settlement payments = %d, want 1", settlements)
	}
}
