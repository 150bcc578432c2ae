package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableByClass(t *testing.T) {
	cases := []struct {
		err       *Error
		retryable bool
	}{
		{Validation("bad_amount", "earnest money must be positive"), false},
		{Workflow("illegal_transition", "cannot settle from funded"), false},
		{Payment("gateway_rejected", "release rejected", nil), true},
		{Integration("circuit_open", "payment gateway unavailable", nil), true},
	}

	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.retryable {
			t.Errorf("%s: Retryable() = %v, want %v", tc.err.Code, got, tc.retryable)
		}
	}
}

func TestWrappedCauseSurvivesErrorsAs(t *testing.T) {
	cause := errors.New("connection refused")
	err := Integration("gateway_unreachable", "payment gateway unreachable", cause)

	wrapped := fmt.Errorf("release milestone: %w", err)

	e := As(wrapped)
	if e == nil {
		t.Fatal("As returned nil for wrapped classified error")
	}
	if e.Code != "gateway_unreachable" {
		t.Errorf("code = %q, want gateway_unreachable", e.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause not reachable through the chain")
	}
	if !Retryable(wrapped) {
		t.Error("wrapped integration error should be retryable")
	}
}

func TestIsClass(t *testing.T) {
	err := fmt.Errorf("settle: %w", Workflow("dispute_open", "transaction is disputed"))

	if !IsClass(err, ClassWorkflow) {
		t.Error("IsClass(workflow) = false, want true")
	}
	if IsClass(err, ClassPayment) {
		t.Error("IsClass(payment) = true, want false")
	}
	if IsClass(errors.New("plain"), ClassWorkflow) {
		t.Error("plain error should not match any class")
	}
	if Retryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
}
