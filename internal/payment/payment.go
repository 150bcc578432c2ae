package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("payment not found")
	ErrLedgerNotFound = errors.New("escrow ledger not found")
)

// Kind distinguishes the money movements of one transaction.
type Kind string

const (
	KindEarnest    Kind = "earnest"
	KindClosing    Kind = "closing"
	KindMilestone  Kind = "milestone"
	KindSettlement Kind = "settlement"
	KindRefund     Kind = "refund"
)

// Status is the payment lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Payment is one money movement against a transaction's escrow hold.
type Payment struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"transactionId"`
	TaskID         string     `json:"taskId,omitempty"`
	Recipient      string     `json:"recipient,omitempty"`
	Kind           Kind       `json:"kind"`
	Amount         string     `json:"amount"`
	Status         Status     `json:"status"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	GatewayRef     string     `json:"gatewayRef,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Ledger tracks the escrow budget of one transaction: how much is held
// and how much has already been released against the hold.
type Ledger struct {
	TransactionID string    `json:"transactionId"`
	HoldRef       string    `json:"holdRef"`
	Held          string    `json:"held"`
	Released      string    `json:"released"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DistributionLeg is one payout within a settlement distribution.
type DistributionLeg struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Category  string `json:"category"`
}

// Gateway is the external escrow/payment provider.
type Gateway interface {
	// CreateHold places funds in escrow and returns the hold reference.
	CreateHold(ctx context.Context, transactionID, amount string) (string, error)
	// Deposit adds funds to an existing hold and returns a gateway
	// reference for the movement.
	Deposit(ctx context.Context, holdRef, amount string) (string, error)
	// Release pays one recipient out of a hold and returns a gateway
	// reference for the movement.
	Release(ctx context.Context, holdRef, recipient, amount string) (string, error)
	// Distribute executes a multi-leg payout atomically at the gateway.
	Distribute(ctx context.Context, holdRef string, legs []DistributionLeg) (string, error)
	// Balance reports the remaining funds under a hold.
	Balance(ctx context.Context, holdRef string) (string, error)
}

// Store persists payments and escrow ledgers.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error)

	GetLedger(ctx context.Context, transactionID string) (*Ledger, error)
	SaveLedger(ctx context.Context, l *Ledger) error
}
