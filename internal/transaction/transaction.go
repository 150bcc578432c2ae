// Package transaction owns the escrow transaction lifecycle.
//
// Lifecycle:
//
//	initiated → funded → verification_in_progress → verification_complete
//	          → settlement_pending → settled (terminal)
//
// with two side branches: disputed (reachable from any non-terminal state,
// returns to the prior state on resolution) and cancelled (terminal,
// reachable only before verification completes). The Machine in this
// package is the single writer of transaction state; nothing else mutates
// a Transaction row.
package transaction

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("transaction: not found")
	ErrDisputeNotFound = errors.New("transaction: dispute not found")
	ErrStateConflict   = errors.New("transaction: state changed concurrently")
)

// State is a transaction lifecycle state.
type State string

const (
	StateInitiated         State = "initiated"
	StateFunded            State = "funded"
	StateVerifying         State = "verification_in_progress"
	StateVerified          State = "verification_complete"
	StateSettlementPending State = "settlement_pending"
	StateSettled           State = "settled"
	StateDisputed          State = "disputed"
	StateCancelled         State = "cancelled"
)

// Terminal reports whether s is a final state. Terminal transactions are
// retained for audit, never deleted.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// Transaction is a property-purchase escrow transaction.
type Transaction struct {
	ID            string `json:"id"`
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`
	PropertyID    string `json:"propertyId"`
	EarnestMoney  string `json:"earnestMoney"`
	PurchasePrice string `json:"purchasePrice"`
	State         State  `json:"state"`
	// PriorState holds the state a dispute overlay will pop back to.
	// Empty unless State == disputed.
	PriorState       State     `json:"priorState,omitempty"`
	TargetClosing    time.Time `json:"targetClosingDate"`
	FundingPaymentID string    `json:"fundingPaymentId,omitempty"`
	EscrowHoldRef    string    `json:"escrowHoldRef,omitempty"`
	CancelReason     string    `json:"cancelReason,omitempty"`
	TaskIDs          []string  `json:"taskIds,omitempty"`
	PaymentIDs       []string  `json:"paymentIds,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DisputeStatus is the status of a dispute overlay.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute freezes a transaction's lifecycle until resolved.
type Dispute struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId"`
	RaisedBy      string        `json:"raisedBy"`
	Reason        string        `json:"reason,omitempty"`
	Status        DisputeStatus `json:"status"`
	Resolution    string        `json:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
}

// Store persists transactions and disputes.
//
// Update performs a compare-and-swap on the state column: the write only
// lands if the stored state still equals expected, otherwise
// ErrStateConflict. That backs the single-writer invariant even if two
// processes share a database.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction, expected State) error
	List(ctx context.Context, limit int) ([]*Transaction, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetOpenDispute(ctx context.Context, transactionID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}
