package verification

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("verification task not found")
)

// Type identifies the kind of check a verification task performs.
type Type string

const (
	TypeTitleSearch Type = "title_search"
	TypeInspection  Type = "inspection"
	TypeAppraisal   Type = "appraisal"
	TypeLending     Type = "lending"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeTitleSearch, TypeInspection, TypeAppraisal, TypeLending:
		return true
	}
	return false
}

// Status is the verification task lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDisputed   Status = "disputed"
)

// Terminal reports whether the status admits no further report.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one verification check within a transaction's workflow.
// PaymentAmount is fixed at planning time and never changes afterwards.
type Task struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	Type          Type       `json:"type"`
	ProviderID    string     `json:"providerId"`
	Status        Status     `json:"status"`
	Deadline      time.Time  `json:"deadline,omitzero"`
	PaymentAmount string     `json:"paymentAmount"`
	Findings      string     `json:"findings,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	// DeadlineNotifiedAt records the one breach escalation already sent.
	DeadlineNotifiedAt *time.Time `json:"deadlineNotifiedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Spec describes one task to plan for a transaction.
type Spec struct {
	Type          Type   `json:"type" binding:"required"`
	ProviderID    string `json:"providerId" binding:"required"`
	PaymentAmount string `json:"paymentAmount"`
	// DeadlineOffset is how long after launch the task must report.
	DeadlineOffset time.Duration `json:"deadlineOffset"`
}

// Report is a provider's result submission for a task.
type Report struct {
	Outcome  Status `json:"outcome" binding:"required"`
	Findings string `json:"findings"`
}

// Provider dispatches assignment requests to the external party doing the
// actual work (title company, inspector, appraiser, lender).
type Provider interface {
	AssignTask(ctx context.Context, task *Task) error
}

// Store persists verification tasks.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Task, error)
	// ListOverdue returns launched tasks whose deadline passed before now
	// and that have not yet been escalated.
	ListOverdue(ctx context.Context, now time.Time) ([]*Task, error)
	// AllCompleted satisfies the lifecycle machine's progress check.
	AllCompleted(ctx context.Context, transactionID string) (bool, error)
}
