package verification

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists verification tasks in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, transaction_id, task_type, provider_id, status, deadline,
		     payment_amount, findings, completed_at, deadline_notified_at,
		     created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_tasks (
			id, transaction_id, task_type, provider_id, status, deadline,
			payment_amount, findings, completed_at, deadline_notified_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(14,2), $8, $9, $10, $11, $12)`,
		t.ID, t.TransactionID, string(t.Type), t.ProviderID, string(t.Status),
		nullTimeValue(t.Deadline), t.PaymentAmount, nullStr(t.Findings),
		nullTimePtr(t.CompletedAt), nullTimePtr(t.DeadlineNotifiedAt),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM verification_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Task) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE verification_tasks SET
			status = $1, deadline = $2, findings = $3,
			completed_at = $4, deadline_notified_at = $5, updated_at = $6
		WHERE id = $7`,
		string(t.Status), nullTimeValue(t.Deadline), nullStr(t.Findings),
		nullTimePtr(t.CompletedAt), nullTimePtr(t.DeadlineNotifiedAt),
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM verification_tasks
		 WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM verification_tasks
		 WHERE status = 'in_progress'
		   AND deadline IS NOT NULL AND deadline <= $1
		   AND deadline_notified_at IS NULL
		 ORDER BY deadline`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func (p *PostgresStore) AllCompleted(ctx context.Context, transactionID string) (bool, error) {
	var total, completed int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'completed')
		FROM verification_tasks WHERE transaction_id = $1`, transactionID,
	).Scan(&total, &completed)
	if err != nil {
		return false, err
	}
	return total > 0 && total == completed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*Task, error) {
	t := &Task{}
	var taskType, status string
	var deadline, completedAt, notifiedAt sql.NullTime
	var findings sql.NullString

	err := s.Scan(
		&t.ID, &t.TransactionID, &taskType, &t.ProviderID, &status, &deadline,
		&t.PaymentAmount, &findings, &completedAt, &notifiedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = Type(taskType)
	t.Status = Status(status)
	if deadline.Valid {
		t.Deadline = deadline.Time
	}
	t.Findings = findings.String
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if notifiedAt.Valid {
		v := notifiedAt.Time
		t.DeadlineNotifiedAt = &v
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var result []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimeValue(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
