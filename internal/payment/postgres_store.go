package payment

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payments and escrow ledgers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, transaction_id, task_id, recipient, kind, amount, status,
			idempotency_key, gateway_ref, failure_reason, completed_at,
			created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, transaction_id, task_id, recipient, kind, amount, status,
			idempotency_key, gateway_ref, failure_reason, completed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(14,2), $7, $8, $9, $10, $11, $12, $13)`,
		pay.ID, pay.TransactionID, nullable(pay.TaskID), nullable(pay.Recipient),
		string(pay.Kind), pay.Amount, string(pay.Status),
		nullable(pay.IdempotencyKey), nullable(pay.GatewayRef), nullable(pay.FailureReason),
		timePtr(pay.CompletedAt), pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pay, err
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, gateway_ref = $2, failure_reason = $3,
			completed_at = $4, updated_at = $5
		WHERE id = $6`,
		string(pay.Status), nullable(pay.GatewayRef), nullable(pay.FailureReason),
		timePtr(pay.CompletedAt), pay.UpdatedAt, pay.ID,
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

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetLedger(ctx context.Context, transactionID string) (*Ledger, error) {
	l := &Ledger{}
	err := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, hold_ref, held, released, updated_at
		FROM escrow_ledgers WHERE transaction_id = $1`, transactionID,
	).Scan(&l.TransactionID, &l.HoldRef, &l.Held, &l.Released, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) SaveLedger(ctx context.Context, l *Ledger) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_ledgers (transaction_id, hold_ref, held, released, updated_at)
		VALUES ($1, $2, $3::NUMERIC(14,2), $4::NUMERIC(14,2), $5)
		ON CONFLICT (transaction_id)
		DO UPDATE SET hold_ref = $2, held = $3::NUMERIC(14,2),
			      released = $4::NUMERIC(14,2), updated_at = $5`,
		l.TransactionID, l.HoldRef, l.Held, l.Released, l.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(s rowScanner) (*Payment, error) {
	pay := &Payment{}
	var taskID, recipient, idemKey, gatewayRef, failureReason sql.NullString
	var kind, status string
	var completedAt sql.NullTime

	err := s.Scan(
		&pay.ID, &pay.TransactionID, &taskID, &recipient, &kind, &pay.Amount, &status,
		&idemKey, &gatewayRef, &failureReason, &completedAt,
		&pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.TaskID = taskID.String
	pay.Recipient = recipient.String
	pay.Kind = Kind(kind)
	pay.Status = Status(status)
	pay.IdempotencyKey = idemKey.String
	pay.GatewayRef = gatewayRef.String
	pay.FailureReason = failureReason.String
	if completedAt.Valid {
		v := completedAt.Time
		pay.CompletedAt = &v
	}
	return pay, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
