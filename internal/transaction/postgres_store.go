package transaction

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, buyer_id, seller_id, property_id, earnest_money, purchase_price,
		       state, prior_state, target_closing, funding_payment_id, escrow_hold_ref,
		       cancel_reason, task_ids, payment_ids, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, property_id,
			earnest_money, purchase_price,
			state, prior_state, target_closing,
			funding_payment_id, escrow_hold_ref, cancel_reason,
			task_ids, payment_ids, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(14,2), $6::NUMERIC(14,2),
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16
		)`,
		t.ID, t.BuyerID, t.SellerID, t.PropertyID,
		t.EarnestMoney, t.PurchasePrice,
		string(t.State), nullString(string(t.PriorState)), t.TargetClosing,
		nullString(t.FundingPaymentID), nullString(t.EscrowHoldRef), nullString(t.CancelReason),
		pq.Array(t.TaskIDs), pq.Array(t.PaymentIDs), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction, expected State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			state = $1, prior_state = $2,
			funding_payment_id = $3, escrow_hold_ref = $4, cancel_reason = $5,
			task_ids = $6, payment_ids = $7, updated_at = $8
		WHERE id = $9 AND state = $10`,
		string(t.State), nullString(string(t.PriorState)),
		nullString(t.FundingPaymentID), nullString(t.EscrowHoldRef), nullString(t.CancelReason),
		pq.Array(t.TaskIDs), pq.Array(t.PaymentIDs), t.UpdatedAt,
		t.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or the state moved under us.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, raised_by, reason, status, resolution, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.TransactionID, d.RaisedBy, nullString(d.Reason),
		string(d.Status), nullString(d.Resolution), d.CreatedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) GetOpenDispute(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, raised_by, reason, status, resolution, created_at, resolved_at
		FROM disputes WHERE transaction_id = $1 AND status = 'open'
		ORDER BY created_at DESC LIMIT 1`, transactionID)

	d := &Dispute{}
	var reason, resolution sql.NullString
	var resolvedAt sql.NullTime
	var status string
	err := row.Scan(&d.ID, &d.TransactionID, &d.RaisedBy, &reason, &status, &resolution, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Reason = reason.String
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, resolved_at = $3
		WHERE id = $4`,
		string(d.Status), nullString(d.Resolution), nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var priorState, fundingPaymentID, holdRef, cancelReason sql.NullString
	var taskIDs, paymentIDs pq.StringArray
	var state string

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.PropertyID,
		&t.EarnestMoney, &t.PurchasePrice,
		&state, &priorState, &t.TargetClosing,
		&fundingPaymentID, &holdRef, &cancelReason,
		&taskIDs, &paymentIDs, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	t.PriorState = State(priorState.String)
	t.FundingPaymentID = fundingPaymentID.String
	t.EscrowHoldRef = holdRef.String
	t.CancelReason = cancelReason.String
	t.TaskIDs = taskIDs
	t.PaymentIDs = paymentIDs
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
