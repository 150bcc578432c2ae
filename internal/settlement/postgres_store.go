package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists settlements in PostgreSQL. The distribution
// lines are stored as a JSONB column; they are written once and only
// ever read back whole.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Settlement) error {
	dists, err := json.Marshal(s.Distributions)
	if err != nil {
		return fmt.Errorf("failed to encode distributions: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, transaction_id, purchase_price, verification_paid,
			closing_costs, seller_amount, distributions, created_at
		) VALUES ($1, $2, $3::NUMERIC(14,2), $4::NUMERIC(14,2),
			  $5::NUMERIC(14,2), $6::NUMERIC(14,2), $7, $8)`,
		s.ID, s.TransactionID, s.PurchasePrice, s.VerificationPaid,
		s.ClosingCosts, s.SellerAmount, dists, s.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Settlement, error) {
	s := &Settlement{}
	var dists []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, purchase_price, verification_paid,
		       closing_costs, seller_amount, distributions, created_at
		FROM settlements WHERE transaction_id = $1`, transactionID,
	).Scan(&s.ID, &s.TransactionID, &s.PurchasePrice, &s.VerificationPaid,
		&s.ClosingCosts, &s.SellerAmount, &dists, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dists, &s.Distributions); err != nil {
		return nil, fmt.Errorf("failed to decode distributions: %w", err)
	}
	return s, nil
}
