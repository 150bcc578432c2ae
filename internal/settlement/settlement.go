// Package settlement computes the final fund distribution of a
// transaction. All arithmetic is fixed-point cents; the seller's
// distribution absorbs any truncation remainder from the percentage
// splits so the distributions always sum exactly.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/idgen"
	"github.com/deedflow/deedflow/internal/money"
)

var ErrNotFound = errors.New("settlement not found")

// Distribution categories.
const (
	CategorySeller       = "seller"
	CategoryCommission   = "commission"
	CategoryClosingCosts = "closing_costs"
)

// Distribution is one payout line of a settlement.
type Distribution struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Category  string `json:"category"`
}

// Settlement is the computed closing statement for one transaction.
type Settlement struct {
	ID               string         `json:"id"`
	TransactionID    string         `json:"transactionId"`
	PurchasePrice    string         `json:"purchasePrice"`
	VerificationPaid string         `json:"verificationPaid"`
	ClosingCosts     string         `json:"closingCosts"`
	SellerAmount     string         `json:"sellerAmount"`
	Distributions    []Distribution `json:"distributions"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Terms are the commission rates and costs applied at closing. Rates are
// basis points of the purchase price.
type Terms struct {
	BuyerCommissionBps  int64  `json:"buyerCommissionBps"`
	SellerCommissionBps int64  `json:"sellerCommissionBps"`
	ClosingCosts        string `json:"closingCosts"`
	BuyerAgentID        string `json:"buyerAgentId"`
	SellerAgentID       string `json:"sellerAgentId"`
	ClosingAgentID      string `json:"closingAgentId"`
}

// Store persists settlements.
type Store interface {
	Create(ctx context.Context, s *Settlement) error
	GetByTransaction(ctx context.Context, transactionID string) (*Settlement, error)
}

// Compute builds the settlement for a transaction.
//
//	seller = price - buyer_commission - seller_commission
//	         - closing_costs - verification_paid
//
// Verification payments were already disbursed during the workflow
// phase, so they reduce the seller's proceeds but do not appear as
// distribution lines. The distributions therefore sum to
// price - verification_paid, to the cent.
func Compute(transactionID, sellerID, purchasePrice, verificationPaid string, terms Terms) (*Settlement, error) {
	price, ok := money.Parse(purchasePrice)
	if !ok || price.Sign() <= 0 {
		return nil, errs.Validation("bad_price", "purchase price must be a positive amount")
	}
	paid, ok := money.Parse(verificationPaid)
	if !ok || paid.Sign() < 0 {
		return nil, errs.Validation("bad_verification_paid", "verification total must be a non-negative amount")
	}
	costs, ok := money.Parse(terms.ClosingCosts)
	if !ok || costs.Sign() < 0 {
		return nil, errs.Validation("bad_closing_costs", "closing costs must be a non-negative amount")
	}
	if terms.BuyerCommissionBps < 0 || terms.SellerCommissionBps < 0 {
		return nil, errs.Validation("bad_commission_rate", "commission rates cannot be negative")
	}
	if terms.BuyerCommissionBps+terms.SellerCommissionBps >= 10000 {
		return nil, errs.Validation("bad_commission_rate", "combined commission rates must be below 100%")
	}

	buyerComm := money.ApplyBasisPoints(price, terms.BuyerCommissionBps)
	sellerComm := money.ApplyBasisPoints(price, terms.SellerCommissionBps)

	// Seller gets whatever remains, which makes the sum exact even when
	// the basis-point splits truncated.
	seller := new(big.Int).Set(price)
	seller.Sub(seller, buyerComm)
	seller.Sub(seller, sellerComm)
	seller.Sub(seller, costs)
	seller.Sub(seller, paid)
	if seller.Sign() <= 0 {
		return nil, errs.Validation("seller_amount_not_positive",
			fmt.Sprintf("commissions, costs and verification fees (%s) consume the purchase price",
				money.Format(money.Sum(buyerComm, sellerComm, costs, paid))))
	}

	var dists []Distribution
	dists = append(dists, Distribution{
		Recipient: sellerID, Amount: money.Format(seller), Category: CategorySeller,
	})
	if buyerComm.Sign() > 0 {
		dists = append(dists, Distribution{
			Recipient: terms.BuyerAgentID, Amount: money.Format(buyerComm), Category: CategoryCommission,
		})
	}
	if sellerComm.Sign() > 0 {
		dists = append(dists, Distribution{
			Recipient: terms.SellerAgentID, Amount: money.Format(sellerComm), Category: CategoryCommission,
		})
	}
	if costs.Sign() > 0 {
		dists = append(dists, Distribution{
			Recipient: terms.ClosingAgentID, Amount: money.Format(costs), Category: CategoryClosingCosts,
		})
	}

	s := &Settlement{
		ID:               idgen.WithPrefix("stl_"),
		TransactionID:    transactionID,
		PurchasePrice:    money.Format(price),
		VerificationPaid: money.Format(paid),
		ClosingCosts:     money.Format(costs),
		SellerAmount:     money.Format(seller),
		Distributions:    dists,
		CreatedAt:        time.Now(),
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// validate re-checks the sum invariant from the computed strings, so a
// future change to the arithmetic cannot ship a statement that does not
// add up.
func (s *Settlement) validate() error {
	price, _ := money.Parse(s.PurchasePrice)
	paid, _ := money.Parse(s.VerificationPaid)
	want := new(big.Int).Sub(price, paid)

	total := new(big.Int)
	for _, d := range s.Distributions {
		v, ok := money.Parse(d.Amount)
		if !ok {
			return fmt.Errorf("settlement %s: unparseable distribution amount %q", s.ID, d.Amount)
		}
		total.Add(total, v)
	}
	if total.Cmp(want) != 0 {
		return fmt.Errorf("settlement %s: distributions sum to %s, want %s",
			s.ID, money.Format(total), money.Format(want))
	}
	return nil
}
