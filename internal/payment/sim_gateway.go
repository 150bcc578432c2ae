package payment

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/deedflow/deedflow/internal/idgen"
	"github.com/deedflow/deedflow/internal/money"
)

// SimGateway is an in-process escrow gateway used in demo mode and tests.
// It keeps real balances per hold and rejects overdraws, so coordinator
// logic exercises the same failure paths a live gateway produces.
type SimGateway struct {
	mu    sync.Mutex
	holds map[string]*big.Int

	// FailNext makes the next n gateway calls fail, for tests.
	FailNext int
}

// NewSimGateway creates an empty simulated gateway.
func NewSimGateway() *SimGateway {
	return &SimGateway{holds: make(map[string]*big.Int)}
}

func (g *SimGateway) failing() bool {
	if g.FailNext > 0 {
		g.FailNext--
		return true
	}
	return false
}

func (g *SimGateway) CreateHold(_ context.Context, transactionID, amount string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing() {
		return "", fmt.Errorf("simulated gateway failure")
	}
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return "", fmt.Errorf("invalid hold amount %q", amount)
	}
	ref := idgen.WithPrefix("hold_")
	g.holds[ref] = v
	return ref, nil
}

func (g *SimGateway) Deposit(_ context.Context, holdRef, amount string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing() {
		return "", fmt.Errorf("simulated gateway failure")
	}
	balance, ok := g.holds[holdRef]
	if !ok {
		return "", fmt.Errorf("unknown hold %q", holdRef)
	}
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return "", fmt.Errorf("invalid deposit amount %q", amount)
	}
	balance.Add(balance, v)
	return idgen.WithPrefix("mov_"), nil
}

func (g *SimGateway) Release(_ context.Context, holdRef, recipient, amount string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing() {
		return "", fmt.Errorf("simulated gateway failure")
	}
	balance, ok := g.holds[holdRef]
	if !ok {
		return "", fmt.Errorf("unknown hold %q", holdRef)
	}
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return "", fmt.Errorf("invalid release amount %q", amount)
	}
	if balance.Cmp(v) < 0 {
		return "", fmt.Errorf("hold %q has %s, cannot release %s to %s",
			holdRef, money.Format(balance), amount, recipient)
	}
	balance.Sub(balance, v)
	return idgen.WithPrefix("mov_"), nil
}

func (g *SimGateway) Distribute(_ context.Context, holdRef string, legs []DistributionLeg) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing() {
		return "", fmt.Errorf("simulated gateway failure")
	}
	balance, ok := g.holds[holdRef]
	if !ok {
		return "", fmt.Errorf("unknown hold %q", holdRef)
	}

	total := new(big.Int)
	for _, leg := range legs {
		v, ok := money.Parse(leg.Amount)
		if !ok || v.Sign() < 0 {
			return "", fmt.Errorf("invalid leg amount %q for %s", leg.Amount, leg.Recipient)
		}
		total.Add(total, v)
	}
	if balance.Cmp(total) < 0 {
		return "", fmt.Errorf("hold %q has %s, distribution totals %s",
			holdRef, money.Format(balance), money.Format(total))
	}
	balance.Sub(balance, total)
	return idgen.WithPrefix("mov_"), nil
}

func (g *SimGateway) Balance(_ context.Context, holdRef string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	balance, ok := g.holds[holdRef]
	if !ok {
		return "", fmt.Errorf("unknown hold %q", holdRef)
	}
	return money.Format(balance), nil
}
