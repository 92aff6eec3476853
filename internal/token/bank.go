// Package token is an in-process fungible asset ledger with ERC-20 style
// approvals. The pile ledger debits users only through TransferFrom, so a
// deposit or stake needs a prior Approve for the pool's custody account.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/pile-engine/internal/fixed"
)

var (
	// ErrInsufficientBalance is returned when the sender holds less than the
	// transfer amount.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInsufficientAllowance is returned when the spender was approved for
	// less than the transfer amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

type holding struct {
	asset   string
	account string
}

type approval struct {
	asset   string
	owner   string
	spender string
}

// Bank holds balances and allowances for any number of assets.
type Bank struct {
	mu         sync.RWMutex
	balances   map[holding]fixed.Amount
	allowances map[approval]fixed.Amount
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		balances:   make(map[holding]fixed.Amount),
		allowances: make(map[approval]fixed.Amount),
	}
}

// Mint credits amount of asset to account out of thin air.
func (b *Bank) Mint(asset, account string, amount fixed.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := holding{asset, account}
	bal, err := b.balances[k].Add(amount)
	if err != nil {
		return fmt.Errorf("mint %s: %w", asset, err)
	}
	b.balances[k] = bal
	return nil
}

// BalanceOf returns the asset balance of account.
func (b *Bank) BalanceOf(asset, account string) fixed.Amount {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[holding{asset, account}]
}

// Approve sets the amount spender may move out of owner's balance.
func (b *Bank) Approve(asset, owner, spender string, amount fixed.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[approval{asset, owner, spender}] = amount
}

// Allowance returns the remaining approved amount.
func (b *Bank) Allowance(asset, owner, spender string) fixed.Amount {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowances[approval{asset, owner, spender}]
}

// Transfer moves amount from one account to another.
func (b *Bank) Transfer(_ context.Context, asset, from, to string, amount fixed.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(asset, from, to, amount)
}

// TransferFrom moves amount out of from's balance on behalf of spender and
// consumes the allowance.
func (b *Bank) TransferFrom(_ context.Context, asset, spender, from, to string, amount fixed.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := approval{asset, from, spender}
	remaining, err := b.allowances[k].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s approved %s for %s, need %s",
			ErrInsufficientAllowance, from, spender, b.allowances[k], amount)
	}
	if err := b.move(asset, from, to, amount); err != nil {
		return err
	}
	b.allowances[k] = remaining
	return nil
}

// move must be called with mu held.
func (b *Bank) move(asset, from, to string, amount fixed.Amount) error {
	src := holding{asset, from}
	debited, err := b.balances[src].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s %s, need %s",
			ErrInsufficientBalance, from, b.balances[src], asset, amount)
	}
	dst := holding{asset, to}
	if from == to {
		return nil
	}
	credited, err := b.balances[dst].Add(amount)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", asset, err)
	}
	b.balances[src] = debited
	b.balances[dst] = credited
	return nil
}
