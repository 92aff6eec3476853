package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// Quote is the exchange rate of a pool at one instant.
type Quote struct {
	PoolID      string          `json:"pool_id"`
	TotalShares fixed.Amount    `json:"total_shares"`
	TotalValue  fixed.Amount    `json:"total_value"`
	SharePrice  decimal.Decimal `json:"share_price"` // display only, 18 places
	AsOf        int64           `json:"as_of"`
}

// toShares converts base units to shares at the current rate, 1:1 while no
// shares exist.
func toShares(p *model.Pool, underlying fixed.Amount) (fixed.Amount, error) {
	if p.TotalShares.IsZero() {
		return underlying, nil
	}
	s, err := fixed.MulDiv(underlying, p.TotalShares, p.TotalValue)
	if err != nil {
		return fixed.Amount{}, arith("shares for "+underlying.String(), err)
	}
	return s, nil
}

// toUnderlying converts shares to base units at the current rate.
func toUnderlying(p *model.Pool, shares fixed.Amount) (fixed.Amount, error) {
	if p.TotalShares.IsZero() {
		return shares, nil
	}
	u, err := fixed.MulDiv(shares, p.TotalValue, p.TotalShares)
	if err != nil {
		return fixed.Amount{}, arith("underlying for "+shares.String(), err)
	}
	return u, nil
}

// Deposit pulls amount of the base asset from account into the pool and
// mints shares for it. The account must have approved the pool custody.
func (l *Ledger) Deposit(ctx context.Context, poolID, account string, amount fixed.Amount) (fixed.Amount, error) {
	var minted fixed.Amount
	err := l.run(ctx, "deposit", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroDeposit
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}

		shares, err := toShares(p, amount)
		if err != nil {
			return err
		}
		if shares.IsZero() {
			return fmt.Errorf("%w: %s base units at %s/%s", ErrDepositTooSmall, amount, p.TotalValue, p.TotalShares)
		}
		if err := tx.mint(p, account, shares); err != nil {
			return err
		}
		if p.TotalValue, err = p.TotalValue.Add(amount); err != nil {
			return arith("total value", err)
		}

		tx.pull(p, p.Asset, account, amount)
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventDeposit, Account: account, Amount: amount, Shares: shares})
		minted = shares
		return nil
	})
	if err != nil {
		return fixed.Amount{}, err
	}

	slog.Info("deposit", "pool", poolID, "account", account, "amount", amount.String(), "shares", minted.String())
	return minted, nil
}

// Withdraw burns shares and pays their value in the base asset.
func (l *Ledger) Withdraw(ctx context.Context, poolID, account string, shares fixed.Amount) (fixed.Amount, error) {
	var paid fixed.Amount
	err := l.run(ctx, "withdraw", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		if shares.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		if have := tx.balanceOf(p.ID, account); have.Lt(shares) {
			return fmt.Errorf("%w: %s holds %s, withdrawing %s", ErrInsufficientShares, account, have, shares)
		}

		payout, err := toUnderlying(p, shares)
		if err != nil {
			return err
		}
		// Shares of an emptied pool are worthless and may still be burned.
		if payout.IsZero() && !p.TotalValue.IsZero() {
			return fmt.Errorf("%w: %s shares at %s/%s", ErrWithdrawTooSmall, shares, p.TotalValue, p.TotalShares)
		}
		if err := tx.burn(p, account, shares); err != nil {
			return err
		}
		if p.TotalValue, err = p.TotalValue.Sub(payout); err != nil {
			return arith("total value", err)
		}

		tx.pay(p, p.Asset, account, payout)
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventWithdraw, Account: account, Amount: payout, Shares: shares})
		paid = payout
		return nil
	})
	if err != nil {
		return fixed.Amount{}, err
	}

	slog.Info("withdraw", "pool", poolID, "account", account, "shares", shares.String(), "paid", paid.String())
	return paid, nil
}

// Convert prices underlyingIn in shares or sharesIn in base units at the
// current accrued rate. Exactly one argument must be nonzero.
func (l *Ledger) Convert(ctx context.Context, poolID string, underlyingIn, sharesIn fixed.Amount) (fixed.Amount, error) {
	switch {
	case underlyingIn.IsZero() && sharesIn.IsZero():
		return fixed.Amount{}, ErrBothZero
	case !underlyingIn.IsZero() && !sharesIn.IsZero():
		return fixed.Amount{}, ErrBothNonzero
	}

	var out fixed.Amount
	err := l.view(ctx, func(tx *txn) error {
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		if !underlyingIn.IsZero() {
			out, err = toShares(p, underlyingIn)
		} else {
			out, err = toUnderlying(p, sharesIn)
		}
		return err
	})
	return out, err
}

// Quote returns the pool's accrued exchange rate.
func (l *Ledger) Quote(ctx context.Context, poolID string) (Quote, error) {
	var q Quote
	err := l.view(ctx, func(tx *txn) error {
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		q = Quote{
			PoolID:      p.ID,
			TotalShares: p.TotalShares,
			TotalValue:  p.TotalValue,
			SharePrice:  decimal.NewFromInt(1),
			AsOf:        tx.unix(),
		}
		if !p.TotalShares.IsZero() {
			q.SharePrice = p.TotalValue.Decimal().DivRound(p.TotalShares.Decimal(), 18)
		}
		return nil
	})
	return q, err
}

// FundEmissions moves base asset into the pool custody without minting
// shares. The surplus backs interest that accrual adds to total value.
func (l *Ledger) FundEmissions(ctx context.Context, poolID, account string, amount fixed.Amount) error {
	return l.run(ctx, "fund_emissions", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		tx.pull(p, p.Asset, account, amount)
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventEmissionsFunded, Account: account, Amount: amount})
		return nil
	})
}
