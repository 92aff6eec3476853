package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// CalculateReward returns the signed profit of a position of amount
// entered at entry and valued at exit:
//
//	sign * amount * |exit - entry| / entry
//
// The magnitude is floored, so reward(long) == -reward(short) exactly.
func CalculateReward(amount, entry, exit fixed.Amount, isLong bool) (fixed.Signed, error) {
	if entry.IsZero() {
		return fixed.Signed{}, fmt.Errorf("%w: zero entry price", ErrInvalidPrice)
	}
	up := exit.Gt(entry)
	var diff fixed.Amount
	if up {
		diff, _ = exit.Sub(entry)
	} else {
		diff, _ = entry.Sub(exit)
	}
	mag, err := fixed.MulDiv(amount, diff, entry)
	if err != nil {
		return fixed.Signed{}, arith("reward", err)
	}
	if up == isLong {
		return fixed.Positive(mag), nil
	}
	return fixed.Negative(mag), nil
}

// Settlement is the outcome of a decrease or close.
type Settlement struct {
	Position *model.Position `json:"position,omitempty"` // nil when closed
	Price    fixed.Amount    `json:"price"`
	Reward   fixed.Signed    `json:"reward"`
	Payout   fixed.Amount    `json:"payout"` // shares credited to the account after fees
	Fees     fixed.Amount    `json:"fees"`
	Closed   bool            `json:"closed"`
}

// Increase opens or grows a position. collateralDelta shares leave the
// account; the trading fees are taken from them and the rest becomes
// position collateral.
func (l *Ledger) Increase(ctx context.Context, poolID, account, symbol string, amountDelta, collateralDelta fixed.Amount, isLong bool) (*model.Position, error) {
	var out *model.Position
	err := l.run(ctx, "increase", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		m, err := tx.market(p.ID, symbol)
		if err != nil {
			return err
		}
		out, err = tx.increase(p, p.Config, account, m, amountDelta, collateralDelta, isLong)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("position increased",
		"pool", poolID,
		"account", account,
		"symbol", symbol,
		"amount", out.Amount.String(),
		"collateral", out.Collateral.String(),
		"entry", out.EntryPrice.String(),
	)
	return out, nil
}

// Decrease shrinks or closes a position at the current price.
func (l *Ledger) Decrease(ctx context.Context, poolID, account, symbol string, amountDelta, collateralDelta fixed.Amount) (*Settlement, error) {
	var out *Settlement
	err := l.run(ctx, "decrease", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		out, err = tx.decrease(p, p.Config, account, symbol, amountDelta, collateralDelta)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("position decreased",
		"pool", poolID,
		"account", account,
		"symbol", symbol,
		"reward", out.Reward.String(),
		"payout", out.Payout.String(),
		"closed", out.Closed,
	)
	return out, nil
}

// Liquidate closes an underwater position. It is allowed once the loss
// reaches collateral - collateral/LiquidationRewardDivisor; the liquidator
// receives collateral/LiquidationRewardDivisor and the rest is burned.
func (l *Ledger) Liquidate(ctx context.Context, poolID, liquidator, account, symbol string) (fixed.Amount, error) {
	var reward fixed.Amount
	err := l.run(ctx, "liquidate", func(tx *txn) error {
		if err := checkAccount(liquidator, account); err != nil {
			return err
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		reward, err = tx.liquidate(p, p.Config, liquidator, account, symbol)
		return err
	})
	if err != nil {
		return fixed.Amount{}, err
	}

	slog.Info("position liquidated",
		"pool", poolID,
		"account", account,
		"symbol", symbol,
		"liquidator", liquidator,
		"reward", reward.String(),
	)
	return reward, nil
}

func (tx *txn) increase(p *model.Pool, cfg model.PoolConfig, account string, m model.Market, amountDelta, collateralDelta fixed.Amount, isLong bool) (*model.Position, error) {
	if amountDelta.IsZero() && collateralDelta.IsZero() {
		return nil, ErrZeroAmount
	}
	if have := tx.balanceOf(p.ID, account); have.Lt(collateralDelta) {
		return nil, fmt.Errorf("%w: %s holds %s shares, collateral %s", ErrInsufficientBalance, account, have, collateralDelta)
	}

	key := model.PositionKey{PoolID: p.ID, Account: account, Symbol: m.Symbol}
	pos := tx.position(key)
	if pos != nil && pos.IsLong != isLong {
		return nil, ErrConflictingDirection
	}
	opening := pos == nil
	if err := checkMinimum(cfg, amountDelta, opening); err != nil {
		return nil, err
	}

	price, err := tx.price(m)
	if err != nil {
		return nil, err
	}

	fees, err := splitFees(cfg, collateralDelta)
	if err != nil {
		return nil, err
	}
	if err := tx.chargeFees(p, account, fees); err != nil {
		return nil, err
	}
	net, err := collateralDelta.Sub(fees.total())
	if err != nil {
		return nil, arith("net collateral", err)
	}
	if err := tx.move(p, account, model.EscrowAccount, net); err != nil {
		return nil, err
	}

	if opening {
		pos = &model.Position{
			PoolID:     p.ID,
			Account:    account,
			Symbol:     m.Symbol,
			IsLong:     isLong,
			EntryPrice: price,
			OpenedAt:   tx.unix(),
		}
	} else if !amountDelta.IsZero() {
		entry, err := weightedEntry(pos.Amount, pos.EntryPrice, amountDelta, price)
		if err != nil {
			return nil, err
		}
		pos.EntryPrice = entry
	}

	if pos.Amount, err = pos.Amount.Add(amountDelta); err != nil {
		return nil, arith("position amount", err)
	}
	if pos.Collateral, err = pos.Collateral.Add(net); err != nil {
		return nil, arith("position collateral", err)
	}

	if err := checkClose(pos); err != nil {
		return nil, err
	}
	if err := checkLeverage(cfg, pos); err != nil {
		return nil, err
	}
	if err := checkMaxPosition(cfg, p.TotalShares, pos); err != nil {
		return nil, err
	}
	tx.putPosition(pos)

	tx.emit(model.Event{
		PoolID:     p.ID,
		Type:       model.EventPositionIncreased,
		Account:    account,
		Symbol:     m.Symbol,
		Amount:     amountDelta,
		Collateral: net,
		Price:      price,
	})
	return pos, nil
}

// weightedEntry returns (a0*p0 + a1*p1) / (a0 + a1).
func weightedEntry(a0, p0, a1, p1 fixed.Amount) (fixed.Amount, error) {
	n0, err := a0.Mul(p0)
	if err != nil {
		return fixed.Amount{}, arith("entry notional", err)
	}
	n1, err := a1.Mul(p1)
	if err != nil {
		return fixed.Amount{}, arith("entry notional", err)
	}
	num, err := n0.Add(n1)
	if err != nil {
		return fixed.Amount{}, arith("entry notional", err)
	}
	den, err := a0.Add(a1)
	if err != nil {
		return fixed.Amount{}, arith("entry amount", err)
	}
	entry, err := num.Div(den)
	if err != nil {
		return fixed.Amount{}, arith("entry price", err)
	}
	return entry, nil
}

func (tx *txn) decrease(p *model.Pool, cfg model.PoolConfig, account, symbol string, amountDelta, collateralDelta fixed.Amount) (*Settlement, error) {
	key := model.PositionKey{PoolID: p.ID, Account: account, Symbol: symbol}
	pos := tx.position(key)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionNotFound, account, symbol)
	}
	if amountDelta.IsZero() && collateralDelta.IsZero() {
		return nil, ErrZeroAmount
	}
	if amountDelta.Gt(pos.Amount) || collateralDelta.Gt(pos.Collateral) {
		return nil, fmt.Errorf("%w: position %s/%s, decrease %s/%s",
			ErrExceedsPosition, pos.Amount, pos.Collateral, amountDelta, collateralDelta)
	}

	m, err := tx.market(p.ID, symbol)
	if err != nil {
		return nil, err
	}
	price, err := tx.price(m)
	if err != nil {
		return nil, err
	}

	reward, err := CalculateReward(amountDelta, pos.EntryPrice, price, pos.IsLong)
	if err != nil {
		return nil, err
	}
	if reward.IsPositive() && tx.unix()-pos.OpenedAt < cfg.MinPositionDuration {
		reward = fixed.Signed{}
	}

	payout, err := tx.settle(p, account, collateralDelta, reward)
	if err != nil {
		return nil, err
	}

	fees, err := splitFees(cfg, collateralDelta)
	if err != nil {
		return nil, err
	}
	fees = capFees(fees, payout)
	if err := tx.chargeFees(p, account, fees); err != nil {
		return nil, err
	}
	payout, _ = payout.Sub(fees.total())

	pos.Amount, _ = pos.Amount.Sub(amountDelta)
	pos.Collateral, _ = pos.Collateral.Sub(collateralDelta)
	if err := checkClose(pos); err != nil {
		return nil, err
	}

	out := &Settlement{Price: price, Reward: reward, Payout: payout, Fees: fees.total()}
	ev := model.Event{
		PoolID:     p.ID,
		Type:       model.EventPositionDecreased,
		Account:    account,
		Symbol:     symbol,
		Amount:     amountDelta,
		Collateral: collateralDelta,
		Price:      price,
		Reward:     reward,
	}
	if pos.Amount.IsZero() {
		tx.closePosition(key)
		out.Closed = true
		ev.Type = model.EventPositionClosed
	} else {
		if err := checkLeverage(cfg, pos); err != nil {
			return nil, err
		}
		cp := *pos
		out.Position = &cp
	}
	tx.emit(ev)
	return out, nil
}

// settle releases collateral from escrow to account with the reward
// applied. A profit is minted. A loss is burned from the released
// collateral first and then from the account's free shares, floored at
// zero. It returns the shares credited to the account.
func (tx *txn) settle(p *model.Pool, account string, collateral fixed.Amount, reward fixed.Signed) (fixed.Amount, error) {
	net, err := reward.AddAmount(collateral)
	if err != nil {
		return fixed.Amount{}, arith("settlement", err)
	}

	switch {
	case !reward.IsNegative():
		if err := tx.move(p, model.EscrowAccount, account, collateral); err != nil {
			return fixed.Amount{}, err
		}
		if err := tx.mint(p, account, reward.Abs()); err != nil {
			return fixed.Amount{}, err
		}
		return net.Abs(), nil

	case !net.IsNegative():
		if err := tx.burn(p, model.EscrowAccount, reward.Abs()); err != nil {
			return fixed.Amount{}, err
		}
		if err := tx.move(p, model.EscrowAccount, account, net.Abs()); err != nil {
			return fixed.Amount{}, err
		}
		return net.Abs(), nil

	default:
		if err := tx.burn(p, model.EscrowAccount, collateral); err != nil {
			return fixed.Amount{}, err
		}
		shortfall := fixed.Min(net.Abs(), tx.balanceOf(p.ID, account))
		if err := tx.burn(p, account, shortfall); err != nil {
			return fixed.Amount{}, err
		}
		return fixed.Zero(), nil
	}
}

// chargeFees takes the split out of from's shares: the burn part is
// destroyed, the treasury part goes to the pool treasury and the
// distribution part is routed to stakers.
func (tx *txn) chargeFees(p *model.Pool, from string, f feeSplit) error {
	total := f.total()
	if total.IsZero() {
		return nil
	}
	if err := tx.burn(p, from, f.burn); err != nil {
		return err
	}
	if err := tx.move(p, from, p.Treasury, f.treasury); err != nil {
		return err
	}
	if err := tx.move(p, from, model.DistributorAccount, f.distribution); err != nil {
		return err
	}
	if err := tx.distribute(p, f.distribution); err != nil {
		return err
	}
	tx.emit(model.Event{
		PoolID:     p.ID,
		Type:       model.EventFeesCharged,
		Account:    from,
		Amount:     total,
		Fee:        f.burn,
	})
	return nil
}

func (tx *txn) liquidate(p *model.Pool, cfg model.PoolConfig, liquidator, account, symbol string) (fixed.Amount, error) {
	key := model.PositionKey{PoolID: p.ID, Account: account, Symbol: symbol}
	pos := tx.position(key)
	if pos == nil {
		return fixed.Amount{}, fmt.Errorf("%w: %s %s", ErrPositionNotFound, account, symbol)
	}
	m, err := tx.market(p.ID, symbol)
	if err != nil {
		return fixed.Amount{}, err
	}
	price, err := tx.price(m)
	if err != nil {
		return fixed.Amount{}, err
	}

	pnl, err := CalculateReward(pos.Amount, pos.EntryPrice, price, pos.IsLong)
	if err != nil {
		return fixed.Amount{}, err
	}
	bounty := feeOf(pos.Collateral, cfg.LiquidationRewardDivisor)
	threshold, _ := pos.Collateral.Sub(bounty)
	if !pnl.IsNegative() || pnl.Abs().Lt(threshold) {
		return fixed.Amount{}, fmt.Errorf("%w: pnl %s, threshold -%s", ErrNotLiquidatable, pnl, threshold)
	}

	if err := tx.burn(p, model.EscrowAccount, threshold); err != nil {
		return fixed.Amount{}, err
	}
	if err := tx.move(p, model.EscrowAccount, liquidator, bounty); err != nil {
		return fixed.Amount{}, err
	}
	tx.closePosition(key)

	tx.emit(model.Event{
		PoolID:       p.ID,
		Type:         model.EventPositionLiquidated,
		Account:      account,
		Counterparty: liquidator,
		Symbol:       symbol,
		Amount:       pos.Amount,
		Collateral:   pos.Collateral,
		Price:        price,
		Reward:       pnl,
	})
	return bounty, nil
}
