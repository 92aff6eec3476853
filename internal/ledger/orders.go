package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// increaseTriggered: long when price <= trigger, short when price >= trigger.
func increaseTriggered(o *model.LimitOrder, price fixed.Amount) bool {
	if o.IsLong {
		return price.Lte(o.TriggerPrice)
	}
	return price.Gte(o.TriggerPrice)
}

// decreaseTriggered: price <= lower or price >= upper. A zero bound is off.
func decreaseTriggered(o *model.LimitOrder, price fixed.Amount) bool {
	if !o.LowerPrice.IsZero() && price.Lte(o.LowerPrice) {
		return true
	}
	return !o.UpperPrice.IsZero() && price.Gte(o.UpperPrice)
}

// Triggered reports whether o may execute at price.
func Triggered(o *model.LimitOrder, price fixed.Amount) bool {
	if o.IsIncrease {
		return increaseTriggered(o, price)
	}
	return decreaseTriggered(o, price)
}

// IncreaseOrder is the input of PlaceIncrease.
type IncreaseOrder struct {
	Symbol       string       `json:"symbol"`
	Amount       fixed.Amount `json:"amount"`
	Collateral   fixed.Amount `json:"collateral"`
	IsLong       bool         `json:"is_long"`
	TriggerPrice fixed.Amount `json:"trigger_price"`
	Deadline     int64        `json:"deadline"`
}

// DecreaseOrder is the input of PlaceDecrease.
type DecreaseOrder struct {
	Symbol     string       `json:"symbol"`
	Amount     fixed.Amount `json:"amount"`
	Collateral fixed.Amount `json:"collateral"`
	LowerPrice fixed.Amount `json:"lower_price"`
	UpperPrice fixed.Amount `json:"upper_price"`
	Deadline   int64        `json:"deadline"`
}

// PlaceIncrease escrows the order collateral and appends a resting increase.
func (l *Ledger) PlaceIncrease(ctx context.Context, poolID, account string, in IncreaseOrder) (*model.LimitOrder, error) {
	var out model.LimitOrder
	err := l.run(ctx, "place_increase", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		m, err := tx.market(p.ID, in.Symbol)
		if err != nil {
			return err
		}
		if in.Deadline <= tx.unix() {
			return ErrOrderExpired
		}
		if in.Amount.IsZero() && in.Collateral.IsZero() {
			return ErrZeroAmount
		}
		if in.TriggerPrice.IsZero() {
			return fmt.Errorf("%w: zero trigger price", ErrInvalidPrice)
		}

		o := model.LimitOrder{
			PoolID:       p.ID,
			Account:      account,
			Symbol:       m.Symbol,
			IsIncrease:   true,
			IsLong:       in.IsLong,
			Amount:       in.Amount,
			Collateral:   in.Collateral,
			TriggerPrice: in.TriggerPrice,
			Deadline:     in.Deadline,
			Active:       true,
			PlacedAt:     tx.unix(),
		}
		price, err := tx.price(m)
		if err != nil {
			return err
		}
		if increaseTriggered(&o, price) {
			return fmt.Errorf("%w: price %s, trigger %s", ErrWouldTriggerImmediately, price, in.TriggerPrice)
		}
		if err := tx.move(p, account, model.EscrowAccount, in.Collateral); err != nil {
			return err
		}

		out = tx.appendOrder(o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("limit order placed",
		"pool", poolID,
		"account", account,
		"symbol", out.Symbol,
		"index", out.Index,
		"kind", "increase",
		"trigger", out.TriggerPrice.String(),
	)
	return &out, nil
}

// PlaceDecrease appends a stop-loss / take-profit bracket on an open
// position. Nothing is escrowed; the position collateral backs the order.
func (l *Ledger) PlaceDecrease(ctx context.Context, poolID, account string, in DecreaseOrder) (*model.LimitOrder, error) {
	var out model.LimitOrder
	err := l.run(ctx, "place_decrease", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		m, err := tx.market(p.ID, in.Symbol)
		if err != nil {
			return err
		}
		if in.Deadline <= tx.unix() {
			return ErrOrderExpired
		}
		pos := tx.position(model.PositionKey{PoolID: p.ID, Account: account, Symbol: m.Symbol})
		if pos == nil {
			return fmt.Errorf("%w: %s %s", ErrPositionNotFound, account, m.Symbol)
		}
		if in.Amount.IsZero() && in.Collateral.IsZero() {
			return ErrZeroAmount
		}
		if in.Amount.Gt(pos.Amount) || in.Collateral.Gt(pos.Collateral) {
			return fmt.Errorf("%w: position %s/%s, order %s/%s",
				ErrExceedsPosition, pos.Amount, pos.Collateral, in.Amount, in.Collateral)
		}
		switch {
		case in.LowerPrice.IsZero() && in.UpperPrice.IsZero():
			return fmt.Errorf("%w: no bound set", ErrInvalidBracket)
		case !in.UpperPrice.IsZero() && in.LowerPrice.Gte(in.UpperPrice):
			return fmt.Errorf("%w: %s >= %s", ErrInvalidBracket, in.LowerPrice, in.UpperPrice)
		}

		o := model.LimitOrder{
			PoolID:     p.ID,
			Account:    account,
			Symbol:     m.Symbol,
			IsLong:     pos.IsLong,
			Amount:     in.Amount,
			Collateral: in.Collateral,
			LowerPrice: in.LowerPrice,
			UpperPrice: in.UpperPrice,
			Deadline:   in.Deadline,
			Active:     true,
			PlacedAt:   tx.unix(),
		}
		price, err := tx.price(m)
		if err != nil {
			return err
		}
		if decreaseTriggered(&o, price) {
			return fmt.Errorf("%w: price %s, bracket [%s, %s]", ErrWouldTriggerImmediately, price, in.LowerPrice, in.UpperPrice)
		}

		out = tx.appendOrder(o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("limit order placed",
		"pool", poolID,
		"account", account,
		"symbol", out.Symbol,
		"index", out.Index,
		"kind", "decrease",
		"lower", out.LowerPrice.String(),
		"upper", out.UpperPrice.String(),
	)
	return &out, nil
}

func (tx *txn) appendOrder(o model.LimitOrder) model.LimitOrder {
	k := model.PositionKey{PoolID: o.PoolID, Account: o.Account, Symbol: o.Symbol}
	list := tx.orderList(k)
	o.Index = len(list)
	tx.putOrders(k, append(list, o))

	tx.emit(model.Event{
		PoolID:     o.PoolID,
		Type:       model.EventOrderPlaced,
		Account:    o.Account,
		Symbol:     o.Symbol,
		Amount:     o.Amount,
		Collateral: o.Collateral,
		Price:      o.TriggerPrice,
		OrderIndex: o.Index,
	})
	return o
}

// lookupOrder returns the staged order list and the position of index in it.
func (tx *txn) lookupOrder(k model.PositionKey, index int) ([]model.LimitOrder, *model.LimitOrder, error) {
	list := tx.orderList(k)
	if index < 0 || index >= len(list) {
		return nil, nil, fmt.Errorf("%w: %s %s #%d", ErrOrderNotFound, k.Account, k.Symbol, index)
	}
	o := &list[index]
	if !o.Active {
		return nil, nil, fmt.Errorf("%w: %s %s #%d %s", ErrOrderInactive, k.Account, k.Symbol, index, o.Resolution)
	}
	return list, o, nil
}

// Trigger executes a resting order whose condition holds at the current
// price. The triggerer earns collateral / LimitFeeDivisor from the order
// owner. The order becomes inactive for good.
func (l *Ledger) Trigger(ctx context.Context, poolID, triggerer, account, symbol string, index int) (*model.LimitOrder, error) {
	var out model.LimitOrder
	err := l.run(ctx, "trigger", func(tx *txn) error {
		if err := checkAccount(triggerer, account); err != nil {
			return err
		}
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		cfg := p.Config
		k := model.PositionKey{PoolID: p.ID, Account: account, Symbol: symbol}
		list, o, err := tx.lookupOrder(k, index)
		if err != nil {
			return err
		}
		if tx.unix() >= o.Deadline {
			return fmt.Errorf("%w: deadline %d", ErrOrderExpired, o.Deadline)
		}
		m, err := tx.market(p.ID, symbol)
		if err != nil {
			return err
		}
		price, err := tx.price(m)
		if err != nil {
			return err
		}
		if !Triggered(o, price) {
			return fmt.Errorf("%w: price %s", ErrConditionsNotSatisfied, price)
		}

		fee := feeOf(o.Collateral, cfg.LimitFeeDivisor)
		if o.IsIncrease {
			if err := tx.move(p, model.EscrowAccount, account, o.Collateral); err != nil {
				return err
			}
			if err := tx.move(p, account, triggerer, fee); err != nil {
				return err
			}
			collateral, _ := o.Collateral.Sub(fee)
			if _, err := tx.increase(p, cfg, account, m, o.Amount, collateral, o.IsLong); err != nil {
				return err
			}
		} else {
			if _, err := tx.decrease(p, cfg, account, symbol, o.Amount, o.Collateral); err != nil {
				return err
			}
			fee = fixed.Min(fee, tx.balanceOf(p.ID, account))
			if err := tx.move(p, account, triggerer, fee); err != nil {
				return err
			}
		}

		o.Active = false
		o.Resolution = model.ResolutionTriggered
		tx.putOrders(k, list)
		tx.emit(model.Event{
			PoolID:       p.ID,
			Type:         model.EventOrderTriggered,
			Account:      account,
			Counterparty: triggerer,
			Symbol:       symbol,
			Amount:       o.Amount,
			Collateral:   o.Collateral,
			Fee:          fee,
			Price:        price,
			OrderIndex:   index,
		})
		out = *o
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("limit order triggered",
		"pool", poolID,
		"account", account,
		"symbol", symbol,
		"index", index,
		"triggerer", triggerer,
	)
	return &out, nil
}

// Cancel deactivates one of account's own orders and refunds the escrow of
// an increase order. Expired orders can be cancelled to recover escrow.
func (l *Ledger) Cancel(ctx context.Context, poolID, account, symbol string, index int) (*model.LimitOrder, error) {
	var out model.LimitOrder
	err := l.run(ctx, "cancel", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		k := model.PositionKey{PoolID: p.ID, Account: account, Symbol: symbol}
		list, o, err := tx.lookupOrder(k, index)
		if err != nil {
			return err
		}
		if o.IsIncrease {
			if err := tx.move(p, model.EscrowAccount, account, o.Collateral); err != nil {
				return err
			}
		}

		o.Active = false
		o.Resolution = model.ResolutionCancelled
		tx.putOrders(k, list)
		tx.emit(model.Event{
			PoolID:     p.ID,
			Type:       model.EventOrderCancelled,
			Account:    account,
			Symbol:     symbol,
			Amount:     o.Amount,
			Collateral: o.Collateral,
			OrderIndex: index,
		})
		out = *o
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("limit order cancelled", "pool", poolID, "account", account, "symbol", symbol, "index", index)
	return &out, nil
}
