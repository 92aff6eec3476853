package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// Pool returns the pool with interest accrued up to now. The accrual is
// not written.
func (l *Ledger) Pool(ctx context.Context, poolID string) (*model.Pool, error) {
	var out model.Pool
	err := l.view(ctx, func(tx *txn) error {
		p, err := tx.loadPool(poolID)
		if err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Pools lists every pool ordered by id, as committed.
func (l *Ledger) Pools() []model.Pool {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Pool, 0, len(l.st.pools))
	for _, id := range slices.Sorted(maps.Keys(l.st.pools)) {
		out = append(out, *l.st.pools[id])
	}
	return out
}

// Markets lists the markets of a pool ordered by symbol.
func (l *Ledger) Markets(poolID string) []model.Market {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.Market
	for _, k := range sortedKeys(l.st.markets, compareMarketKey) {
		if k.PoolID == poolID {
			out = append(out, *l.st.markets[k])
		}
	}
	return out
}

// Balance returns the share balance of account in a pool.
func (l *Ledger) Balance(poolID, account string) fixed.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.balances[model.AccountKey{PoolID: poolID, Account: account}]
}

// Position returns the open position of account on symbol.
func (l *Ledger) Position(poolID, account, symbol string) (*model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.st.positions[model.PositionKey{PoolID: poolID, Account: account, Symbol: symbol}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionNotFound, account, symbol)
	}
	cp := *pos
	return &cp, nil
}

// Positions lists the open positions of a pool. An empty account matches
// every account.
func (l *Ledger) Positions(poolID, account string) []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.Position
	for _, k := range sortedKeys(l.st.positions, comparePositionKey) {
		if k.PoolID == poolID && (account == "" || k.Account == account) {
			out = append(out, *l.st.positions[k])
		}
	}
	return out
}

// OpenPositions lists every open position across pools.
func (l *Ledger) OpenPositions() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, len(l.st.positions))
	for _, k := range sortedKeys(l.st.positions, comparePositionKey) {
		out = append(out, *l.st.positions[k])
	}
	return out
}

// Orders lists the orders of account in a pool, active or not. An empty
// symbol matches every symbol.
func (l *Ledger) Orders(poolID, account, symbol string) []model.LimitOrder {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.LimitOrder
	for _, k := range sortedKeys(l.st.orders, comparePositionKey) {
		if k.PoolID != poolID || k.Account != account || (symbol != "" && k.Symbol != symbol) {
			continue
		}
		out = append(out, l.st.orders[k]...)
	}
	return out
}

// ActiveOrders lists every active order across pools.
func (l *Ledger) ActiveOrders() []model.LimitOrder {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.LimitOrder
	for _, k := range sortedKeys(l.st.orders, comparePositionKey) {
		for _, o := range l.st.orders[k] {
			if o.Active {
				out = append(out, o)
			}
		}
	}
	return out
}

// Distributor returns the reward distributor state of a pool.
func (l *Ledger) Distributor(poolID string) (*model.Distributor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.st.pools[poolID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	d := model.Distributor{PoolID: poolID}
	if b, ok := l.st.distributors[poolID]; ok {
		d = *b
	}
	return &d, nil
}

// StakeAccount returns the stake account of account with rewards settled
// up to now. The settlement is not written.
func (l *Ledger) StakeAccount(ctx context.Context, poolID, account string) (*model.StakeAccount, error) {
	var out model.StakeAccount
	err := l.view(ctx, func(tx *txn) error {
		if _, err := tx.pool(poolID); err != nil {
			return err
		}
		s := tx.stake(poolID, account)
		if err := settleStake(tx.distributor(poolID), s); err != nil {
			return err
		}
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot copies the whole committed arena.
func (l *Ledger) Snapshot() *model.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.st
	snap := &model.Snapshot{}
	for _, id := range slices.Sorted(maps.Keys(st.pools)) {
		snap.Pools = append(snap.Pools, *st.pools[id])
	}
	for _, k := range sortedKeys(st.markets, compareMarketKey) {
		snap.Markets = append(snap.Markets, *st.markets[k])
	}
	for _, k := range sortedKeys(st.balances, compareAccountKey) {
		snap.Balances = append(snap.Balances, model.ShareBalance{PoolID: k.PoolID, Account: k.Account, Shares: st.balances[k]})
	}
	for _, k := range sortedKeys(st.positions, comparePositionKey) {
		snap.Positions = append(snap.Positions, *st.positions[k])
	}
	for _, k := range sortedKeys(st.orders, comparePositionKey) {
		snap.Orders = append(snap.Orders, st.orders[k]...)
	}
	for _, id := range slices.Sorted(maps.Keys(st.distributors)) {
		snap.Distributors = append(snap.Distributors, *st.distributors[id])
	}
	for _, k := range sortedKeys(st.stakes, compareAccountKey) {
		snap.Stakes = append(snap.Stakes, *st.stakes[k])
	}
	return snap
}

// SumBalances returns the sum of every share balance in a pool, reserved
// accounts included. It equals the pool's total shares.
func (l *Ledger) SumBalances(poolID string) (fixed.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := fixed.Zero()
	for k, b := range l.st.balances {
		if k.PoolID != poolID {
			continue
		}
		var err error
		if sum, err = sum.Add(b); err != nil {
			return fixed.Amount{}, arith("balance sum", err)
		}
	}
	return sum, nil
}

// Holders lists the non-reserved accounts with a share balance in a pool.
func (l *Ledger) Holders(poolID string) []model.ShareBalance {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.ShareBalance
	for _, k := range sortedKeys(l.st.balances, compareAccountKey) {
		if k.PoolID == poolID && !strings.HasPrefix(k.Account, "$") {
			out = append(out, model.ShareBalance{PoolID: k.PoolID, Account: k.Account, Shares: l.st.balances[k]})
		}
	}
	return out
}
