package ledger

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
	"github.com/atmx/pile-engine/internal/oracle"
)

// state is the committed arena. It is only written by txn.apply with the
// ledger mutex held.
type state struct {
	pools        map[string]*model.Pool
	markets      map[model.MarketKey]*model.Market
	balances     map[model.AccountKey]fixed.Amount
	positions    map[model.PositionKey]*model.Position
	orders       map[model.PositionKey][]model.LimitOrder
	distributors map[string]*model.Distributor
	stakes       map[model.AccountKey]*model.StakeAccount
}

func newState() *state {
	return &state{
		pools:        make(map[string]*model.Pool),
		markets:      make(map[model.MarketKey]*model.Market),
		balances:     make(map[model.AccountKey]fixed.Amount),
		positions:    make(map[model.PositionKey]*model.Position),
		orders:       make(map[model.PositionKey][]model.LimitOrder),
		distributors: make(map[string]*model.Distributor),
		stakes:       make(map[model.AccountKey]*model.StakeAccount),
	}
}

// transfer is an asset movement on the external bank, executed at commit.
type transfer struct {
	asset   string
	spender string // empty for a plain transfer out of custody
	from    string
	to      string
	amount  fixed.Amount
}

// txn stages every write of one ledger call over the committed state.
// Nothing is visible to other calls until apply.
type txn struct {
	ctx    context.Context
	base   *state
	prices oracle.Oracle
	now    time.Time

	pools        map[string]*model.Pool
	markets      map[model.MarketKey]*model.Market // nil = removed
	balances     map[model.AccountKey]fixed.Amount
	positions    map[model.PositionKey]*model.Position // nil = closed
	orders       map[model.PositionKey][]model.LimitOrder
	distributors map[string]*model.Distributor
	stakes       map[model.AccountKey]*model.StakeAccount

	quotes    map[model.MarketKey]fixed.Amount
	transfers []transfer
	events    []model.Event
}

func newTxn(ctx context.Context, base *state, prices oracle.Oracle, now time.Time) *txn {
	return &txn{
		ctx:          ctx,
		base:         base,
		prices:       prices,
		now:          now.UTC(),
		pools:        make(map[string]*model.Pool),
		markets:      make(map[model.MarketKey]*model.Market),
		balances:     make(map[model.AccountKey]fixed.Amount),
		positions:    make(map[model.PositionKey]*model.Position),
		orders:       make(map[model.PositionKey][]model.LimitOrder),
		distributors: make(map[string]*model.Distributor),
		stakes:       make(map[model.AccountKey]*model.StakeAccount),
		quotes:       make(map[model.MarketKey]fixed.Amount),
	}
}

func (tx *txn) unix() int64 { return tx.now.Unix() }

// --- Pools and markets ---

// pool returns a staged, writable copy of the pool.
func (tx *txn) pool(id string) (*model.Pool, error) {
	if p, ok := tx.pools[id]; ok {
		return p, nil
	}
	p, ok := tx.base.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	cp := *p
	tx.pools[id] = &cp
	return &cp, nil
}

func (tx *txn) putPool(p *model.Pool) { tx.pools[p.ID] = p }

func (tx *txn) poolExists(id string) bool {
	if _, ok := tx.pools[id]; ok {
		return true
	}
	_, ok := tx.base.pools[id]
	return ok
}

func (tx *txn) market(poolID, symbol string) (model.Market, error) {
	k := model.MarketKey{PoolID: poolID, Symbol: symbol}
	m, staged := tx.markets[k]
	if !staged {
		m = tx.base.markets[k]
	}
	if m == nil {
		return model.Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return *m, nil
}

func (tx *txn) putMarket(m model.Market) {
	tx.markets[model.MarketKey{PoolID: m.PoolID, Symbol: m.Symbol}] = &m
}

func (tx *txn) removeMarket(k model.MarketKey) { tx.markets[k] = nil }

// price queries the oracle once per market per call.
func (tx *txn) price(m model.Market) (fixed.Amount, error) {
	k := model.MarketKey{PoolID: m.PoolID, Symbol: m.Symbol}
	if p, ok := tx.quotes[k]; ok {
		return p, nil
	}
	p, err := tx.prices.Price(tx.ctx, m)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, m.Symbol, err)
	}
	if p.IsZero() {
		return fixed.Amount{}, fmt.Errorf("%w: oracle returned zero for %s", ErrInvalidPrice, m.Symbol)
	}
	tx.quotes[k] = p
	return p, nil
}

// --- Share balances ---

func (tx *txn) balanceOf(poolID, account string) fixed.Amount {
	k := model.AccountKey{PoolID: poolID, Account: account}
	if b, ok := tx.balances[k]; ok {
		return b
	}
	return tx.base.balances[k]
}

func (tx *txn) credit(p *model.Pool, account string, amt fixed.Amount) error {
	if amt.IsZero() {
		return nil
	}
	bal, err := tx.balanceOf(p.ID, account).Add(amt)
	if err != nil {
		return arith("credit "+account, err)
	}
	tx.balances[model.AccountKey{PoolID: p.ID, Account: account}] = bal
	return nil
}

func (tx *txn) debit(p *model.Pool, account string, amt fixed.Amount) error {
	if amt.IsZero() {
		return nil
	}
	have := tx.balanceOf(p.ID, account)
	bal, err := have.Sub(amt)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s shares, need %s", ErrInsufficientBalance, account, have, amt)
	}
	tx.balances[model.AccountKey{PoolID: p.ID, Account: account}] = bal
	return nil
}

func (tx *txn) move(p *model.Pool, from, to string, amt fixed.Amount) error {
	if err := tx.debit(p, from, amt); err != nil {
		return err
	}
	return tx.credit(p, to, amt)
}

// mint creates shares for account.
func (tx *txn) mint(p *model.Pool, account string, amt fixed.Amount) error {
	total, err := p.TotalShares.Add(amt)
	if err != nil {
		return arith("total shares", err)
	}
	if err := tx.credit(p, account, amt); err != nil {
		return err
	}
	p.TotalShares = total
	return nil
}

// burn destroys shares held by account.
func (tx *txn) burn(p *model.Pool, account string, amt fixed.Amount) error {
	if err := tx.debit(p, account, amt); err != nil {
		return err
	}
	total, err := p.TotalShares.Sub(amt)
	if err != nil {
		return arith("total shares", err)
	}
	p.TotalShares = total
	return nil
}

// --- Positions and orders ---

// position returns a staged, writable copy or nil when no position is open.
func (tx *txn) position(k model.PositionKey) *model.Position {
	if pos, ok := tx.positions[k]; ok {
		return pos
	}
	pos, ok := tx.base.positions[k]
	if !ok {
		return nil
	}
	cp := *pos
	tx.positions[k] = &cp
	return &cp
}

func (tx *txn) putPosition(pos *model.Position) { tx.positions[pos.Key()] = pos }

func (tx *txn) closePosition(k model.PositionKey) { tx.positions[k] = nil }

// orderList returns a staged, writable copy of the orders of (account, symbol).
func (tx *txn) orderList(k model.PositionKey) []model.LimitOrder {
	if list, ok := tx.orders[k]; ok {
		return list
	}
	list := slices.Clone(tx.base.orders[k])
	tx.orders[k] = list
	return list
}

func (tx *txn) putOrders(k model.PositionKey, list []model.LimitOrder) { tx.orders[k] = list }

// --- Distributor ---

func (tx *txn) distributor(poolID string) *model.Distributor {
	if d, ok := tx.distributors[poolID]; ok {
		return d
	}
	d := &model.Distributor{PoolID: poolID}
	if b, ok := tx.base.distributors[poolID]; ok {
		*d = *b
	}
	tx.distributors[poolID] = d
	return d
}

func (tx *txn) stake(poolID, account string) *model.StakeAccount {
	k := model.AccountKey{PoolID: poolID, Account: account}
	if s, ok := tx.stakes[k]; ok {
		return s
	}
	s := &model.StakeAccount{PoolID: poolID, Account: account}
	if b, ok := tx.base.stakes[k]; ok {
		*s = *b
	}
	tx.stakes[k] = s
	return s
}

// claimableTotal sums the settled rewards of every stake account of a pool.
func (tx *txn) claimableTotal(poolID string) (fixed.Amount, error) {
	total := fixed.Zero()
	add := func(s *model.StakeAccount) error {
		var err error
		if total, err = total.Add(s.Claimable); err != nil {
			return arith("claimable total", err)
		}
		return nil
	}
	for k, s := range tx.stakes {
		if k.PoolID == poolID {
			if err := add(s); err != nil {
				return fixed.Amount{}, err
			}
		}
	}
	for k, s := range tx.base.stakes {
		if _, staged := tx.stakes[k]; k.PoolID == poolID && !staged {
			if err := add(s); err != nil {
				return fixed.Amount{}, err
			}
		}
	}
	return total, nil
}

// --- External effects and events ---

// pull stages a TransferFrom of asset into the pool's custody.
func (tx *txn) pull(p *model.Pool, asset, from string, amt fixed.Amount) {
	if amt.IsZero() {
		return
	}
	tx.transfers = append(tx.transfers, transfer{
		asset: asset, spender: p.Custody(), from: from, to: p.Custody(), amount: amt,
	})
}

// pay stages a Transfer of asset out of the pool's custody.
func (tx *txn) pay(p *model.Pool, asset, to string, amt fixed.Amount) {
	if amt.IsZero() {
		return
	}
	tx.transfers = append(tx.transfers, transfer{
		asset: asset, from: p.Custody(), to: to, amount: amt,
	})
}

func (tx *txn) emit(ev model.Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = tx.now
	tx.events = append(tx.events, ev)
}

// --- Commit ---

// changeset lists every staged row in key order.
func (tx *txn) changeset() *model.Changeset {
	cs := &model.Changeset{Events: tx.events}

	for _, id := range slices.Sorted(maps.Keys(tx.pools)) {
		cs.Pools = append(cs.Pools, *tx.pools[id])
	}
	for _, k := range sortedKeys(tx.markets, compareMarketKey) {
		if m := tx.markets[k]; m != nil {
			cs.Markets = append(cs.Markets, *m)
		} else {
			cs.RemovedMarkets = append(cs.RemovedMarkets, k)
		}
	}
	for _, k := range sortedKeys(tx.balances, compareAccountKey) {
		cs.Balances = append(cs.Balances, model.ShareBalance{PoolID: k.PoolID, Account: k.Account, Shares: tx.balances[k]})
	}
	for _, k := range sortedKeys(tx.positions, comparePositionKey) {
		if pos := tx.positions[k]; pos != nil {
			cs.Positions = append(cs.Positions, *pos)
		} else if _, existed := tx.base.positions[k]; existed {
			cs.ClosedPositions = append(cs.ClosedPositions, k)
		}
	}
	for _, k := range sortedKeys(tx.orders, comparePositionKey) {
		staged := tx.orders[k]
		committed := tx.base.orders[k]
		for i, o := range staged {
			if i >= len(committed) || committed[i] != o {
				cs.Orders = append(cs.Orders, o)
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(tx.distributors)) {
		cs.Distributors = append(cs.Distributors, *tx.distributors[id])
	}
	for _, k := range sortedKeys(tx.stakes, compareAccountKey) {
		cs.Stakes = append(cs.Stakes, *tx.stakes[k])
	}
	return cs
}

// apply writes the staged rows into the committed state.
func (tx *txn) apply() {
	for id, p := range tx.pools {
		tx.base.pools[id] = p
	}
	for k, m := range tx.markets {
		if m == nil {
			delete(tx.base.markets, k)
		} else {
			tx.base.markets[k] = m
		}
	}
	for k, b := range tx.balances {
		if b.IsZero() {
			delete(tx.base.balances, k)
		} else {
			tx.base.balances[k] = b
		}
	}
	for k, pos := range tx.positions {
		if pos == nil {
			delete(tx.base.positions, k)
		} else {
			tx.base.positions[k] = pos
		}
	}
	for k, list := range tx.orders {
		tx.base.orders[k] = list
	}
	for id, d := range tx.distributors {
		tx.base.distributors[id] = d
	}
	for k, s := range tx.stakes {
		tx.base.stakes[k] = s
	}
}

func sortedKeys[K comparable, V any](m map[K]V, cmpFn func(a, b K) int) []K {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, cmpFn)
	return keys
}

func compareAccountKey(a, b model.AccountKey) int {
	return cmp.Or(strings.Compare(a.PoolID, b.PoolID), strings.Compare(a.Account, b.Account))
}

func compareMarketKey(a, b model.MarketKey) int {
	return cmp.Or(strings.Compare(a.PoolID, b.PoolID), strings.Compare(a.Symbol, b.Symbol))
}

func comparePositionKey(a, b model.PositionKey) int {
	return cmp.Or(
		strings.Compare(a.PoolID, b.PoolID),
		strings.Compare(a.Account, b.Account),
		strings.Compare(a.Symbol, b.Symbol),
	)
}
