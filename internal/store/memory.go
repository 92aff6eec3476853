package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

type orderKey struct {
	model.PositionKey
	Index int
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	pools        map[string]model.Pool
	markets      map[model.MarketKey]model.Market
	balances     map[model.AccountKey]fixed.Amount
	positions    map[model.PositionKey]model.Position
	orders       map[orderKey]model.LimitOrder
	distributors map[string]model.Distributor
	stakes       map[model.AccountKey]model.StakeAccount
	events       []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:        make(map[string]model.Pool),
		markets:      make(map[model.MarketKey]model.Market),
		balances:     make(map[model.AccountKey]fixed.Amount),
		positions:    make(map[model.PositionKey]model.Position),
		orders:       make(map[orderKey]model.LimitOrder),
		distributors: make(map[string]model.Distributor),
		stakes:       make(map[model.AccountKey]model.StakeAccount),
	}
}

func (s *MemoryStore) Apply(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range cs.Pools {
		s.pools[p.ID] = p
	}
	for _, m := range cs.Markets {
		s.markets[model.MarketKey{PoolID: m.PoolID, Symbol: m.Symbol}] = m
	}
	for _, k := range cs.RemovedMarkets {
		delete(s.markets, k)
	}
	for _, b := range cs.Balances {
		k := model.AccountKey{PoolID: b.PoolID, Account: b.Account}
		if b.Shares.IsZero() {
			delete(s.balances, k)
		} else {
			s.balances[k] = b.Shares
		}
	}
	for _, p := range cs.Positions {
		s.positions[p.Key()] = p
	}
	for _, k := range cs.ClosedPositions {
		delete(s.positions, k)
	}
	for _, o := range cs.Orders {
		s.orders[orderKey{model.PositionKey{PoolID: o.PoolID, Account: o.Account, Symbol: o.Symbol}, o.Index}] = o
	}
	for _, d := range cs.Distributors {
		s.distributors[d.PoolID] = d
	}
	for _, st := range cs.Stakes {
		s.stakes[model.AccountKey{PoolID: st.PoolID, Account: st.Account}] = st
	}
	s.events = append(s.events, cs.Events...)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{
		Pools:        slices.Collect(maps.Values(s.pools)),
		Markets:      slices.Collect(maps.Values(s.markets)),
		Positions:    slices.Collect(maps.Values(s.positions)),
		Orders:       s.sortedOrders(func(model.LimitOrder) bool { return true }),
		Distributors: slices.Collect(maps.Values(s.distributors)),
		Stakes:       slices.Collect(maps.Values(s.stakes)),
	}
	for k, b := range s.balances {
		snap.Balances = append(snap.Balances, model.ShareBalance{PoolID: k.PoolID, Account: k.Account, Shares: b})
	}
	slices.SortFunc(snap.Pools, func(a, b model.Pool) int { return strings.Compare(a.ID, b.ID) })
	return snap, nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, poolID, account string) (fixed.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[model.AccountKey{PoolID: poolID, Account: account}], nil
}

func (s *MemoryStore) ListPositions(_ context.Context, poolID, account string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.PoolID == poolID && k.Account == account {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Position) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, poolID, account string) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedOrders(func(o model.LimitOrder) bool {
		return o.PoolID == poolID && o.Account == account
	}), nil
}

func (s *MemoryStore) GetStake(_ context.Context, poolID, account string) (*model.StakeAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stakes[model.AccountKey{PoolID: poolID, Account: account}]
	if !ok {
		st = model.StakeAccount{PoolID: poolID, Account: account}
	}
	return &st, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, poolID, account string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		ev := s.events[i]
		if ev.PoolID != poolID {
			continue
		}
		if account != "" && ev.Account != account && ev.Counterparty != account {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// sortedOrders must be called with mu held.
func (s *MemoryStore) sortedOrders(keep func(model.LimitOrder) bool) []model.LimitOrder {
	var out []model.LimitOrder
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b model.LimitOrder) int {
		return cmp.Or(
			strings.Compare(a.PoolID, b.PoolID),
			strings.Compare(a.Account, b.Account),
			strings.Compare(a.Symbol, b.Symbol),
			cmp.Compare(a.Index, b.Index),
		)
	})
	return out
}
