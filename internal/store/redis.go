package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Apply(ctx, cs); err != nil {
		return err
	}
	if keys := invalidations(cs); len(keys) > 0 {
		// A stale entry expires with the TTL; a failed delete is not fatal.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// invalidations lists every cache key a changeset makes stale.
func invalidations(cs *model.Changeset) []string {
	seen := make(map[string]struct{})
	add := func(k string) { seen[k] = struct{}{} }

	for _, p := range cs.Pools {
		add(poolKey(p.ID))
	}
	for _, b := range cs.Balances {
		add(balanceKey(b.PoolID, b.Account))
	}
	for _, p := range cs.Positions {
		add(positionsKey(p.PoolID, p.Account))
	}
	for _, k := range cs.ClosedPositions {
		add(positionsKey(k.PoolID, k.Account))
	}
	for _, st := range cs.Stakes {
		add(stakeKey(st.PoolID, st.Account))
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	if s.cached(ctx, poolKey(id), &p) {
		return &p, nil
	}

	pool, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(id), pool)
	return pool, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, poolID, account string) (fixed.Amount, error) {
	var shares fixed.Amount
	if s.cached(ctx, balanceKey(poolID, account), &shares) {
		return shares, nil
	}

	shares, err := s.primary.GetBalance(ctx, poolID, account)
	if err != nil {
		return fixed.Amount{}, err
	}
	s.cache(ctx, balanceKey(poolID, account), shares)
	return shares, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, poolID, account string) ([]model.Position, error) {
	var positions []model.Position
	if s.cached(ctx, positionsKey(poolID, account), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, poolID, account)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(poolID, account), positions)
	return positions, nil
}

func (s *CachedStore) GetStake(ctx context.Context, poolID, account string) (*model.StakeAccount, error) {
	var st model.StakeAccount
	if s.cached(ctx, stakeKey(poolID, account), &st) {
		return &st, nil
	}

	stake, err := s.primary.GetStake(ctx, poolID, account)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, stakeKey(poolID, account), stake)
	return stake, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.LoadSnapshot(ctx)
}

func (s *CachedStore) ListOrders(ctx context.Context, poolID, account string) ([]model.LimitOrder, error) {
	return s.primary.ListOrders(ctx, poolID, account)
}

func (s *CachedStore) ListEvents(ctx context.Context, poolID, account string, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, poolID, account, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func poolKey(id string) string                { return fmt.Sprintf("pool:%s", id) }
func balanceKey(pool, account string) string   { return fmt.Sprintf("balance:%s:%s", pool, account) }
func positionsKey(pool, account string) string { return fmt.Sprintf("positions:%s:%s", pool, account) }
func stakeKey(pool, account string) string     { return fmt.Sprintf("stake:%s:%s", pool, account) }
