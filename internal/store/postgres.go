package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(78,0), written from and read back as
// base-10 text so no value passes through a float.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema files in lexical order. The files
// are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		sql, err := fs.ReadFile(migrationsFS, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// --- Journal ---

func (s *PostgresStore) Apply(ctx context.Context, cs *model.Changeset) error {
	batch := &pgx.Batch{}

	for _, p := range cs.Pools {
		cfg, err := json.Marshal(p.Config)
		if err != nil {
			return fmt.Errorf("encode config of pool %s: %w", p.ID, err)
		}
		batch.Queue(
			`INSERT INTO pools (id, asset, stake_asset, owner, treasury, total_shares, total_value, last_accrual, config, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE
			 SET treasury = EXCLUDED.treasury, total_shares = EXCLUDED.total_shares,
			     total_value = EXCLUDED.total_value, last_accrual = EXCLUDED.last_accrual,
			     config = EXCLUDED.config`,
			p.ID, p.Asset, p.StakeAsset, p.Owner, p.Treasury,
			p.TotalShares.String(), p.TotalValue.String(), p.LastAccrual, cfg, p.CreatedAt,
		)
	}
	for _, m := range cs.Markets {
		batch.Queue(
			`INSERT INTO markets (pool_id, symbol, base, quote, feed, token, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (pool_id, symbol) DO UPDATE SET feed = EXCLUDED.feed, token = EXCLUDED.token`,
			m.PoolID, m.Symbol, m.Base, m.Quote, m.Feed, m.Token, m.CreatedAt,
		)
	}
	for _, k := range cs.RemovedMarkets {
		batch.Queue(`DELETE FROM markets WHERE pool_id = $1 AND symbol = $2`, k.PoolID, k.Symbol)
	}
	for _, b := range cs.Balances {
		if b.Shares.IsZero() {
			batch.Queue(`DELETE FROM balances WHERE pool_id = $1 AND account = $2`, b.PoolID, b.Account)
			continue
		}
		batch.Queue(
			`INSERT INTO balances (pool_id, account, shares) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (pool_id, account) DO UPDATE SET shares = EXCLUDED.shares`,
			b.PoolID, b.Account, b.Shares.String(),
		)
	}
	for _, p := range cs.Positions {
		batch.Queue(
			`INSERT INTO positions (pool_id, account, symbol, is_long, amount, collateral, entry_price, opened_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
			 ON CONFLICT (pool_id, account, symbol) DO UPDATE
			 SET is_long = EXCLUDED.is_long, amount = EXCLUDED.amount, collateral = EXCLUDED.collateral,
			     entry_price = EXCLUDED.entry_price, opened_at = EXCLUDED.opened_at`,
			p.PoolID, p.Account, p.Symbol, p.IsLong,
			p.Amount.String(), p.Collateral.String(), p.EntryPrice.String(), p.OpenedAt,
		)
	}
	for _, k := range cs.ClosedPositions {
		batch.Queue(`DELETE FROM positions WHERE pool_id = $1 AND account = $2 AND symbol = $3`,
			k.PoolID, k.Account, k.Symbol)
	}
	for _, o := range cs.Orders {
		batch.Queue(
			`INSERT INTO orders (pool_id, account, symbol, idx, is_increase, is_long, amount, collateral,
			                     trigger_price, lower_price, upper_price, deadline, active, placed_at, resolution)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
			         $12, $13, $14, $15)
			 ON CONFLICT (pool_id, account, symbol, idx) DO UPDATE
			 SET active = EXCLUDED.active, resolution = EXCLUDED.resolution`,
			o.PoolID, o.Account, o.Symbol, o.Index, o.IsIncrease, o.IsLong,
			o.Amount.String(), o.Collateral.String(),
			o.TriggerPrice.String(), o.LowerPrice.String(), o.UpperPrice.String(),
			o.Deadline, o.Active, o.PlacedAt, o.Resolution,
		)
	}
	for _, d := range cs.Distributors {
		batch.Queue(
			`INSERT INTO distributors (pool_id, total_staked, acc_reward_per_share, carry_forward, total_distributed)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
			 ON CONFLICT (pool_id) DO UPDATE
			 SET total_staked = EXCLUDED.total_staked, acc_reward_per_share = EXCLUDED.acc_reward_per_share,
			     carry_forward = EXCLUDED.carry_forward, total_distributed = EXCLUDED.total_distributed`,
			d.PoolID, d.TotalStaked.String(), d.AccRewardPerShare.String(),
			d.CarryForward.String(), d.TotalDistributed.String(),
		)
	}
	for _, st := range cs.Stakes {
		batch.Queue(
			`INSERT INTO stakes (pool_id, account, staked, reward_debt, claimable, claimed)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
			 ON CONFLICT (pool_id, account) DO UPDATE
			 SET staked = EXCLUDED.staked, reward_debt = EXCLUDED.reward_debt,
			     claimable = EXCLUDED.claimable, claimed = EXCLUDED.claimed`,
			st.PoolID, st.Account, st.Staked.String(), st.RewardDebt.String(),
			st.Claimable.String(), st.Claimed.String(),
		)
	}
	for _, e := range cs.Events {
		batch.Queue(
			`INSERT INTO events (id, pool_id, type, account, counterparty, symbol,
			                     amount, collateral, shares, fee, price, reward, order_index, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			         $11::NUMERIC, $12::NUMERIC, $13, $14)`,
			e.ID, e.PoolID, e.Type, e.Account, e.Counterparty, e.Symbol,
			e.Amount.String(), e.Collateral.String(), e.Shares.String(), e.Fee.String(),
			e.Price.String(), e.Reward.String(),
			e.OrderIndex, e.Timestamp,
		)
	}

	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin changeset: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply changeset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit changeset: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	var err error

	if snap.Pools, err = s.queryPools(ctx, `ORDER BY id`); err != nil {
		return nil, err
	}
	if snap.Markets, err = s.queryMarkets(ctx); err != nil {
		return nil, err
	}
	if snap.Balances, err = s.queryBalances(ctx); err != nil {
		return nil, err
	}
	if snap.Positions, err = s.queryPositions(ctx, ``); err != nil {
		return nil, err
	}
	if snap.Orders, err = s.queryOrders(ctx, ``); err != nil {
		return nil, err
	}
	if snap.Distributors, err = s.queryDistributors(ctx); err != nil {
		return nil, err
	}
	if snap.Stakes, err = s.queryStakes(ctx, ``); err != nil {
		return nil, err
	}
	return snap, nil
}

// --- Read model ---

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	pools, err := s.queryPools(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return &pools[0], nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, poolID, account string) (fixed.Amount, error) {
	var shares string
	err := s.pool.QueryRow(ctx,
		`SELECT shares::TEXT FROM balances WHERE pool_id = $1 AND account = $2`, poolID, account).
		Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return fixed.Zero(), nil
	}
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("get balance %s/%s: %w", poolID, account, err)
	}
	return fixed.Parse(shares)
}

func (s *PostgresStore) ListPositions(ctx context.Context, poolID, account string) ([]model.Position, error) {
	return s.queryPositions(ctx, `WHERE pool_id = $1 AND account = $2`, poolID, account)
}

func (s *PostgresStore) ListOrders(ctx context.Context, poolID, account string) ([]model.LimitOrder, error) {
	return s.queryOrders(ctx, `WHERE pool_id = $1 AND account = $2`, poolID, account)
}

func (s *PostgresStore) GetStake(ctx context.Context, poolID, account string) (*model.StakeAccount, error) {
	stakes, err := s.queryStakes(ctx, `WHERE pool_id = $1 AND account = $2`, poolID, account)
	if err != nil {
		return nil, err
	}
	if len(stakes) == 0 {
		return &model.StakeAccount{PoolID: poolID, Account: account}, nil
	}
	return &stakes[0], nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, poolID, account string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, type, account, counterparty, symbol,
		        amount::TEXT, collateral::TEXT, shares::TEXT, fee::TEXT, price::TEXT, reward::TEXT,
		        order_index, timestamp
		 FROM events
		 WHERE pool_id = $1 AND ($2 = '' OR account = $2 OR counterparty = $2)
		 ORDER BY seq DESC LIMIT $3`, poolID, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var nums amountScanner
		var reward string
		if err := rows.Scan(&e.ID, &e.PoolID, &e.Type, &e.Account, &e.Counterparty, &e.Symbol,
			nums.col(&e.Amount), nums.col(&e.Collateral), nums.col(&e.Shares), nums.col(&e.Fee),
			nums.col(&e.Price), &reward,
			&e.OrderIndex, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		if e.Reward, err = fixed.ParseSigned(reward); err != nil {
			return nil, fmt.Errorf("event %s reward: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Row scanners ---

func (s *PostgresStore) queryPools(ctx context.Context, where string, args ...any) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset, stake_asset, owner, treasury,
		        total_shares::TEXT, total_value::TEXT, last_accrual, config, created_at
		 FROM pools `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		var p model.Pool
		var nums amountScanner
		var cfg []byte
		if err := rows.Scan(&p.ID, &p.Asset, &p.StakeAsset, &p.Owner, &p.Treasury,
			nums.col(&p.TotalShares), nums.col(&p.TotalValue), &p.LastAccrual, &cfg, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.ID, err)
		}
		if err := json.Unmarshal(cfg, &p.Config); err != nil {
			return nil, fmt.Errorf("pool %s config: %w", p.ID, err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) queryMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, symbol, base, quote, feed, token, created_at FROM markets ORDER BY pool_id, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.PoolID, &m.Symbol, &m.Base, &m.Quote, &m.Feed, &m.Token, &m.CreatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) queryBalances(ctx context.Context) ([]model.ShareBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, account, shares::TEXT FROM balances ORDER BY pool_id, account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.ShareBalance
	for rows.Next() {
		var b model.ShareBalance
		var nums amountScanner
		if err := rows.Scan(&b.PoolID, &b.Account, nums.col(&b.Shares)); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", b.PoolID, b.Account, err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) queryPositions(ctx context.Context, where string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, account, symbol, is_long,
		        amount::TEXT, collateral::TEXT, entry_price::TEXT, opened_at
		 FROM positions `+where+` ORDER BY pool_id, account, symbol`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var nums amountScanner
		if err := rows.Scan(&p.PoolID, &p.Account, &p.Symbol, &p.IsLong,
			nums.col(&p.Amount), nums.col(&p.Collateral), nums.col(&p.EntryPrice), &p.OpenedAt); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("position %s/%s/%s: %w", p.PoolID, p.Account, p.Symbol, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) queryOrders(ctx context.Context, where string, args ...any) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, account, symbol, idx, is_increase, is_long,
		        amount::TEXT, collateral::TEXT, trigger_price::TEXT, lower_price::TEXT, upper_price::TEXT,
		        deadline, active, placed_at, resolution
		 FROM orders `+where+` ORDER BY pool_id, account, symbol, idx`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.LimitOrder
	for rows.Next() {
		var o model.LimitOrder
		var nums amountScanner
		if err := rows.Scan(&o.PoolID, &o.Account, &o.Symbol, &o.Index, &o.IsIncrease, &o.IsLong,
			nums.col(&o.Amount), nums.col(&o.Collateral),
			nums.col(&o.TriggerPrice), nums.col(&o.LowerPrice), nums.col(&o.UpperPrice),
			&o.Deadline, &o.Active, &o.PlacedAt, &o.Resolution); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("order %s/%s/%s#%d: %w", o.PoolID, o.Account, o.Symbol, o.Index, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) queryDistributors(ctx context.Context) ([]model.Distributor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, total_staked::TEXT, acc_reward_per_share::TEXT,
		        carry_forward::TEXT, total_distributed::TEXT
		 FROM distributors ORDER BY pool_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Distributor
	for rows.Next() {
		var d model.Distributor
		var nums amountScanner
		if err := rows.Scan(&d.PoolID, nums.col(&d.TotalStaked), nums.col(&d.AccRewardPerShare),
			nums.col(&d.CarryForward), nums.col(&d.TotalDistributed)); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("distributor %s: %w", d.PoolID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryStakes(ctx context.Context, where string, args ...any) ([]model.StakeAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, account, staked::TEXT, reward_debt::TEXT, claimable::TEXT, claimed::TEXT
		 FROM stakes `+where+` ORDER BY pool_id, account`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StakeAccount
	for rows.Next() {
		var st model.StakeAccount
		var nums amountScanner
		if err := rows.Scan(&st.PoolID, &st.Account, nums.col(&st.Staked), nums.col(&st.RewardDebt),
			nums.col(&st.Claimable), nums.col(&st.Claimed)); err != nil {
			return nil, err
		}
		if err := nums.parse(); err != nil {
			return nil, fmt.Errorf("stake %s/%s: %w", st.PoolID, st.Account, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// amountScanner collects NUMERIC columns selected as ::TEXT and parses
// them into their destinations after Scan.
type amountScanner struct {
	cols []amountCol
}

type amountCol struct {
	dst *fixed.Amount
	src *string
}

func (a *amountScanner) col(dst *fixed.Amount) *string {
	src := new(string)
	a.cols = append(a.cols, amountCol{dst: dst, src: src})
	return src
}

func (a *amountScanner) parse() error {
	for _, c := range a.cols {
		v, err := fixed.Parse(*c.src)
		if err != nil {
			return err
		}
		*c.dst = v
	}
	return nil
}
