// Package keeper runs the periodic external caller that executes satisfied
// limit orders and liquidates underwater positions. It is an ordinary
// ledger client: it earns the limit fee and the liquidation reward like any
// other triggerer would.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/metrics"
	"github.com/atmx/pile-engine/internal/model"
	"github.com/atmx/pile-engine/internal/oracle"
)

// Ledger is the part of the ledger the keeper drives.
type Ledger interface {
	ActiveOrders() []model.LimitOrder
	OpenPositions() []model.Position
	Markets(poolID string) []model.Market
	Trigger(ctx context.Context, poolID, triggerer, account, symbol string, index int) (*model.LimitOrder, error)
	Liquidate(ctx context.Context, poolID, liquidator, account, symbol string) (fixed.Amount, error)
}

// Result counts the actions of one pass.
type Result struct {
	Triggered  int
	Liquidated int
	Failed     int
}

// Keeper scans the ledger on a cron schedule. A pass that is still running
// when the next tick fires makes that tick a no-op.
type Keeper struct {
	Cron    *cron.Cron
	ledger  Ledger
	prices  oracle.Oracle
	account string
	now     func() time.Time
	running atomic.Bool
}

// New creates a keeper acting as account on the given cron spec.
func New(l Ledger, prices oracle.Oracle, account, spec string) (*Keeper, error) {
	k := &Keeper{
		Cron:    cron.New(),
		ledger:  l,
		prices:  prices,
		account: account,
		now:     time.Now,
	}
	if _, err := k.Cron.AddFunc(spec, k.Run); err != nil {
		return nil, err
	}
	return k, nil
}

// Start starts the schedule in its own goroutine.
func (k *Keeper) Start() {
	k.Cron.Start()
	slog.Info("keeper started", "account", k.account)
}

// Stop stops the schedule and waits for a running pass to finish.
func (k *Keeper) Stop() {
	<-k.Cron.Stop().Done()
	slog.Info("keeper stopped", "account", k.account)
}

// Run is the cron entry point.
func (k *Keeper) Run() {
	if !k.running.CompareAndSwap(false, true) {
		return
	}
	defer k.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res := k.Pass(ctx)
	if res.Triggered > 0 || res.Liquidated > 0 || res.Failed > 0 {
		slog.Info("keeper pass",
			"triggered", res.Triggered,
			"liquidated", res.Liquidated,
			"failed", res.Failed,
		)
	}
}

// Pass runs one scan: every triggerable order first, then every
// liquidatable position.
func (k *Keeper) Pass(ctx context.Context) Result {
	var res Result
	markets := make(map[model.MarketKey]model.Market)
	for _, o := range k.ledger.ActiveOrders() {
		if ctx.Err() != nil {
			return res
		}
		if k.now().Unix() >= o.Deadline {
			continue
		}
		m, ok := k.market(markets, o.PoolID, o.Symbol)
		if !ok {
			continue
		}
		price, err := k.prices.Price(ctx, m)
		if err != nil || !ledger.Triggered(&o, price) {
			continue
		}

		_, err = k.ledger.Trigger(ctx, o.PoolID, k.account, o.Account, o.Symbol, o.Index)
		k.record("trigger", err, &res.Triggered, &res.Failed)
		if err != nil {
			slog.Warn("keeper trigger failed",
				"pool", o.PoolID, "account", o.Account, "symbol", o.Symbol, "index", o.Index, "err", err)
		}
	}

	for _, p := range k.ledger.OpenPositions() {
		if ctx.Err() != nil {
			return res
		}
		_, err := k.ledger.Liquidate(ctx, p.PoolID, k.account, p.Account, p.Symbol)
		if errors.Is(err, ledger.ErrNotLiquidatable) || errors.Is(err, ledger.ErrPriceUnavailable) {
			continue
		}
		k.record("liquidate", err, &res.Liquidated, &res.Failed)
		if err != nil {
			slog.Warn("keeper liquidation failed",
				"pool", p.PoolID, "account", p.Account, "symbol", p.Symbol, "err", err)
		}
	}
	return res
}

func (k *Keeper) market(cache map[model.MarketKey]model.Market, poolID, symbol string) (model.Market, bool) {
	key := model.MarketKey{PoolID: poolID, Symbol: symbol}
	if m, ok := cache[key]; ok {
		return m, true
	}
	for _, m := range k.ledger.Markets(poolID) {
		cache[model.MarketKey{PoolID: m.PoolID, Symbol: m.Symbol}] = m
	}
	m, ok := cache[key]
	return m, ok
}

func (k *Keeper) record(action string, err error, ok, failed *int) {
	if err != nil {
		*failed++
		metrics.KeeperActions.WithLabelValues(action, ledger.CodeOf(err)).Inc()
		return
	}
	*ok++
	metrics.KeeperActions.WithLabelValues(action, "ok").Inc()
}
