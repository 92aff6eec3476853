// Package ledger is the pile accounting engine: the share ledger, lazy
// interest accrual, leveraged positions, the limit order book and the
// reward distributor.
//
// Every call is serialized behind one mutex and runs in a staged
// transaction. A call either commits completely or leaves no trace:
// validation happens first, then asset transfers on the external bank
// (compensated on later failure), then the journal, and only then is the
// in-memory arena updated. Time comes from the injected clock and prices
// from the oracle, both read during the call; nothing runs in the
// background.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atmx/pile-engine/internal/events"
	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/metrics"
	"github.com/atmx/pile-engine/internal/model"
	"github.com/atmx/pile-engine/internal/oracle"
)

// Bank is the underlying asset ledger. The pool's custody account is the
// spender for every TransferFrom.
type Bank interface {
	Transfer(ctx context.Context, asset, from, to string, amount fixed.Amount) error
	TransferFrom(ctx context.Context, asset, spender, from, to string, amount fixed.Amount) error
}

// Journal persists a changeset before it becomes visible in memory.
type Journal interface {
	Apply(ctx context.Context, cs *model.Changeset) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options holds the optional collaborators of a Ledger.
type Options struct {
	Clock     Clock            // defaults to the system clock
	Journal   Journal          // nil keeps state in memory only
	Publisher events.Publisher // nil drops events
}

// Ledger is the single-writer pile state machine.
type Ledger struct {
	mu        sync.Mutex
	st        *state
	bank      Bank
	prices    oracle.Oracle
	clock     Clock
	journal   Journal
	publisher events.Publisher
}

// New creates an empty ledger.
func New(bank Bank, prices oracle.Oracle, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Ledger{
		st:        newState(),
		bank:      bank,
		prices:    prices,
		clock:     opts.Clock,
		journal:   opts.Journal,
		publisher: opts.Publisher,
	}
}

// Restore replaces the arena with a persisted snapshot. It does not touch
// the journal.
func (l *Ledger) Restore(snap *model.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := newState()
	for i := range snap.Pools {
		p := snap.Pools[i]
		st.pools[p.ID] = &p
	}
	for i := range snap.Markets {
		m := snap.Markets[i]
		st.markets[model.MarketKey{PoolID: m.PoolID, Symbol: m.Symbol}] = &m
	}
	for _, b := range snap.Balances {
		if !b.Shares.IsZero() {
			st.balances[model.AccountKey{PoolID: b.PoolID, Account: b.Account}] = b.Shares
		}
	}
	for i := range snap.Positions {
		pos := snap.Positions[i]
		st.positions[pos.Key()] = &pos
	}
	for _, o := range snap.Orders {
		k := model.PositionKey{PoolID: o.PoolID, Account: o.Account, Symbol: o.Symbol}
		list := st.orders[k]
		for len(list) <= o.Index {
			list = append(list, model.LimitOrder{})
		}
		list[o.Index] = o
		st.orders[k] = list
	}
	for i := range snap.Distributors {
		d := snap.Distributors[i]
		st.distributors[d.PoolID] = &d
	}
	for i := range snap.Stakes {
		s := snap.Stakes[i]
		st.stakes[model.AccountKey{PoolID: s.PoolID, Account: s.Account}] = &s
	}
	l.st = st
	l.updateGauges()

	slog.Info("ledger restored",
		"pools", len(st.pools),
		"positions", len(st.positions),
		"stakes", len(st.stakes),
	)
}

// run executes fn in a fresh transaction and commits it.
func (l *Ledger) run(ctx context.Context, op string, fn func(tx *txn) error) error {
	started := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTxn(ctx, l.st, l.prices, l.clock.Now())
	err := fn(tx)
	if err == nil {
		err = l.commit(ctx, tx)
	}

	result := "ok"
	if err != nil {
		result = CodeOf(err)
	}
	metrics.ObserveOp(op, result, started)
	return err
}

// view executes fn against a throwaway transaction. Interest accrual and
// reward settlement inside fn are virtual.
func (l *Ledger) view(ctx context.Context, fn func(tx *txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(newTxn(ctx, l.st, l.prices, l.clock.Now()))
}

func (l *Ledger) commit(ctx context.Context, tx *txn) error {
	done, err := l.executeTransfers(ctx, tx.transfers)
	if err != nil {
		return err
	}

	cs := tx.changeset()
	if l.journal != nil && !cs.Empty() {
		if err := l.journal.Apply(ctx, cs); err != nil {
			l.compensate(done)
			return fmt.Errorf("ledger: journal: %w", err)
		}
	}

	tx.apply()
	l.updateGauges()

	if l.publisher != nil && len(cs.Events) > 0 {
		if err := l.publisher.Publish(ctx, cs.Events); err != nil {
			metrics.EventPublishFailures.Inc()
			slog.Warn("event publish failed", "events", len(cs.Events), "err", err)
		}
	}
	return nil
}

// executeTransfers runs the staged bank transfers in order. On failure the
// ones already executed are reversed.
func (l *Ledger) executeTransfers(ctx context.Context, ts []transfer) ([]transfer, error) {
	done := make([]transfer, 0, len(ts))
	for _, t := range ts {
		var err error
		if t.spender != "" {
			err = l.bank.TransferFrom(ctx, t.asset, t.spender, t.from, t.to, t.amount)
		} else {
			err = l.bank.Transfer(ctx, t.asset, t.from, t.to, t.amount)
		}
		if err != nil {
			l.compensate(done)
			return nil, fmt.Errorf("%w: %w", ErrAssetTransfer, err)
		}
		done = append(done, t)
	}
	return done, nil
}

// compensate reverses executed transfers, newest first.
func (l *Ledger) compensate(done []transfer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(done) - 1; i >= 0; i-- {
		t := done[i]
		if err := l.bank.Transfer(ctx, t.asset, t.to, t.from, t.amount); err != nil {
			slog.Error("transfer compensation failed",
				"asset", t.asset,
				"from", t.to,
				"to", t.from,
				"amount", t.amount.String(),
				"err", err,
			)
		}
	}
}

// updateGauges must be called with mu held.
func (l *Ledger) updateGauges() {
	active := 0
	for _, list := range l.st.orders {
		for _, o := range list {
			if o.Active {
				active++
			}
		}
	}
	metrics.OpenPositions.Set(float64(len(l.st.positions)))
	metrics.ActiveOrders.Set(float64(active))
}

// checkAccount rejects empty and reserved account names.
func checkAccount(accounts ...string) error {
	for _, a := range accounts {
		if a == "" || strings.HasPrefix(a, "$") {
			return fmt.Errorf("%w: %q", ErrInvalidAccount, a)
		}
	}
	return nil
}

// IsNotFound reports whether err names a missing pool, market, position or
// order.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPoolNotFound) || errors.Is(err, ErrMarketNotFound) ||
		errors.Is(err, ErrPositionNotFound) || errors.Is(err, ErrOrderNotFound)
}
