package keeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/keeper"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/model"
	"github.com/atmx/pile-engine/internal/oracle"
	"github.com/atmx/pile-engine/internal/token"
)

type env struct {
	ctx    context.Context
	l      *ledger.Ledger
	bank   *token.Bank
	prices *oracle.Static
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:    context.Background(),
		bank:   token.NewBank(),
		prices: oracle.NewStatic(),
	}
	e.l = ledger.New(e.bank, e.prices, ledger.Options{})

	_, err := e.l.CreatePool(e.ctx, ledger.PoolSpec{
		ID: "pool-1", Asset: "USD", StakeAsset: "PILE", Owner: "owner", Treasury: "treasury",
		Config: model.PoolConfig{MaxLeverage: 10, LiquidationRewardDivisor: 10},
	})
	require.NoError(t, err)
	_, err = e.l.AddMarket(e.ctx, "pool-1", "owner", "ETHUSD", "", "ETH")
	require.NoError(t, err)
	e.prices.SetPrice("ETH", fixed.New(100))
	return e
}

func (e *env) fund(t *testing.T, account string, amount uint64) {
	t.Helper()
	require.NoError(t, e.bank.Mint("USD", account, fixed.New(amount)))
	e.bank.Approve("USD", account, "pool:pool-1", fixed.New(amount))
	_, err := e.l.Deposit(e.ctx, "pool-1", account, fixed.New(amount))
	require.NoError(t, err)
}

func TestPass_TriggersAndLiquidates(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", 1000)
	e.fund(t, "bob", 1000)

	_, err := e.l.Increase(e.ctx, "pool-1", "alice", "ETHUSD", fixed.New(500), fixed.New(100), true)
	require.NoError(t, err)
	_, err = e.l.PlaceIncrease(e.ctx, "pool-1", "bob", ledger.IncreaseOrder{
		Symbol: "ETHUSD", Amount: fixed.New(100), Collateral: fixed.New(20), IsLong: true,
		TriggerPrice: fixed.New(90), Deadline: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	k, err := keeper.New(e.l, e.prices, "keeper", "@every 1s")
	require.NoError(t, err)

	assert.Equal(t, keeper.Result{}, k.Pass(e.ctx), "nothing to do at 100")

	e.prices.SetPrice("ETH", fixed.New(90))
	assert.Equal(t, keeper.Result{Triggered: 1}, k.Pass(e.ctx))
	_, err = e.l.Position("pool-1", "bob", "ETHUSD")
	require.NoError(t, err, "order became a position")
	assert.Empty(t, e.l.ActiveOrders())

	// alice loses 95 of 100 collateral; the threshold is 90. bob loses 10 of 20.
	e.prices.SetPrice("ETH", fixed.New(81))
	assert.Equal(t, keeper.Result{Liquidated: 1}, k.Pass(e.ctx))
	_, err = e.l.Position("pool-1", "alice", "ETHUSD")
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)
	assert.Equal(t, "10", e.l.Balance("pool-1", "keeper").String())
	assert.Len(t, e.l.OpenPositions(), 1)
}

func TestPass_SkipsUnpriced(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "bob", 1000)

	_, err := e.l.AddMarket(e.ctx, "pool-1", "owner", "BTCUSD", "", "BTC")
	require.NoError(t, err)
	e.prices.SetPrice("BTC", fixed.New(50_000))
	_, err = e.l.PlaceIncrease(e.ctx, "pool-1", "bob", ledger.IncreaseOrder{
		Symbol: "BTCUSD", Amount: fixed.New(100), Collateral: fixed.New(20), IsLong: true,
		TriggerPrice: fixed.New(40_000), Deadline: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, err = e.l.PlaceIncrease(e.ctx, "pool-1", "bob", ledger.IncreaseOrder{
		Symbol: "ETHUSD", Amount: fixed.New(100), Collateral: fixed.New(20), IsLong: true,
		TriggerPrice: fixed.New(90), Deadline: time.Now().Add(time.Minute).Unix(),
	})
	require.NoError(t, err)

	k, err := keeper.New(e.l, e.prices, "keeper", "@every 1s")
	require.NoError(t, err)

	// Orders without a price are left alone.
	k2, err := keeper.New(e.l, oracle.NewStatic(), "keeper", "@every 1s")
	require.NoError(t, err)
	assert.Equal(t, keeper.Result{}, k2.Pass(e.ctx))

	e.prices.SetPrice("ETH", fixed.New(80))
	assert.Equal(t, keeper.Result{Triggered: 1}, k.Pass(e.ctx))
	assert.Len(t, e.l.ActiveOrders(), 1, "BTC order still resting")
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := keeper.New(nil, nil, "keeper", "every now and then")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	k, err := keeper.New(e.l, e.prices, "keeper", "@every 1h")
	require.NoError(t, err)
	k.Start()

	stopped := make(chan struct{})
	go func() {
		k.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
