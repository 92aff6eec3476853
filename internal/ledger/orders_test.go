package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/model"
)

func (e *testEnv) deadline() int64 {
	return e.clock.Now().Add(time.Hour).Unix()
}

func (e *testEnv) bracket(amount, collateral, lower, upper uint64) ledger.DecreaseOrder {
	return ledger.DecreaseOrder{
		Symbol:     ethusd,
		Amount:     n(amount),
		Collateral: n(collateral),
		LowerPrice: n(lower),
		UpperPrice: n(upper),
		Deadline:   e.deadline(),
	}
}

func TestOrders_LimitSequence(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "bob", 1000)

	in := ledger.IncreaseOrder{
		Symbol:       ethusd,
		Amount:       n(1000),
		Collateral:   n(1000),
		IsLong:       true,
		TriggerPrice: n(101),
		Deadline:     env.deadline(),
	}
	_, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.ErrorIs(t, err, ledger.ErrWouldTriggerImmediately)

	in.TriggerPrice = n(50)
	o, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.NoError(t, err)
	assert.Equal(t, 0, o.Index)
	assert.Equal(t, "0", env.balance("bob"))
	assert.Equal(t, "1000", env.balance(model.EscrowAccount))

	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 1)
	require.ErrorIs(t, err, ledger.ErrOrderNotFound)

	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.ErrorIs(t, err, ledger.ErrConditionsNotSatisfied)

	env.setPrice(50)
	o, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.NoError(t, err)
	assert.False(t, o.Active)
	assert.Equal(t, model.ResolutionTriggered, o.Resolution)

	pos, err := env.l.Position(testPool, "bob", ethusd)
	require.NoError(t, err)
	assert.Equal(t, "1000", pos.Amount.String())
	assert.Equal(t, "1000", pos.Collateral.String())
	assert.Equal(t, "50", pos.EntryPrice.String())

	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.ErrorIs(t, err, ledger.ErrOrderInactive)

	_, err = env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(1000, 1000, 40, 45))
	require.ErrorIs(t, err, ledger.ErrWouldTriggerImmediately)

	o, err = env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(500, 500, 45, 55))
	require.NoError(t, err)
	assert.Equal(t, 1, o.Index)

	env.setPrice(45)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 1)
	require.NoError(t, err)
	assert.Equal(t, "450", env.balance("bob"))
	pos, err = env.l.Position(testPool, "bob", ethusd)
	require.NoError(t, err)
	assert.Equal(t, "500", pos.Amount.String())

	env.setPrice(50)
	o2, err := env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(250, 250, 45, 55))
	require.NoError(t, err)
	o3, err := env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(250, 250, 45, 55))
	require.NoError(t, err)
	assert.Equal(t, 2, o2.Index)
	assert.Equal(t, 3, o3.Index)

	env.setPrice(55)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 2)
	require.NoError(t, err)
	assert.Equal(t, "725", env.balance("bob"))

	env.setPrice(45)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 3)
	require.NoError(t, err)
	assert.Equal(t, "950", env.balance("bob"))

	_, err = env.l.Position(testPool, "bob", ethusd)
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)
	assert.Empty(t, env.l.ActiveOrders())
	assert.Len(t, env.l.Orders(testPool, "bob", ethusd), 4)
	env.requireConserved(t)
}

func TestOrders_ShortIncreaseTriggersAbove(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "bob", 100)

	in := ledger.IncreaseOrder{
		Symbol: ethusd, Amount: n(100), Collateral: n(100),
		IsLong: false, TriggerPrice: n(100), Deadline: env.deadline(),
	}
	_, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.ErrorIs(t, err, ledger.ErrWouldTriggerImmediately)

	in.TriggerPrice = n(110)
	_, err = env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.NoError(t, err)

	env.setPrice(120)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.NoError(t, err)

	pos, err := env.l.Position(testPool, "bob", ethusd)
	require.NoError(t, err)
	assert.False(t, pos.IsLong)
	assert.Equal(t, "120", pos.EntryPrice.String(), "executes at the current price")
}

func TestOrders_Deadline(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "bob", 100)

	in := ledger.IncreaseOrder{
		Symbol: ethusd, Amount: n(100), Collateral: n(100),
		IsLong: true, TriggerPrice: n(90), Deadline: env.clock.Now().Unix(),
	}
	_, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.ErrorIs(t, err, ledger.ErrOrderExpired)

	in.Deadline = env.clock.Now().Add(time.Minute).Unix()
	_, err = env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.NoError(t, err)

	env.clock.advance(time.Minute)
	env.setPrice(80)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.ErrorIs(t, err, ledger.ErrOrderExpired)

	// The owner recovers the escrow of an expired order.
	o, err := env.l.Cancel(env.ctx, testPool, "bob", ethusd, 0)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionCancelled, o.Resolution)
	assert.Equal(t, "100", env.balance("bob"))
	assert.Equal(t, "0", env.balance(model.EscrowAccount))

	_, err = env.l.Cancel(env.ctx, testPool, "bob", ethusd, 0)
	require.ErrorIs(t, err, ledger.ErrOrderInactive)
}

func TestOrders_CancelIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "bob", 100)

	in := ledger.IncreaseOrder{
		Symbol: ethusd, Amount: n(100), Collateral: n(100),
		IsLong: true, TriggerPrice: n(90), Deadline: env.deadline(),
	}
	_, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.NoError(t, err)

	// Orders are keyed by owner, so another account cannot address bob's.
	_, err = env.l.Cancel(env.ctx, testPool, "mallory", ethusd, 0)
	require.ErrorIs(t, err, ledger.ErrOrderNotFound)
	assert.Len(t, env.l.ActiveOrders(), 1)
}

func TestOrders_DecreaseValidation(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "bob", 1000)

	_, err := env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(100, 100, 90, 110))
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)

	_, err = env.l.Increase(env.ctx, testPool, "bob", ethusd, n(100), n(100), true)
	require.NoError(t, err)

	_, err = env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(100, 100, 0, 0))
	require.ErrorIs(t, err, ledger.ErrInvalidBracket)

	_, err = env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(100, 100, 120, 110))
	require.ErrorIs(t, err, ledger.ErrInvalidBracket)

	_, err = env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(101, 100, 90, 110))
	require.ErrorIs(t, err, ledger.ErrExceedsPosition)

	// Stop-loss only.
	o, err := env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(100, 100, 90, 0))
	require.NoError(t, err)
	assert.True(t, o.UpperPrice.IsZero())

	env.setPrice(1000)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, o.Index)
	require.ErrorIs(t, err, ledger.ErrConditionsNotSatisfied)
}

func TestOrders_LimitFeePaidToTriggerer(t *testing.T) {
	cfg := defaultConfig()
	cfg.LimitFeeDivisor = 100
	env := newTestEnv(t, cfg)
	env.fund(t, "bob", 1000)

	in := ledger.IncreaseOrder{
		Symbol: ethusd, Amount: n(500), Collateral: n(500),
		IsLong: true, TriggerPrice: n(90), Deadline: env.deadline(),
	}
	_, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.NoError(t, err)

	env.setPrice(90)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.NoError(t, err)
	assert.Equal(t, "5", env.balance("keeper"))
	ev, ok := env.events.last(model.EventOrderTriggered)
	require.True(t, ok)
	assert.Equal(t, "5", ev.Fee.String())
	assert.Equal(t, "500", ev.Collateral.String())

	pos, err := env.l.Position(testPool, "bob", ethusd)
	require.NoError(t, err)
	assert.Equal(t, "495", pos.Collateral.String())
	assert.Equal(t, "500", env.balance("bob"))

	o, err := env.l.PlaceDecrease(env.ctx, testPool, "bob", env.bracket(500, 495, 80, 100))
	require.NoError(t, err)
	env.setPrice(100)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, o.Index)
	require.NoError(t, err)
	assert.Equal(t, "9", env.balance("keeper")) // 5 + 495/100
	env.requireConserved(t)
}

func TestOrders_FailedTriggerKeepsOrderActive(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxLeverage = 1
	env := newTestEnv(t, cfg)
	env.fund(t, "bob", 100)

	in := ledger.IncreaseOrder{
		Symbol: ethusd, Amount: n(200), Collateral: n(100),
		IsLong: true, TriggerPrice: n(90), Deadline: env.deadline(),
	}
	_, err := env.l.PlaceIncrease(env.ctx, testPool, "bob", in)
	require.NoError(t, err)

	env.setPrice(90)
	_, err = env.l.Trigger(env.ctx, testPool, "keeper", "bob", ethusd, 0)
	require.ErrorIs(t, err, ledger.ErrLeverageExceeded)

	active := env.l.ActiveOrders()
	require.Len(t, active, 1)
	assert.True(t, active[0].Active)
	assert.Equal(t, "100", env.balance(model.EscrowAccount))
}

func TestTriggered(t *testing.T) {
	long := &model.LimitOrder{IsIncrease: true, IsLong: true, TriggerPrice: n(100)}
	short := &model.LimitOrder{IsIncrease: true, IsLong: false, TriggerPrice: n(100)}
	bracket := &model.LimitOrder{LowerPrice: n(90), UpperPrice: n(110)}
	stop := &model.LimitOrder{LowerPrice: n(90)}

	tests := []struct {
		o     *model.LimitOrder
		price uint64
		want  bool
	}{
		{long, 100, true},
		{long, 101, false},
		{short, 100, true},
		{short, 99, false},
		{bracket, 90, true},
		{bracket, 110, true},
		{bracket, 100, false},
		{stop, 1_000_000, false},
		{stop, 1, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ledger.Triggered(tt.o, fixed.New(tt.price)))
	}
}
