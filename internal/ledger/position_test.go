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

func TestCalculateReward(t *testing.T) {
	tests := []struct {
		amount, entry, exit uint64
		isLong              bool
		want                string
	}{
		{100, 100, 100, true, "0"},
		{100, 100, 120, true, "20"},
		{200, 100, 80, true, "-40"},
		{200, 100, 80, false, "40"},
		{500, 100, 80, false, "100"},
		{1000, 100, 110, true, "100"},
		{1000, 100, 80, true, "-200"},
		{1000, 100, 110, false, "-100"},
		{7, 3, 4, true, "2"}, // floored magnitude
	}
	for _, tt := range tests {
		got, err := ledger.CalculateReward(n(tt.amount), n(tt.entry), n(tt.exit), tt.isLong)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String(), "reward(%d, %d, %d, long=%v)", tt.amount, tt.entry, tt.exit, tt.isLong)
	}
}

func TestCalculateReward_ZeroEntry(t *testing.T) {
	_, err := ledger.CalculateReward(n(1), fixed.Zero(), n(1), true)
	require.ErrorIs(t, err, ledger.ErrInvalidPrice)
}

func TestPosition_TradingScenario(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "alice", 1000)

	steps := []struct {
		name     string
		price    uint64
		increase bool
		isLong   bool
		want     string
	}{
		{"open long", 100, true, true, "900"},
		{"close long at a loss", 80, false, false, "980"},
		{"reopen long", 100, true, true, "880"},
		{"close long at a profit", 140, false, false, "1020"},
		{"open short", 100, true, false, "920"},
		{"close short at a loss", 120, false, false, "1000"},
	}
	for _, s := range steps {
		env.setPrice(s.price)
		var err error
		if s.increase {
			_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(100), s.isLong)
		} else {
			_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(100))
		}
		require.NoError(t, err, s.name)
		assert.Equal(t, s.want, env.balance("alice"), s.name)
		env.requireConserved(t)
	}

	_, err := env.l.Position(testPool, "alice", ethusd)
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)
}

func TestPosition_WeightedEntryPrice(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "alice", 1000)

	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(50), true)
	require.NoError(t, err)
	env.setPrice(130)
	pos, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(200), n(50), true)
	require.NoError(t, err)

	// (100*100 + 200*130) / 300 = 120
	assert.Equal(t, "120", pos.EntryPrice.String())
	assert.Equal(t, "300", pos.Amount.String())
	assert.Equal(t, "100", pos.Collateral.String())

	// Collateral-only top-up keeps the entry.
	env.setPrice(10)
	pos, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, fixed.Zero(), n(10), true)
	require.NoError(t, err)
	assert.Equal(t, "120", pos.EntryPrice.String())
}

func TestPosition_Validation(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "alice", 100)

	_, err := env.l.Increase(env.ctx, testPool, "alice", "BTCUSD", n(10), n(10), true)
	require.ErrorIs(t, err, ledger.ErrMarketNotFound)

	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(10), n(101), true)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, fixed.Zero(), fixed.Zero(), true)
	require.ErrorIs(t, err, ledger.ErrZeroAmount)

	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(10), n(10), true)
	require.NoError(t, err)
	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(10), n(10), false)
	require.ErrorIs(t, err, ledger.ErrConflictingDirection)

	_, err = env.l.Decrease(env.ctx, testPool, "bob", ethusd, n(10), n(10))
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)

	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(11), n(10))
	require.ErrorIs(t, err, ledger.ErrExceedsPosition)
}

func TestPosition_MinimumAmount(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinPositionAmount = fixed.MustParse("1000000000000000000")
	env := newTestEnv(t, cfg)
	env.fund(t, "alice", 1000)

	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(100), true)
	require.ErrorIs(t, err, ledger.ErrBelowMinimum)
	assert.Equal(t, ledger.KindInvariant, ledger.KindOf(err))
	assert.Equal(t, "1000", env.balance("alice"))
}

func TestPosition_Leverage(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxLeverage = 2
	env := newTestEnv(t, cfg)
	env.fund(t, "alice", 1000)
	env.fund(t, "carol", 1000)

	_, err := env.l.Increase(env.ctx, testPool, "carol", ethusd, n(201), n(100), true)
	require.ErrorIs(t, err, ledger.ErrLeverageExceeded)
	assert.Equal(t, "1000", env.balance("carol"))

	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(200), n(100), true)
	require.NoError(t, err)
	assert.Equal(t, "900", env.balance("alice"))

	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(75))
	require.ErrorIs(t, err, ledger.ErrLeverageExceeded)

	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(200), n(99))
	require.ErrorIs(t, err, ledger.ErrLeftoverCollateral)

	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(199), n(100))
	require.ErrorIs(t, err, ledger.ErrNoCollateralLeft)

	// Every failure above rolled back.
	pos, err := env.l.Position(testPool, "alice", ethusd)
	require.NoError(t, err)
	assert.Equal(t, "200", pos.Amount.String())
	assert.Equal(t, "100", pos.Collateral.String())
	assert.Equal(t, "900", env.balance("alice"))

	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(50))
	require.NoError(t, err)
	assert.Equal(t, "950", env.balance("alice"))

	pos, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, fixed.Zero(), n(100), true)
	require.NoError(t, err)
	assert.Equal(t, "100", pos.Amount.String())
	assert.Equal(t, "150", pos.Collateral.String())

	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(200), fixed.Zero(), true)
	require.NoError(t, err)
	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(1), fixed.Zero(), true)
	require.ErrorIs(t, err, ledger.ErrLeverageExceeded)
	env.requireConserved(t)
}

func TestPosition_MaxPositionDivisor(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPositionDivisor = 10
	env := newTestEnv(t, cfg)
	env.fund(t, "alice", 1000)

	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(101), n(50), true)
	require.ErrorIs(t, err, ledger.ErrMaxPositionExceeded)

	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(50), true)
	require.NoError(t, err)
}

func TestPosition_MinimumDuration(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinPositionDuration = 900
	env := newTestEnv(t, cfg)
	env.fund(t, "alice", 1000)

	// A profit inside the window is discarded.
	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(100), true)
	require.NoError(t, err)
	env.setPrice(150)
	st, err := env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(100))
	require.NoError(t, err)
	assert.True(t, st.Reward.IsZero())
	assert.Equal(t, "1000", env.balance("alice"))

	// A loss inside the window still applies.
	env.setPrice(100)
	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(100), true)
	require.NoError(t, err)
	env.setPrice(50)
	st, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(100))
	require.NoError(t, err)
	assert.Equal(t, "-50", st.Reward.String())
	assert.Equal(t, "950", env.balance("alice"))

	// After the window the profit is paid.
	env.setPrice(100)
	_, err = env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(100), true)
	require.NoError(t, err)
	env.clock.advance(900 * time.Second)
	env.setPrice(150)
	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(100))
	require.NoError(t, err)
	assert.Equal(t, "1000", env.balance("alice"))
	env.requireConserved(t)
}

func TestPosition_LossBeyondCollateralBurnsFreeShares(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "alice", 1000)

	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(1000), n(100), true)
	require.NoError(t, err)
	env.setPrice(80) // loss 200 on 100 collateral

	st, err := env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(1000), n(100))
	require.NoError(t, err)
	assert.True(t, st.Payout.IsZero())
	assert.True(t, st.Closed)
	assert.Equal(t, "800", env.balance("alice"))
	env.requireConserved(t)
}

func TestPosition_FeesSplitOnBothLegs(t *testing.T) {
	cfg := defaultConfig()
	cfg.BurnFeeDivisor = 4000
	cfg.TreasuryFeeDivisor = 2000
	cfg.DistributionFeeDivisor = 4000
	env := newTestEnv(t, cfg)
	env.fund(t, "alice", 1_000_000)

	pos, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100_000), n(100_000), true)
	require.NoError(t, err)
	assert.Equal(t, "99900", pos.Collateral.String())
	assert.Equal(t, "50", env.balance("treasury"))
	assert.Equal(t, "25", env.balance(model.DistributorAccount))

	st, err := env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100_000), n(99_900))
	require.NoError(t, err)
	assert.Equal(t, "97", st.Fees.String()) // 24 + 49 + 24
	assert.Equal(t, "99803", st.Payout.String())

	assert.Equal(t, "999803", env.balance("alice"))
	assert.Equal(t, "99", env.balance("treasury"))
	assert.Equal(t, "49", env.balance(model.DistributorAccount))

	p, err := env.l.Pool(env.ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, "999951", p.TotalShares.String())
	env.requireConserved(t)

	// Nobody staked, so the distribution parts were carried forward.
	d, err := env.l.Distributor(testPool)
	require.NoError(t, err)
	assert.Equal(t, "49", d.CarryForward.String())
	assert.Equal(t, "49", d.TotalDistributed.String())
}

func TestPosition_Liquidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.LiquidationRewardDivisor = 10
	env := newTestEnv(t, cfg)
	env.fund(t, "alice", 1000)

	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(1000), n(100), true)
	require.NoError(t, err)

	env.setPrice(92) // loss 80 < threshold 90
	_, err = env.l.Liquidate(env.ctx, testPool, "keeper", "alice", ethusd)
	require.ErrorIs(t, err, ledger.ErrNotLiquidatable)

	env.setPrice(91) // loss 90
	reward, err := env.l.Liquidate(env.ctx, testPool, "keeper", "alice", ethusd)
	require.NoError(t, err)
	assert.Equal(t, "10", reward.String())
	assert.Equal(t, "10", env.balance("keeper"))
	assert.Equal(t, "900", env.balance("alice"))
	assert.Equal(t, "0", env.balance(model.EscrowAccount))

	_, err = env.l.Position(testPool, "alice", ethusd)
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)

	p, err := env.l.Pool(env.ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, "910", p.TotalShares.String())
	env.requireConserved(t)
	assert.Contains(t, env.events.types(), model.EventPositionLiquidated)
}

func TestPosition_PriceUnavailable(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "alice", 1000)
	_, err := env.l.AddMarket(env.ctx, testPool, "owner", "BTCUSD", "", "BTC")
	require.NoError(t, err)

	_, err = env.l.Increase(env.ctx, testPool, "alice", "BTCUSD", n(10), n(10), true)
	require.ErrorIs(t, err, ledger.ErrPriceUnavailable)
	assert.Equal(t, "1000", env.balance("alice"))
}

func TestPosition_EventsInCallOrder(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "alice", 1000)
	_, err := env.l.Increase(env.ctx, testPool, "alice", ethusd, n(100), n(100), true)
	require.NoError(t, err)
	_, err = env.l.Decrease(env.ctx, testPool, "alice", ethusd, n(100), n(100))
	require.NoError(t, err)

	types := env.events.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []string{model.EventPositionIncreased, model.EventPositionClosed}, types[len(types)-2:])
}
