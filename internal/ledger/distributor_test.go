package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/model"
)

// stake mints stake asset to account and stakes it.
func (e *testEnv) stake(t *testing.T, account string, amount uint64) {
	t.Helper()
	require.NoError(t, e.bank.Mint(stakeAsset, account, n(amount)))
	e.bank.Approve(stakeAsset, account, e.custody, n(amount))
	_, err := e.l.Stake(e.ctx, testPool, account, n(amount))
	require.NoError(t, err)
}

func (e *testEnv) claimable(t *testing.T, account string) string {
	t.Helper()
	s, err := e.l.StakeAccount(e.ctx, testPool, account)
	require.NoError(t, err)
	return s.Claimable.String()
}

func TestDistributor_RewardPerShare(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "owner", 1000)

	env.stake(t, "bob", 100)
	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(100)))
	assert.Equal(t, "100", env.claimable(t, "bob"))

	env.stake(t, "charlie", 100)
	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(100)))
	assert.Equal(t, "150", env.claimable(t, "bob"))
	assert.Equal(t, "50", env.claimable(t, "charlie"))

	_, err := env.l.Claim(env.ctx, testPool, "bob", n(151))
	require.ErrorIs(t, err, ledger.ErrInsufficientClaimable)

	s, err := env.l.Claim(env.ctx, testPool, "bob", n(100))
	require.NoError(t, err)
	assert.Equal(t, "50", s.Claimable.String())
	assert.Equal(t, "100", s.Claimed.String())
	assert.Equal(t, "100", env.balance("bob"))

	// Receipt transfers leave settled rewards where they were earned.
	require.NoError(t, env.l.TransferStake(env.ctx, testPool, "bob", "charlie", n(100)))
	assert.Equal(t, "50", env.claimable(t, "bob"))
	assert.Equal(t, "50", env.claimable(t, "charlie"))

	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(100)))
	assert.Equal(t, "50", env.claimable(t, "bob"))
	assert.Equal(t, "150", env.claimable(t, "charlie"))
	env.requireConserved(t)
}

func TestDistributor_CarryForwardToNextStaker(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "owner", 1000)

	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(100)))
	d, err := env.l.Distributor(testPool)
	require.NoError(t, err)
	assert.Equal(t, "100", d.CarryForward.String())
	assert.True(t, d.AccRewardPerShare.IsZero())

	env.stake(t, "bob", 10)
	assert.Equal(t, "100", env.claimable(t, "bob"))

	d, err = env.l.Distributor(testPool)
	require.NoError(t, err)
	assert.True(t, d.CarryForward.IsZero())
	assert.Equal(t, "100", d.TotalDistributed.String())
}

func TestDistributor_Unstake(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "owner", 1000)
	env.stake(t, "bob", 100)
	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(40)))

	_, err := env.l.Unstake(env.ctx, testPool, "bob", n(101))
	require.ErrorIs(t, err, ledger.ErrInsufficientStake)

	s, err := env.l.Unstake(env.ctx, testPool, "bob", n(100))
	require.NoError(t, err)
	assert.True(t, s.Staked.IsZero())
	assert.Equal(t, "40", s.Claimable.String(), "unstaking settles first")
	assert.Equal(t, "100", env.bank.BalanceOf(stakeAsset, "bob").String())

	// Later distributions are carried forward, not credited to bob.
	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(60)))
	assert.Equal(t, "40", env.claimable(t, "bob"))
}

func TestDistributor_Validation(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "owner", 10)

	_, err := env.l.Stake(env.ctx, testPool, "bob", n(0))
	require.ErrorIs(t, err, ledger.ErrZeroAmount)

	_, err = env.l.Stake(env.ctx, testPool, "bob", n(5))
	require.ErrorIs(t, err, ledger.ErrAssetTransfer, "no approval")

	err = env.l.TransferStake(env.ctx, testPool, "bob", "carol", n(1))
	require.ErrorIs(t, err, ledger.ErrInsufficientStake)

	err = env.l.Distribute(env.ctx, testPool, "owner", n(11))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func (e *testEnv) claimableSum(t *testing.T, accounts ...string) uint64 {
	t.Helper()
	var sum uint64
	for _, a := range accounts {
		s, err := e.l.StakeAccount(e.ctx, testPool, a)
		require.NoError(t, err)
		c, ok := s.Claimable.Uint64()
		require.True(t, ok)
		sum += c
	}
	return sum
}

func TestDistributor_Fairness(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "owner", 1_000_000)

	accounts := []string{"a", "b", "c"}
	for i, a := range accounts {
		env.stake(t, a, uint64(10*(i+1)))
	}

	distributed := uint64(0)
	for i := uint64(1); i <= 20; i++ {
		amount := 1000*i + 7
		require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(amount)))
		distributed += amount
		if i%5 == 0 {
			require.NoError(t, env.l.TransferStake(env.ctx, testPool, "c", "a", n(5)))
		}
	}

	// While stakers remain, each settlement floors at most one unit.
	owed := env.claimableSum(t, accounts...)
	assert.LessOrEqual(t, owed, distributed)
	assert.GreaterOrEqual(t, owed+uint64(20*len(accounts)), distributed)

	stakes := map[string]uint64{"a": 30, "b": 20, "c": 10}
	for a, amount := range stakes {
		_, err := env.l.Unstake(env.ctx, testPool, a, n(amount))
		require.NoError(t, err)
	}

	// Once everyone has left, nothing is stranded.
	d, err := env.l.Distributor(testPool)
	require.NoError(t, err)
	carry, ok := d.CarryForward.Uint64()
	require.True(t, ok)
	held, ok := env.l.Balance(testPool, model.DistributorAccount).Uint64()
	require.True(t, ok)
	assert.Equal(t, distributed, held)
	assert.Equal(t, held, env.claimableSum(t, accounts...)+carry)
}

func TestDistributor_DustReturnsToCarryForward(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.fund(t, "owner", 1000)

	accounts := []string{"a", "b", "c"}
	for _, a := range accounts {
		env.stake(t, a, 1)
	}
	require.NoError(t, env.l.Distribute(env.ctx, testPool, "owner", n(100)))
	for _, a := range accounts {
		assert.Equal(t, "33", env.claimable(t, a))
	}

	for _, a := range accounts {
		_, err := env.l.Unstake(env.ctx, testPool, a, n(1))
		require.NoError(t, err)
	}
	d, err := env.l.Distributor(testPool)
	require.NoError(t, err)
	assert.Equal(t, "1", d.CarryForward.String())

	env.stake(t, "d", 1)
	assert.Equal(t, "1", env.claimable(t, "d"))
	_, err = env.l.Claim(env.ctx, testPool, "d", n(1))
	require.NoError(t, err)
	for _, a := range accounts {
		_, err := env.l.Claim(env.ctx, testPool, a, n(33))
		require.NoError(t, err)
	}
	assert.Equal(t, "0", env.balance(model.DistributorAccount))
	env.requireConserved(t)
}
