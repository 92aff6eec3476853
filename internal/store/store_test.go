package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

func amt(s string) fixed.Amount { return fixed.MustParse(s) }

func event(typ, account string, at time.Time) model.Event {
	return model.Event{
		ID:        uuid.NewString(),
		PoolID:    "pool-1",
		Type:      typ,
		Account:   account,
		Symbol:    "ETHUSD",
		Amount:    amt("500"),
		Reward:    fixed.Negative(amt("40")),
		Timestamp: at,
	}
}

// openingChangeset writes one of every row kind.
func openingChangeset() *model.Changeset {
	now := time.Unix(1_700_000_000, 0).UTC()
	return &model.Changeset{
		Pools: []model.Pool{{
			ID: "pool-1", Asset: "USD", StakeAsset: "PILE", Owner: "owner", Treasury: "treasury",
			TotalShares: amt("1000"), TotalValue: amt("1500"), LastAccrual: now.Unix(),
			Config: model.PoolConfig{
				Version:      1,
				InterestRate: amt("50000000000000000000000000"),
				MaxLeverage:  10,
			},
			CreatedAt: now,
		}},
		Markets: []model.Market{
			{PoolID: "pool-1", Symbol: "ETHUSD", Base: "ETH", Quote: "USD", Feed: "eth-usd", Token: "ETH", CreatedAt: now},
			{PoolID: "pool-1", Symbol: "BTCUSD", Token: "BTCUSD", CreatedAt: now},
		},
		Balances: []model.ShareBalance{
			{PoolID: "pool-1", Account: "alice", Shares: amt("900")},
			{PoolID: "pool-1", Account: model.EscrowAccount, Shares: amt("100")},
		},
		Positions: []model.Position{{
			PoolID: "pool-1", Account: "alice", Symbol: "ETHUSD", IsLong: true,
			Amount: amt("500"), Collateral: amt("100"),
			EntryPrice: amt("115792089237316195423570985008687907853269984665640564039457584007913129639935"),
			OpenedAt:   now.Unix(),
		}},
		Orders: []model.LimitOrder{{
			PoolID: "pool-1", Account: "alice", Symbol: "ETHUSD", Index: 0,
			IsLong: true, Amount: amt("500"), LowerPrice: amt("90"), UpperPrice: amt("120"),
			Deadline: now.Unix() + 3600, Active: true, PlacedAt: now.Unix(),
		}},
		Distributors: []model.Distributor{{
			PoolID: "pool-1", TotalStaked: amt("10"), AccRewardPerShare: amt("1000000000000000000000000000"),
		}},
		Stakes: []model.StakeAccount{{
			PoolID: "pool-1", Account: "bob", Staked: amt("10"), Claimable: amt("3"),
		}},
		Events: []model.Event{
			withShares(event(model.EventDeposit, "alice", now), "450"),
			event(model.EventStaked, "bob", now),
			event(model.EventPositionIncreased, "alice", now),
		},
	}
}

// closingChangeset closes the position, empties the escrow, resolves the
// order and removes a market.
func closingChangeset() *model.Changeset {
	now := time.Unix(1_700_000_100, 0).UTC()
	return &model.Changeset{
		RemovedMarkets: []model.MarketKey{{PoolID: "pool-1", Symbol: "BTCUSD"}},
		Balances: []model.ShareBalance{
			{PoolID: "pool-1", Account: "alice", Shares: amt("960")},
			{PoolID: "pool-1", Account: model.EscrowAccount, Shares: fixed.Zero()},
		},
		ClosedPositions: []model.PositionKey{{PoolID: "pool-1", Account: "alice", Symbol: "ETHUSD"}},
		Orders: []model.LimitOrder{{
			PoolID: "pool-1", Account: "alice", Symbol: "ETHUSD", Index: 0,
			IsLong: true, Amount: amt("500"), LowerPrice: amt("90"), UpperPrice: amt("120"),
			Deadline: now.Unix() + 3500, Active: false, PlacedAt: now.Unix() - 100,
			Resolution: model.ResolutionTriggered,
		}},
		Events: []model.Event{event(model.EventPositionClosed, "alice", now)},
	}
}

func withShares(e model.Event, shares string) model.Event {
	e.Shares = amt(shares)
	return e
}

// runStoreSuite exercises a Store implementation end to end.
func runStoreSuite(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, &model.Changeset{}), "empty changeset")
	require.NoError(t, s.Apply(ctx, openingChangeset()))

	p, err := s.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, "1500", p.TotalValue.String())
	assert.Equal(t, "1000", p.TotalShares.String())
	assert.Equal(t, uint64(10), p.Config.MaxLeverage)
	assert.Equal(t, "50000000000000000000000000", p.Config.InterestRate.String())

	_, err = s.GetPool(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	bal, err := s.GetBalance(ctx, "pool-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "900", bal.String())

	bal, err = s.GetBalance(ctx, "pool-1", "nobody")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	positions, err := s.ListPositions(ctx, "pool-1", "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935",
		positions[0].EntryPrice.String(), "full 256-bit range survives")

	st, err := s.GetStake(ctx, "pool-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "10", st.Staked.String())
	assert.Equal(t, "3", st.Claimable.String())

	st, err = s.GetStake(ctx, "pool-1", "carol")
	require.NoError(t, err)
	assert.True(t, st.Staked.IsZero())

	require.NoError(t, s.Apply(ctx, closingChangeset()))

	bal, err = s.GetBalance(ctx, "pool-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "960", bal.String(), "cached balance invalidated")

	positions, err = s.ListPositions(ctx, "pool-1", "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)

	orders, err := s.ListOrders(ctx, "pool-1", "alice")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.False(t, orders[0].Active)
	assert.Equal(t, model.ResolutionTriggered, orders[0].Resolution)

	events, err := s.ListEvents(ctx, "pool-1", "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventPositionClosed, events[0].Type, "newest first")
	assert.Equal(t, "-40", events[0].Reward.String())
	assert.Equal(t, "450", events[2].Shares.String(), "minted shares")
	assert.True(t, events[2].Fee.IsZero())

	events, err = s.ListEvents(ctx, "pool-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Pools, 1)
	require.Len(t, snap.Markets, 1)
	assert.Equal(t, "ETH", snap.Markets[0].Base)
	assert.Equal(t, "USD", snap.Markets[0].Quote)
	assert.Len(t, snap.Balances, 1, "zero balances are dropped")
	assert.Empty(t, snap.Positions)
	assert.Len(t, snap.Orders, 1)
	assert.Len(t, snap.Distributors, 1)
	assert.Equal(t, "1000000000000000000000000000", snap.Distributors[0].AccRewardPerShare.String())
	assert.Len(t, snap.Stakes, 1)
}
