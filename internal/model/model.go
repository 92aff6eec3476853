// Package model defines the core domain types shared across the pile engine.
// All balances, prices and rates are fixed.Amount; there is no float64 in
// any persisted field.
package model

import (
	"time"

	"github.com/atmx/pile-engine/internal/fixed"
)

// Reserved ledger accounts. They hold shares like any other account so
// that the sum of all balances always equals the pool's total shares.
const (
	// EscrowAccount holds open-position collateral and escrowed limit-order
	// collateral.
	EscrowAccount = "$escrow"

	// DistributorAccount holds fee shares owed to stakers.
	DistributorAccount = "$distributor"
)

// PoolConfig is the owner-managed parameter set of a pool. It is read once
// at the start of each trading call; Version increases on every update.
type PoolConfig struct {
	Version uint64 `json:"version" db:"config_version"`

	// InterestRate is ray-scaled per second.
	InterestRate fixed.Amount `json:"interest_rate" db:"interest_rate"`

	// Fee divisors. A fee is collateral / divisor; zero disables the fee.
	BurnFeeDivisor         uint64 `json:"burn_fee_divisor" db:"burn_fee_divisor"`
	TreasuryFeeDivisor     uint64 `json:"treasury_fee_divisor" db:"treasury_fee_divisor"`
	DistributionFeeDivisor uint64 `json:"distribution_fee_divisor" db:"distribution_fee_divisor"`
	LimitFeeDivisor        uint64 `json:"limit_fee_divisor" db:"limit_fee_divisor"`

	MaxLeverage       uint64       `json:"max_leverage" db:"max_leverage"`
	MinPositionAmount fixed.Amount `json:"min_position_amount" db:"min_position_amount"`

	// MaxPositionDivisor bounds a position at totalShares / divisor; zero disables it.
	MaxPositionDivisor uint64 `json:"max_position_divisor" db:"max_position_divisor"`

	// MinPositionDuration is in seconds.
	MinPositionDuration int64 `json:"min_position_duration" db:"min_position_duration"`

	LiquidationRewardDivisor uint64 `json:"liquidation_reward_divisor" db:"liquidation_reward_divisor"`
}

// Pool is one share ledger over one base asset.
type Pool struct {
	ID          string       `json:"id" db:"id"`
	Asset       string       `json:"asset" db:"asset"`
	StakeAsset  string       `json:"stake_asset" db:"stake_asset"`
	Owner       string       `json:"owner" db:"owner"`
	Treasury    string       `json:"treasury" db:"treasury"`
	TotalShares fixed.Amount `json:"total_shares" db:"total_shares"`
	TotalValue  fixed.Amount `json:"total_value" db:"total_value"`
	LastAccrual int64        `json:"last_accrual" db:"last_accrual"` // unix seconds
	Config      PoolConfig   `json:"config"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// Custody is the asset-bank account that holds the pool's base and stake
// assets.
func (p *Pool) Custody() string { return "pool:" + p.ID }

// Market is a tradable symbol within a pool.
type Market struct {
	PoolID    string    `json:"pool_id" db:"pool_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Base      string    `json:"base" db:"base"`
	Quote     string    `json:"quote,omitempty" db:"quote"`
	Feed      string    `json:"feed" db:"feed"`   // oracle feed reference
	Token     string    `json:"token" db:"token"` // token the oracle is queried for
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Position is a leveraged directional position of one account on one
// symbol. Amount and Collateral are either both zero or both positive.
type Position struct {
	PoolID     string       `json:"pool_id" db:"pool_id"`
	Account    string       `json:"account" db:"account"`
	Symbol     string       `json:"symbol" db:"symbol"`
	IsLong     bool         `json:"is_long" db:"is_long"`
	Amount     fixed.Amount `json:"amount" db:"amount"`         // notional, base units
	Collateral fixed.Amount `json:"collateral" db:"collateral"` // shares held in escrow
	EntryPrice fixed.Amount `json:"entry_price" db:"entry_price"`
	OpenedAt   int64        `json:"opened_at" db:"opened_at"` // unix seconds
}

// Key returns the arena key of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{PoolID: p.PoolID, Account: p.Account, Symbol: p.Symbol}
}

// Order resolutions.
const (
	ResolutionTriggered = "triggered"
	ResolutionCancelled = "cancelled"
)

// LimitOrder is a resting conditional increase or decrease. Orders are
// append-only per (account, symbol) and never become active again.
type LimitOrder struct {
	PoolID       string       `json:"pool_id" db:"pool_id"`
	Account      string       `json:"account" db:"account"`
	Symbol       string       `json:"symbol" db:"symbol"`
	Index        int          `json:"index" db:"idx"`
	IsIncrease   bool         `json:"is_increase" db:"is_increase"`
	IsLong       bool         `json:"is_long" db:"is_long"`
	Amount       fixed.Amount `json:"amount" db:"amount"`
	Collateral   fixed.Amount `json:"collateral" db:"collateral"`
	TriggerPrice fixed.Amount `json:"trigger_price" db:"trigger_price"` // increase only
	LowerPrice   fixed.Amount `json:"lower_price" db:"lower_price"`     // decrease stop-loss
	UpperPrice   fixed.Amount `json:"upper_price" db:"upper_price"`     // decrease take-profit, 0 = none
	Deadline     int64        `json:"deadline" db:"deadline"`
	Active       bool         `json:"active" db:"active"`
	PlacedAt     int64        `json:"placed_at" db:"placed_at"`
	Resolution   string       `json:"resolution,omitempty" db:"resolution"`
}

// Distributor is the per-pool reward-per-share state.
type Distributor struct {
	PoolID            string       `json:"pool_id" db:"pool_id"`
	TotalStaked       fixed.Amount `json:"total_staked" db:"total_staked"`
	AccRewardPerShare fixed.Amount `json:"acc_reward_per_share" db:"acc_reward_per_share"` // ray
	CarryForward      fixed.Amount `json:"carry_forward" db:"carry_forward"`
	TotalDistributed  fixed.Amount `json:"total_distributed" db:"total_distributed"`
}

// StakeAccount is one staker's receipt balance and settled rewards.
type StakeAccount struct {
	PoolID     string       `json:"pool_id" db:"pool_id"`
	Account    string       `json:"account" db:"account"`
	Staked     fixed.Amount `json:"staked" db:"staked"`
	RewardDebt fixed.Amount `json:"reward_debt" db:"reward_debt"` // ray
	Claimable  fixed.Amount `json:"claimable" db:"claimable"`
	Claimed    fixed.Amount `json:"claimed" db:"claimed"`
}

// ShareBalance is the share balance of one account in one pool.
type ShareBalance struct {
	PoolID  string       `json:"pool_id" db:"pool_id"`
	Account string       `json:"account" db:"account"`
	Shares  fixed.Amount `json:"shares" db:"shares"`
}

// --- Arena keys ---

// AccountKey identifies an account within a pool.
type AccountKey struct {
	PoolID  string `json:"pool_id"`
	Account string `json:"account"`
}

// MarketKey identifies a market within a pool.
type MarketKey struct {
	PoolID string `json:"pool_id"`
	Symbol string `json:"symbol"`
}

// PositionKey identifies a position and the order list sharing its scope.
type PositionKey struct {
	PoolID  string `json:"pool_id"`
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
}

// --- Events ---

// Event types.
const (
	EventPoolCreated        = "pool_created"
	EventConfigUpdated      = "config_updated"
	EventMarketAdded        = "market_added"
	EventMarketRemoved      = "market_removed"
	EventDeposit            = "deposit"
	EventWithdraw           = "withdraw"
	EventInterestAccrued    = "interest_accrued"
	EventEmissionsFunded    = "emissions_funded"
	EventPositionIncreased  = "position_increased"
	EventPositionDecreased  = "position_decreased"
	EventPositionClosed     = "position_closed"
	EventPositionLiquidated = "position_liquidated"
	EventOrderPlaced        = "order_placed"
	EventOrderTriggered     = "order_triggered"
	EventOrderCancelled     = "order_cancelled"
	EventFeesCharged        = "fees_charged"
	EventDistribution       = "distribution"
	EventStaked             = "staked"
	EventUnstaked           = "unstaked"
	EventStakeTransferred   = "stake_transferred"
	EventClaimed            = "claimed"
)

// Event is an informational record of a committed state change. Events are
// never read back by the ledger.
//
// Amount is in base units for deposit, withdraw, emissions and interest, and
// in shares everywhere else. Collateral is the position or order collateral
// moved by the event. Shares is the number of pool shares minted by a
// deposit or burned by a withdraw, and the carry-forward left after a
// distribution. Fee is the limit fee paid to the triggerer of an order, and
// the burned part of a fee split.
type Event struct {
	ID           string       `json:"id" db:"id"`
	PoolID       string       `json:"pool_id" db:"pool_id"`
	Type         string       `json:"type" db:"type"`
	Account      string       `json:"account,omitempty" db:"account"`
	Counterparty string       `json:"counterparty,omitempty" db:"counterparty"`
	Symbol       string       `json:"symbol,omitempty" db:"symbol"`
	Amount       fixed.Amount `json:"amount" db:"amount"`
	Collateral   fixed.Amount `json:"collateral" db:"collateral"`
	Shares       fixed.Amount `json:"shares" db:"shares"`
	Fee          fixed.Amount `json:"fee" db:"fee"`
	Price        fixed.Amount `json:"price" db:"price"`
	Reward       fixed.Signed `json:"reward" db:"reward"`
	OrderIndex   int          `json:"order_index" db:"order_index"`
	Timestamp    time.Time    `json:"timestamp" db:"timestamp"`
}

// Changeset is everything one committed call wrote. Removed markets and
// closed positions are listed by key.
type Changeset struct {
	Pools           []Pool         `json:"pools,omitempty"`
	Markets         []Market       `json:"markets,omitempty"`
	RemovedMarkets  []MarketKey    `json:"removed_markets,omitempty"`
	Balances        []ShareBalance `json:"balances,omitempty"`
	Positions       []Position     `json:"positions,omitempty"`
	ClosedPositions []PositionKey  `json:"closed_positions,omitempty"`
	Orders          []LimitOrder   `json:"orders,omitempty"`
	Distributors    []Distributor  `json:"distributors,omitempty"`
	Stakes          []StakeAccount `json:"stakes,omitempty"`
	Events          []Event        `json:"events,omitempty"`
}

// Empty reports whether the changeset writes nothing.
func (c *Changeset) Empty() bool {
	return len(c.Pools) == 0 && len(c.Markets) == 0 && len(c.RemovedMarkets) == 0 &&
		len(c.Balances) == 0 && len(c.Positions) == 0 && len(c.ClosedPositions) == 0 &&
		len(c.Orders) == 0 && len(c.Distributors) == 0 && len(c.Stakes) == 0 &&
		len(c.Events) == 0
}

// Snapshot is the full arena, used to restore the ledger at startup.
type Snapshot struct {
	Pools        []Pool         `json:"pools"`
	Markets      []Market       `json:"markets"`
	Balances     []ShareBalance `json:"balances"`
	Positions    []Position     `json:"positions"`
	Orders       []LimitOrder   `json:"orders"`
	Distributors []Distributor  `json:"distributors"`
	Stakes       []StakeAccount `json:"stakes"`
}
