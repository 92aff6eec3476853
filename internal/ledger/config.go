package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/atmx/pile-engine/internal/contract"
	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// PoolSpec is the input of CreatePool.
type PoolSpec struct {
	ID         string           `json:"id"` // generated when empty
	Asset      string           `json:"asset"`
	StakeAsset string           `json:"stake_asset"`
	Owner      string           `json:"owner"`
	Treasury   string           `json:"treasury"`
	Config     model.PoolConfig `json:"config"`
}

// ConfigUpdate carries the settable pool parameters. Nil fields are left
// unchanged.
type ConfigUpdate struct {
	InterestRate             *fixed.Amount `json:"interest_rate,omitempty"`
	BurnFeeDivisor           *uint64       `json:"burn_fee_divisor,omitempty"`
	TreasuryFeeDivisor       *uint64       `json:"treasury_fee_divisor,omitempty"`
	DistributionFeeDivisor   *uint64       `json:"distribution_fee_divisor,omitempty"`
	LimitFeeDivisor          *uint64       `json:"limit_fee_divisor,omitempty"`
	MaxLeverage              *uint64       `json:"max_leverage,omitempty"`
	MinPositionAmount        *fixed.Amount `json:"min_position_amount,omitempty"`
	MaxPositionDivisor       *uint64       `json:"max_position_divisor,omitempty"`
	MinPositionDuration      *int64        `json:"min_position_duration,omitempty"`
	LiquidationRewardDivisor *uint64       `json:"liquidation_reward_divisor,omitempty"`
	Treasury                 *string       `json:"treasury,omitempty"`
}

func (u ConfigUpdate) applyTo(p *model.Pool) {
	c := &p.Config
	setIf(&c.InterestRate, u.InterestRate)
	setIf(&c.BurnFeeDivisor, u.BurnFeeDivisor)
	setIf(&c.TreasuryFeeDivisor, u.TreasuryFeeDivisor)
	setIf(&c.DistributionFeeDivisor, u.DistributionFeeDivisor)
	setIf(&c.LimitFeeDivisor, u.LimitFeeDivisor)
	setIf(&c.MaxLeverage, u.MaxLeverage)
	setIf(&c.MinPositionAmount, u.MinPositionAmount)
	setIf(&c.MaxPositionDivisor, u.MaxPositionDivisor)
	setIf(&c.MinPositionDuration, u.MinPositionDuration)
	setIf(&c.LiquidationRewardDivisor, u.LiquidationRewardDivisor)
	setIf(&p.Treasury, u.Treasury)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// validateConfig checks each parameter's range. Cross-parameter
// consistency with live positions is not checked.
func validateConfig(c model.PoolConfig) error {
	if c.MaxLeverage == 0 {
		return fmt.Errorf("%w: max leverage must be at least 1", ErrInvalidConfig)
	}
	if c.InterestRate.Gt(fixed.Ray) {
		return fmt.Errorf("%w: interest rate %s above one ray per second", ErrInvalidConfig, c.InterestRate)
	}
	if c.LiquidationRewardDivisor == 1 {
		return fmt.Errorf("%w: liquidation reward divisor must be 0 or at least 2", ErrInvalidConfig)
	}
	if c.MinPositionDuration < 0 {
		return fmt.Errorf("%w: negative min position duration", ErrInvalidConfig)
	}
	if _, err := splitFees(c, fixed.MustParse("1000000000000000000")); err != nil {
		return err
	}
	return nil
}

// CreatePool registers a new pool with an empty share ledger.
func (l *Ledger) CreatePool(ctx context.Context, spec PoolSpec) (*model.Pool, error) {
	var out model.Pool
	err := l.run(ctx, "create_pool", func(tx *txn) error {
		if err := checkAccount(spec.Owner, spec.Treasury); err != nil {
			return err
		}
		if spec.Asset == "" || spec.StakeAsset == "" {
			return fmt.Errorf("%w: asset and stake asset are required", ErrInvalidConfig)
		}
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		if tx.poolExists(spec.ID) {
			return fmt.Errorf("%w: %s", ErrPoolExists, spec.ID)
		}
		if err := validateConfig(spec.Config); err != nil {
			return err
		}

		cfg := spec.Config
		cfg.Version = 1
		p := &model.Pool{
			ID:          spec.ID,
			Asset:       spec.Asset,
			StakeAsset:  spec.StakeAsset,
			Owner:       spec.Owner,
			Treasury:    spec.Treasury,
			LastAccrual: tx.unix(),
			Config:      cfg,
			CreatedAt:   tx.now,
		}
		tx.putPool(p)
		tx.distributor(p.ID)

		tx.emit(model.Event{PoolID: p.ID, Type: model.EventPoolCreated, Account: p.Owner})
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pool created", "pool", out.ID, "asset", out.Asset, "owner", out.Owner)
	return &out, nil
}

// AddMarket lists symbol in the pool. token defaults to the symbol's base
// currency, e.g. ETH for ETHUSD.
func (l *Ledger) AddMarket(ctx context.Context, poolID, caller, symbol, feed, token string) (*model.Market, error) {
	var out model.Market
	err := l.run(ctx, "add_market", func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if caller != p.Owner {
			return ErrUnauthorized
		}
		sym, err := contract.ParseSymbol(symbol)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSymbol, err)
		}
		if err := contract.ValidateFeed(feed); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSymbol, err)
		}
		if _, err := tx.market(p.ID, symbol); err == nil {
			return fmt.Errorf("%w: %s", ErrMarketExists, symbol)
		}
		if token == "" {
			token = sym.Base
		}

		out = model.Market{
			PoolID:    p.ID,
			Symbol:    symbol,
			Base:      sym.Base,
			Quote:     sym.Quote,
			Feed:      feed,
			Token:     token,
			CreatedAt: tx.now,
		}
		tx.putMarket(out)
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventMarketAdded, Account: caller, Symbol: symbol})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market added", "pool", poolID, "symbol", symbol, "feed", feed)
	return &out, nil
}

// RemoveMarket delists symbol. A market with open positions or active
// orders cannot be removed.
func (l *Ledger) RemoveMarket(ctx context.Context, poolID, caller, symbol string) error {
	err := l.run(ctx, "remove_market", func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if caller != p.Owner {
			return ErrUnauthorized
		}
		if _, err := tx.market(p.ID, symbol); err != nil {
			return err
		}
		for k := range tx.base.positions {
			if k.PoolID == p.ID && k.Symbol == symbol {
				return fmt.Errorf("%w: %s has open positions", ErrInvalidConfig, symbol)
			}
		}
		for k, list := range tx.base.orders {
			if k.PoolID != p.ID || k.Symbol != symbol {
				continue
			}
			for _, o := range list {
				if o.Active {
					return fmt.Errorf("%w: %s has active orders", ErrInvalidConfig, symbol)
				}
			}
		}

		tx.removeMarket(model.MarketKey{PoolID: p.ID, Symbol: symbol})
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventMarketRemoved, Account: caller, Symbol: symbol})
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("market removed", "pool", poolID, "symbol", symbol)
	return nil
}

// UpdateConfig applies u and bumps the config version. Interest is
// accrued at the old rate first.
func (l *Ledger) UpdateConfig(ctx context.Context, poolID, caller string, u ConfigUpdate) (*model.Pool, error) {
	var out model.Pool
	err := l.run(ctx, "update_config", func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if caller != p.Owner {
			return ErrUnauthorized
		}
		if u.Treasury != nil {
			if err := checkAccount(*u.Treasury); err != nil {
				return err
			}
		}
		if err := tx.accrue(p); err != nil {
			return err
		}

		u.applyTo(p)
		if err := validateConfig(p.Config); err != nil {
			return err
		}
		p.Config.Version++

		tx.emit(model.Event{PoolID: p.ID, Type: model.EventConfigUpdated, Account: caller})
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pool config updated", "pool", poolID, "version", out.Config.Version)
	return &out, nil
}
