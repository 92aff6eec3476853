package ledger

import (
	"fmt"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// checkClose enforces amount == 0 <=> collateral == 0.
func checkClose(pos *model.Position) error {
	switch {
	case pos.Amount.IsZero() && !pos.Collateral.IsZero():
		return fmt.Errorf("%w: %s shares with zero amount", ErrLeftoverCollateral, pos.Collateral)
	case pos.Collateral.IsZero() && !pos.Amount.IsZero():
		return fmt.Errorf("%w: amount %s", ErrNoCollateralLeft, pos.Amount)
	}
	return nil
}

// checkLeverage enforces amount <= collateral * maxLeverage.
func checkLeverage(cfg model.PoolConfig, pos *model.Position) error {
	bound, err := pos.Collateral.MulUint64(cfg.MaxLeverage)
	if err != nil {
		return arith("leverage bound", err)
	}
	if pos.Amount.Gt(bound) {
		return fmt.Errorf("%w: amount %s over %s collateral at %dx",
			ErrLeverageExceeded, pos.Amount, pos.Collateral, cfg.MaxLeverage)
	}
	return nil
}

// checkMaxPosition enforces amount <= totalShares / maxPositionDivisor.
// A zero divisor disables the bound.
func checkMaxPosition(cfg model.PoolConfig, totalShares fixed.Amount, pos *model.Position) error {
	if cfg.MaxPositionDivisor == 0 {
		return nil
	}
	bound, err := totalShares.DivUint64(cfg.MaxPositionDivisor)
	if err != nil {
		return arith("max position", err)
	}
	if pos.Amount.Gt(bound) {
		return fmt.Errorf("%w: amount %s, maximum %s", ErrMaxPositionExceeded, pos.Amount, bound)
	}
	return nil
}

// checkMinimum rejects a nonzero increase below the pool minimum, and an
// opening increase of any size below it.
func checkMinimum(cfg model.PoolConfig, amountDelta fixed.Amount, opening bool) error {
	if amountDelta.IsZero() && !opening {
		return nil
	}
	if amountDelta.Lt(cfg.MinPositionAmount) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amountDelta, cfg.MinPositionAmount)
	}
	return nil
}

// feeSplit is the fee charged on one collateral movement.
type feeSplit struct {
	burn         fixed.Amount
	treasury     fixed.Amount
	distribution fixed.Amount
}

func (f feeSplit) total() fixed.Amount {
	t, _ := f.burn.Add(f.treasury)
	t, _ = t.Add(f.distribution)
	return t
}

// feeOf returns base / divisor, or zero when the divisor is zero.
func feeOf(base fixed.Amount, divisor uint64) fixed.Amount {
	if divisor == 0 {
		return fixed.Zero()
	}
	f, _ := base.DivUint64(divisor)
	return f
}

// splitFees computes the burn, treasury and distribution fees on base.
func splitFees(cfg model.PoolConfig, base fixed.Amount) (feeSplit, error) {
	f := feeSplit{
		burn:         feeOf(base, cfg.BurnFeeDivisor),
		treasury:     feeOf(base, cfg.TreasuryFeeDivisor),
		distribution: feeOf(base, cfg.DistributionFeeDivisor),
	}
	if f.total().Gt(base) {
		return feeSplit{}, fmt.Errorf("%w: fees exceed collateral", ErrInvalidConfig)
	}
	return f, nil
}

// capFees trims the split so it totals at most limit, in burn, treasury,
// distribution order.
func capFees(f feeSplit, limit fixed.Amount) feeSplit {
	remaining := limit
	take := func(fee fixed.Amount) fixed.Amount {
		fee = fixed.Min(fee, remaining)
		remaining, _ = remaining.Sub(fee)
		return fee
	}
	return feeSplit{
		burn:         take(f.burn),
		treasury:     take(f.treasury),
		distribution: take(f.distribution),
	}
}
