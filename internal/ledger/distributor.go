package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// distribute credits amount shares, already sitting in the distributor
// account, to stakers. With nobody staked the amount is carried forward
// into the next distribution that has stakers.
func (tx *txn) distribute(p *model.Pool, amount fixed.Amount) error {
	if amount.IsZero() {
		return nil
	}
	d := tx.distributor(p.ID)
	var err error
	if d.TotalDistributed, err = d.TotalDistributed.Add(amount); err != nil {
		return arith("total distributed", err)
	}
	total, err := d.CarryForward.Add(amount)
	if err != nil {
		return arith("carry forward", err)
	}
	if err := tx.flush(d, total); err != nil {
		return err
	}

	tx.emit(model.Event{
		PoolID:     p.ID,
		Type:       model.EventDistribution,
		Amount:     amount,
		Shares:     d.CarryForward,
	})
	return nil
}

// flush folds total into the reward-per-share counter, or parks it in the
// carry-forward while nothing is staked.
func (tx *txn) flush(d *model.Distributor, total fixed.Amount) error {
	if d.TotalStaked.IsZero() {
		d.CarryForward = total
		return nil
	}
	inc, err := fixed.RayDiv(total, d.TotalStaked)
	if err != nil {
		return arith("reward per share", err)
	}
	if d.AccRewardPerShare, err = d.AccRewardPerShare.Add(inc); err != nil {
		return arith("reward per share", err)
	}
	d.CarryForward = fixed.Zero()
	return nil
}

// sweep runs once nobody is staked. Every account is settled at that point,
// so the rounding dust left in the distributor beyond the claimable balances
// goes back to the carry-forward.
func (tx *txn) sweep(p *model.Pool, d *model.Distributor) error {
	owed, err := tx.claimableTotal(p.ID)
	if err != nil {
		return err
	}
	held := tx.balanceOf(p.ID, model.DistributorAccount)
	if held.Lte(owed) {
		return nil
	}
	d.CarryForward, _ = held.Sub(owed)
	return nil
}

// settleStake moves everything earned since the last interaction into the
// claimable balance.
func settleStake(d *model.Distributor, s *model.StakeAccount) error {
	if d.AccRewardPerShare.Eq(s.RewardDebt) {
		return nil
	}
	delta, err := d.AccRewardPerShare.Sub(s.RewardDebt)
	if err != nil {
		return arith("reward debt", err)
	}
	earned, err := fixed.RayMul(s.Staked, delta)
	if err != nil {
		return arith("earned", err)
	}
	if s.Claimable, err = s.Claimable.Add(earned); err != nil {
		return arith("claimable", err)
	}
	s.RewardDebt = d.AccRewardPerShare
	return nil
}

// Stake pulls amount of the pool's stake asset from account and credits the
// same number of receipt units.
func (l *Ledger) Stake(ctx context.Context, poolID, account string, amount fixed.Amount) (*model.StakeAccount, error) {
	var out model.StakeAccount
	err := l.run(ctx, "stake", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		d := tx.distributor(p.ID)
		s := tx.stake(p.ID, account)
		if err := settleStake(d, s); err != nil {
			return err
		}
		if s.Staked, err = s.Staked.Add(amount); err != nil {
			return arith("staked", err)
		}
		if d.TotalStaked, err = d.TotalStaked.Add(amount); err != nil {
			return arith("total staked", err)
		}
		// Rewards parked while nobody staked go to the stakers present now,
		// the newcomer included.
		if !d.CarryForward.IsZero() {
			if err := tx.flush(d, d.CarryForward); err != nil {
				return err
			}
		}

		tx.pull(p, p.StakeAsset, account, amount)
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventStaked, Account: account, Amount: amount})
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("staked", "pool", poolID, "account", account, "amount", amount.String())
	return &out, nil
}

// Unstake burns receipt units and returns the stake asset.
func (l *Ledger) Unstake(ctx context.Context, poolID, account string, amount fixed.Amount) (*model.StakeAccount, error) {
	var out model.StakeAccount
	err := l.run(ctx, "unstake", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		d := tx.distributor(p.ID)
		s := tx.stake(p.ID, account)
		if err := settleStake(d, s); err != nil {
			return err
		}
		if s.Staked.Lt(amount) {
			return fmt.Errorf("%w: %s staked %s, unstaking %s", ErrInsufficientStake, account, s.Staked, amount)
		}
		s.Staked, _ = s.Staked.Sub(amount)
		if d.TotalStaked, err = d.TotalStaked.Sub(amount); err != nil {
			return arith("total staked", err)
		}
		if d.TotalStaked.IsZero() {
			if err := tx.sweep(p, d); err != nil {
				return err
			}
		}

		tx.pay(p, p.StakeAsset, account, amount)
		tx.emit(model.Event{PoolID: p.ID, Type: model.EventUnstaked, Account: account, Amount: amount})
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("unstaked", "pool", poolID, "account", account, "amount", amount.String())
	return &out, nil
}

// TransferStake moves receipt units between accounts. Both sides are settled
// first, so rewards earned before the transfer stay with the sender.
func (l *Ledger) TransferStake(ctx context.Context, poolID, from, to string, amount fixed.Amount) error {
	return l.run(ctx, "transfer_stake", func(tx *txn) error {
		if err := checkAccount(from, to); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		d := tx.distributor(p.ID)
		src := tx.stake(p.ID, from)
		dst := tx.stake(p.ID, to)
		if err := settleStake(d, src); err != nil {
			return err
		}
		if err := settleStake(d, dst); err != nil {
			return err
		}
		if src.Staked.Lt(amount) {
			return fmt.Errorf("%w: %s staked %s, transferring %s", ErrInsufficientStake, from, src.Staked, amount)
		}
		src.Staked, _ = src.Staked.Sub(amount)
		if dst.Staked, err = dst.Staked.Add(amount); err != nil {
			return arith("staked", err)
		}

		tx.emit(model.Event{PoolID: p.ID, Type: model.EventStakeTransferred, Account: from, Counterparty: to, Amount: amount})
		return nil
	})
}

// Claim pays amount of settled rewards, in pool shares, to account.
func (l *Ledger) Claim(ctx context.Context, poolID, account string, amount fixed.Amount) (*model.StakeAccount, error) {
	var out model.StakeAccount
	err := l.run(ctx, "claim", func(tx *txn) error {
		if err := checkAccount(account); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		d := tx.distributor(p.ID)
		s := tx.stake(p.ID, account)
		if err := settleStake(d, s); err != nil {
			return err
		}
		if s.Claimable.Lt(amount) {
			return fmt.Errorf("%w: %s claimable %s, claiming %s", ErrInsufficientClaimable, account, s.Claimable, amount)
		}
		s.Claimable, _ = s.Claimable.Sub(amount)
		if s.Claimed, err = s.Claimed.Add(amount); err != nil {
			return arith("claimed", err)
		}
		if err := tx.move(p, model.DistributorAccount, account, amount); err != nil {
			return err
		}

		tx.emit(model.Event{PoolID: p.ID, Type: model.EventClaimed, Account: account, Amount: amount})
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("rewards claimed", "pool", poolID, "account", account, "amount", amount.String())
	return &out, nil
}

// Distribute moves amount shares from the caller into the distributor and
// credits them to stakers.
func (l *Ledger) Distribute(ctx context.Context, poolID, from string, amount fixed.Amount) error {
	return l.run(ctx, "distribute", func(tx *txn) error {
		if err := checkAccount(from); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if err := tx.move(p, from, model.DistributorAccount, amount); err != nil {
			return err
		}
		return tx.distribute(p, amount)
	})
}
