package ledger

import (
	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// accrue brings the pool's total value up to now:
//
//	interest = totalValue * rate * elapsed / RAY
//
// Elapsed time of zero or less is a no-op. Accrual is lazy; it only happens
// inside calls that touch the pool.
func (tx *txn) accrue(p *model.Pool) error {
	now := tx.unix()
	if now <= p.LastAccrual {
		return nil
	}
	elapsed := uint64(now - p.LastAccrual)
	p.LastAccrual = now

	interest, err := fixed.SimpleInterest(p.TotalValue, p.Config.InterestRate, elapsed)
	if err != nil {
		return arith("interest", err)
	}
	if interest.IsZero() {
		return nil
	}
	total, err := p.TotalValue.Add(interest)
	if err != nil {
		return arith("total value", err)
	}
	p.TotalValue = total

	tx.emit(model.Event{
		PoolID: p.ID,
		Type:   model.EventInterestAccrued,
		Amount: interest,
	})
	return nil
}

// loadPool stages the pool and accrues interest.
func (tx *txn) loadPool(id string) (*model.Pool, error) {
	p, err := tx.pool(id)
	if err != nil {
		return nil, err
	}
	if err := tx.accrue(p); err != nil {
		return nil, err
	}
	return p, nil
}
