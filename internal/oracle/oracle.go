// Package oracle supplies market prices to the ledger. Prices are integers
// in oracle units and are trusted as-is; the ledger never caches them.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// ErrNoPrice is returned when the oracle has no price for a market.
var ErrNoPrice = errors.New("oracle: no price available")

// Oracle returns the current price of a market.
type Oracle interface {
	Price(ctx context.Context, m model.Market) (fixed.Amount, error)
}

// Static is a settable in-memory oracle keyed by token. It backs tests and
// single-node deployments where prices are pushed over the API.
type Static struct {
	mu     sync.RWMutex
	prices map[string]fixed.Amount
}

// NewStatic creates an oracle with no prices.
func NewStatic() *Static {
	return &Static{prices: make(map[string]fixed.Amount)}
}

// SetPrice sets the price reported for every market quoting token.
func (s *Static) SetPrice(token string, price fixed.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = price
}

// Prices returns a copy of all configured prices.
func (s *Static) Prices() map[string]fixed.Amount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]fixed.Amount, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out
}

// Price implements Oracle.
func (s *Static) Price(_ context.Context, m model.Market) (fixed.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[m.Token]
	if !ok {
		return fixed.Amount{}, fmt.Errorf("%w: token %s", ErrNoPrice, m.Token)
	}
	return p, nil
}
