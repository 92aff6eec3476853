// Package contract handles market symbol parsing and validation for
// perpetual contracts traded against a pile.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Recognized quote currencies, longest first so USDT wins over USD.
var quoteCurrencies = []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH"}

// symbolRegex matches an upper-case alphanumeric symbol, e.g. ETHUSD, BTCUSDT.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{2,15}$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid market symbol")
	ErrInvalidFeed   = errors.New("contract: invalid oracle feed reference")
)

// Symbol is a parsed market symbol. Quote is empty when the symbol does not
// end in a recognized quote currency.
type Symbol struct {
	Ticker string `json:"ticker"`
	Base   string `json:"base"`
	Quote  string `json:"quote,omitempty"`
}

// ParseSymbol parses and validates a market symbol.
// Format: {BASE}{QUOTE}, 3-16 upper-case alphanumerics starting with a letter.
func ParseSymbol(ticker string) (*Symbol, error) {
	if !symbolRegex.MatchString(ticker) {
		return nil, fmt.Errorf("%w: %q (expected 3-16 upper-case alphanumerics, e.g. ETHUSD)",
			ErrInvalidSymbol, ticker)
	}

	s := &Symbol{Ticker: ticker, Base: ticker}
	for _, q := range quoteCurrencies {
		base, ok := strings.CutSuffix(ticker, q)
		if ok && len(base) >= 2 {
			s.Base = base
			s.Quote = q
			break
		}
	}
	return s, nil
}

// feedRegex matches oracle feed references: a lower-case slug or an
// 0x-prefixed hex address.
var feedRegex = regexp.MustCompile(`^([a-z0-9][a-z0-9._/-]{0,63}|0x[0-9a-fA-F]{40})$`)

// ValidateFeed checks an oracle feed reference. An empty feed is allowed
// and means "query by symbol".
func ValidateFeed(feed string) error {
	if feed == "" || feedRegex.MatchString(feed) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidFeed, feed)
}
