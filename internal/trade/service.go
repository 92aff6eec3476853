// Package trade provides the HTTP handlers for the pile engine: pools,
// deposits, leveraged positions, limit orders and staking.
//
// Request amounts are shopspring/decimal values that must be integral and
// non-negative; they are converted to fixed.Amount before reaching the
// ledger. Responses carry amounts as base-10 strings.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/oracle"
	"github.com/atmx/pile-engine/internal/store"
	"github.com/atmx/pile-engine/internal/token"
)

// Service exposes the ledger over HTTP. Writes go to the ledger, which
// serializes them; account history reads go to the store.
type Service struct {
	ledger *ledger.Ledger
	store  store.Store
	bank   *token.Bank
	prices *oracle.Static // nil when prices come from a remote oracle
}

// NewService creates a new trade service.
// Pass nil for prices if the ledger reads a remote oracle.
func NewService(l *ledger.Ledger, st store.Store, bank *token.Bank, prices *oracle.Static) *Service {
	return &Service{
		ledger: l,
		store:  st,
		bank:   bank,
		prices: prices,
	}
}

// Mount registers every handler on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/pools", s.ListPools)
	r.Post("/pools", s.CreatePool)

	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", s.GetPool)
		r.Put("/config", s.UpdateConfig)
		r.Get("/quote", s.GetQuote)
		r.Get("/convert", s.Convert)

		r.Get("/markets", s.ListMarkets)
		r.Post("/markets", s.AddMarket)
		r.Delete("/markets/{symbol}", s.RemoveMarket)

		r.Post("/approve", s.Approve)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Post("/emissions", s.FundEmissions)

		r.Get("/positions", s.ListPositions)
		r.Post("/positions/increase", s.IncreasePosition)
		r.Post("/positions/decrease", s.DecreasePosition)
		r.Post("/positions/liquidate", s.LiquidatePosition)

		r.Get("/orders", s.ListOrders)
		r.Post("/orders/increase", s.PlaceIncreaseOrder)
		r.Post("/orders/decrease", s.PlaceDecreaseOrder)
		r.Post("/orders/trigger", s.TriggerOrder)
		r.Post("/orders/cancel", s.CancelOrder)

		r.Get("/distributor", s.GetDistributor)
		r.Get("/stakes/{account}", s.GetStake)
		r.Post("/stake", s.Stake)
		r.Post("/unstake", s.Unstake)
		r.Post("/claim", s.Claim)
		r.Post("/distribute", s.Distribute)
		r.Post("/stake/transfer", s.TransferStake)

		r.Get("/accounts/{account}", s.GetAccount)
		r.Get("/events", s.ListEvents)
	})

	r.Post("/prices", s.SetPrice)
	r.Get("/prices", s.ListPrices)
	r.Post("/assets/mint", s.Mint)
	r.Get("/assets/{asset}/{account}", s.AssetBalance)
}

// --- Helpers ---

// errBadRequest marks request-decoding failures.
var errBadRequest = errors.New("bad request")

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	return nil
}

// amount converts a request amount, naming the field on failure.
func amount(field string, d decimal.Decimal) (fixed.Amount, error) {
	a, err := fixed.FromDecimal(d)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return a, nil
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps err to a status code. Ledger errors also carry their
// stable code.
func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadRequest) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	status := http.StatusInternalServerError
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		status = http.StatusBadRequest
		if ledger.IsNotFound(err) {
			status = http.StatusNotFound
		}
	case ledger.KindInvariant, ledger.KindResource:
		status = http.StatusConflict
	case ledger.KindAuthorization:
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": ledger.CodeOf(err)})
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
