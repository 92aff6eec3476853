package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pile-engine/internal/fixed"
)

// TransferStakeRequest is the JSON body for POST /stake/transfer.
type TransferStakeRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// PriceRequest is the JSON body for POST /prices.
type PriceRequest struct {
	Token string          `json:"token"`
	Price decimal.Decimal `json:"price"`
}

// MintRequest is the JSON body for POST /assets/mint.
type MintRequest struct {
	Asset   string          `json:"asset"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// GetDistributor handles GET /api/v1/pools/{poolID}/distributor
func (s *Service) GetDistributor(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.Distributor(chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetStake handles GET /api/v1/pools/{poolID}/stakes/{account}
// Claimable includes rewards distributed since the last settlement.
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.StakeAccount(r.Context(), chi.URLParam(r, "poolID"), chi.URLParam(r, "account"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Stake handles POST /api/v1/pools/{poolID}/stake
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	req, amt, ok := amountRequest(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.Stake(r.Context(), chi.URLParam(r, "poolID"), req.Account, amt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Unstake handles POST /api/v1/pools/{poolID}/unstake
func (s *Service) Unstake(w http.ResponseWriter, r *http.Request) {
	req, amt, ok := amountRequest(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.Unstake(r.Context(), chi.URLParam(r, "poolID"), req.Account, amt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Claim handles POST /api/v1/pools/{poolID}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	req, amt, ok := amountRequest(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.Claim(r.Context(), chi.URLParam(r, "poolID"), req.Account, amt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Distribute handles POST /api/v1/pools/{poolID}/distribute
// The account's shares are paid out to stakers.
func (s *Service) Distribute(w http.ResponseWriter, r *http.Request) {
	req, amt, ok := amountRequest(w, r)
	if !ok {
		return
	}
	poolID := chi.URLParam(r, "poolID")
	if err := s.ledger.Distribute(r.Context(), poolID, req.Account, amt); err != nil {
		writeErr(w, err)
		return
	}
	d, err := s.ledger.Distributor(poolID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// TransferStake handles POST /api/v1/pools/{poolID}/stake/transfer
func (s *Service) TransferStake(w http.ResponseWriter, r *http.Request) {
	var req TransferStakeRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ledger.TransferStake(r.Context(), chi.URLParam(r, "poolID"), req.From, req.To, amt); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Prices and assets ---

// SetPrice handles POST /api/v1/prices
// Only available when prices are pushed rather than fetched.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, "prices are read from a remote oracle", http.StatusNotImplemented)
		return
	}
	var req PriceRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := required("token", req.Token); err != nil {
		writeErr(w, err)
		return
	}
	price, err := amount("price", req.Price)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.prices.SetPrice(req.Token, price)
	writeJSON(w, http.StatusOK, map[string]fixed.Amount{req.Token: price})
}

// ListPrices handles GET /api/v1/prices
func (s *Service) ListPrices(w http.ResponseWriter, _ *http.Request) {
	if s.prices == nil {
		writeError(w, "prices are read from a remote oracle", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.prices.Prices())
}

// Mint handles POST /api/v1/assets/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := required("asset", req.Asset); err != nil {
		writeErr(w, err)
		return
	}
	if err := required("account", req.Account); err != nil {
		writeErr(w, err)
		return
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.bank.Mint(req.Asset, req.Account, amt); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fixed.Amount{"balance": s.bank.BalanceOf(req.Asset, req.Account)})
}

// AssetBalance handles GET /api/v1/assets/{asset}/{account}
func (s *Service) AssetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]fixed.Amount{
		"balance": s.bank.BalanceOf(chi.URLParam(r, "asset"), chi.URLParam(r, "account")),
	})
}

// amountRequest decodes an AmountRequest and writes the error response
// itself when decoding fails.
func amountRequest(w http.ResponseWriter, r *http.Request) (AmountRequest, fixed.Amount, bool) {
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return req, fixed.Amount{}, false
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return req, fixed.Amount{}, false
	}
	return req, amt, true
}
