package trade

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/model"
)

// --- Request/Response types ---

// ConfigRequest is the JSON body for PUT /pools/{poolID}/config.
type ConfigRequest struct {
	Caller string `json:"caller"`
	ledger.ConfigUpdate
}

// MarketRequest is the JSON body for POST /pools/{poolID}/markets.
type MarketRequest struct {
	Caller string `json:"caller"`
	Symbol string `json:"symbol"` // e.g. ETHUSD
	Feed   string `json:"feed"`   // optional oracle feed reference
	Token  string `json:"token"`  // defaults to the symbol
}

// AmountRequest is the JSON body shared by deposit, emissions, stake,
// unstake, claim and distribute.
type AmountRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /pools/{poolID}/withdraw.
type WithdrawRequest struct {
	Account string          `json:"account"`
	Shares  decimal.Decimal `json:"shares"`
}

// ApproveRequest lets account authorize the pool custody to pull asset.
// Asset defaults to the pool's base asset.
type ApproveRequest struct {
	Account string          `json:"account"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

// DepositResponse is returned from deposit and withdraw.
type DepositResponse struct {
	PoolID     string       `json:"pool_id"`
	Account    string       `json:"account"`
	Shares     fixed.Amount `json:"shares"`
	Underlying fixed.Amount `json:"underlying"`
	Balance    fixed.Amount `json:"balance"` // share balance after the call
}

// --- HTTP Handlers ---

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.ledger.Pools()))
}

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req ledger.PoolSpec
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	p, err := s.ledger.CreatePool(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPool handles GET /api/v1/pools/{poolID}
// Totals include interest accrued up to now.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Pool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateConfig handles PUT /api/v1/pools/{poolID}/config
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	p, err := s.ledger.UpdateConfig(r.Context(), chi.URLParam(r, "poolID"), req.Caller, req.ConfigUpdate)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetQuote handles GET /api/v1/pools/{poolID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.ledger.Quote(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Convert handles GET /api/v1/pools/{poolID}/convert?underlying=N or ?shares=N
// Exactly one of the two parameters must be non-zero.
func (s *Service) Convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	underlying, err := queryAmount(q.Get("underlying"), "underlying")
	if err != nil {
		writeErr(w, err)
		return
	}
	shares, err := queryAmount(q.Get("shares"), "shares")
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := s.ledger.Convert(r.Context(), chi.URLParam(r, "poolID"), underlying, shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fixed.Amount{"result": out})
}

func queryAmount(v, field string) (fixed.Amount, error) {
	if v == "" {
		return fixed.Zero(), nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("%w: %s must be an integer", errBadRequest, field)
	}
	return amount(field, d)
}

// ListMarkets handles GET /api/v1/pools/{poolID}/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.ledger.Markets(chi.URLParam(r, "poolID"))))
}

// AddMarket handles POST /api/v1/pools/{poolID}/markets
func (s *Service) AddMarket(w http.ResponseWriter, r *http.Request) {
	var req MarketRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	m, err := s.ledger.AddMarket(r.Context(), chi.URLParam(r, "poolID"), req.Caller, req.Symbol, req.Feed, req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// RemoveMarket handles DELETE /api/v1/pools/{poolID}/markets/{symbol}?caller=
func (s *Service) RemoveMarket(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.RemoveMarket(r.Context(), chi.URLParam(r, "poolID"),
		r.URL.Query().Get("caller"), chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Approve handles POST /api/v1/pools/{poolID}/approve
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decode(r, &req); err != nil {
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
	p, err := s.ledger.Pool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	asset := req.Asset
	if asset == "" {
		asset = p.Asset
	}
	s.bank.Approve(asset, req.Account, p.Custody(), amt)
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"owner":     req.Account,
		"spender":   p.Custody(),
		"allowance": s.bank.Allowance(asset, req.Account, p.Custody()),
	})
}

// Deposit handles POST /api/v1/pools/{poolID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	poolID := chi.URLParam(r, "poolID")
	shares, err := s.ledger.Deposit(r.Context(), poolID, req.Account, amt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		PoolID:     poolID,
		Account:    req.Account,
		Shares:     shares,
		Underlying: amt,
		Balance:    s.ledger.Balance(poolID, req.Account),
	})
}

// Withdraw handles POST /api/v1/pools/{poolID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	shares, err := amount("shares", req.Shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	poolID := chi.URLParam(r, "poolID")
	out, err := s.ledger.Withdraw(r.Context(), poolID, req.Account, shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		PoolID:     poolID,
		Account:    req.Account,
		Shares:     shares,
		Underlying: out,
		Balance:    s.ledger.Balance(poolID, req.Account),
	})
}

// FundEmissions handles POST /api/v1/pools/{poolID}/emissions
func (s *Service) FundEmissions(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ledger.FundEmissions(r.Context(), chi.URLParam(r, "poolID"), req.Account, amt); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AccountView is the persisted state of one account in one pool.
type AccountView struct {
	PoolID    string              `json:"pool_id"`
	Account   string              `json:"account"`
	Shares    fixed.Amount        `json:"shares"`
	Positions []model.Position    `json:"positions"`
	Orders    []model.LimitOrder  `json:"orders"`
	Stake     *model.StakeAccount `json:"stake"`
}

// GetAccount handles GET /api/v1/pools/{poolID}/accounts/{account}
// Served from the store, so stake rewards are as of the last settlement.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID := chi.URLParam(r, "poolID")
	account := chi.URLParam(r, "account")

	if _, err := s.store.GetPool(ctx, poolID); err != nil {
		writeErr(w, err)
		return
	}
	view := AccountView{PoolID: poolID, Account: account}
	var err error
	if view.Shares, err = s.store.GetBalance(ctx, poolID, account); err != nil {
		writeErr(w, err)
		return
	}
	if view.Positions, err = s.store.ListPositions(ctx, poolID, account); err != nil {
		writeErr(w, err)
		return
	}
	if view.Orders, err = s.store.ListOrders(ctx, poolID, account); err != nil {
		writeErr(w, err)
		return
	}
	if view.Stake, err = s.store.GetStake(ctx, poolID, account); err != nil {
		writeErr(w, err)
		return
	}
	view.Positions = nonNil(view.Positions)
	view.Orders = nonNil(view.Orders)
	writeJSON(w, http.StatusOK, view)
}

// ListEvents handles GET /api/v1/pools/{poolID}/events?account=&limit=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}
	evs, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "poolID"), q.Get("account"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(evs))
}
