package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/model"
)

// --- Request/Response types ---

// IncreaseRequest is the JSON body for POST /positions/increase.
type IncreaseRequest struct {
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`     // notional delta, may be zero
	Collateral decimal.Decimal `json:"collateral"` // shares, may be zero
	IsLong     bool            `json:"is_long"`
}

// DecreaseRequest is the JSON body for POST /positions/decrease.
type DecreaseRequest struct {
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
	Collateral decimal.Decimal `json:"collateral"`
}

// LiquidateRequest is the JSON body for POST /positions/liquidate.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
	Symbol     string `json:"symbol"`
}

// IncreaseOrderRequest is the JSON body for POST /orders/increase.
type IncreaseOrderRequest struct {
	IncreaseRequest
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Deadline     int64           `json:"deadline"` // unix seconds
}

// DecreaseOrderRequest is the JSON body for POST /orders/decrease.
type DecreaseOrderRequest struct {
	DecreaseRequest
	LowerPrice decimal.Decimal `json:"lower_price"` // stop-loss, 0 = none
	UpperPrice decimal.Decimal `json:"upper_price"` // take-profit, 0 = none
	Deadline   int64           `json:"deadline"`
}

// OrderRef names one order for trigger and cancel.
type OrderRef struct {
	Triggerer string `json:"triggerer,omitempty"` // trigger only
	Account   string `json:"account"`
	Symbol    string `json:"symbol"`
	Index     int    `json:"index"`
}

// --- Positions ---

// ListPositions handles GET /api/v1/pools/{poolID}/positions?account=
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.ledger.Positions(chi.URLParam(r, "poolID"), r.URL.Query().Get("account"))))
}

// IncreasePosition handles POST /api/v1/pools/{poolID}/positions/increase
func (s *Service) IncreasePosition(w http.ResponseWriter, r *http.Request) {
	var req IncreaseRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, coll, err := deltas(req.Amount, req.Collateral)
	if err != nil {
		writeErr(w, err)
		return
	}
	pos, err := s.ledger.Increase(r.Context(), chi.URLParam(r, "poolID"), req.Account, req.Symbol, amt, coll, req.IsLong)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// DecreasePosition handles POST /api/v1/pools/{poolID}/positions/decrease
// Decreasing the full amount and collateral closes the position.
func (s *Service) DecreasePosition(w http.ResponseWriter, r *http.Request) {
	var req DecreaseRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, coll, err := deltas(req.Amount, req.Collateral)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.ledger.Decrease(r.Context(), chi.URLParam(r, "poolID"), req.Account, req.Symbol, amt, coll)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LiquidatePosition handles POST /api/v1/pools/{poolID}/positions/liquidate
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	bounty, err := s.ledger.Liquidate(r.Context(), chi.URLParam(r, "poolID"), req.Liquidator, req.Account, req.Symbol)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fixed.Amount{"reward": bounty})
}

// --- Limit orders ---

// ListOrders handles GET /api/v1/pools/{poolID}/orders?account=&symbol=
// Without an account only active orders are listed.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	q := r.URL.Query()
	if account := q.Get("account"); account != "" {
		if err := required("symbol", q.Get("symbol")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(s.ledger.Orders(poolID, account, q.Get("symbol"))))
		return
	}

	var active []model.LimitOrder
	for _, o := range s.ledger.ActiveOrders() {
		if o.PoolID == poolID {
			active = append(active, o)
		}
	}
	writeJSON(w, http.StatusOK, nonNil(active))
}

// PlaceIncreaseOrder handles POST /api/v1/pools/{poolID}/orders/increase
func (s *Service) PlaceIncreaseOrder(w http.ResponseWriter, r *http.Request) {
	var req IncreaseOrderRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, coll, err := deltas(req.Amount, req.Collateral)
	if err != nil {
		writeErr(w, err)
		return
	}
	trigger, err := amount("trigger_price", req.TriggerPrice)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := s.ledger.PlaceIncrease(r.Context(), chi.URLParam(r, "poolID"), req.Account, ledger.IncreaseOrder{
		Symbol:       req.Symbol,
		Amount:       amt,
		Collateral:   coll,
		IsLong:       req.IsLong,
		TriggerPrice: trigger,
		Deadline:     req.Deadline,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// PlaceDecreaseOrder handles POST /api/v1/pools/{poolID}/orders/decrease
func (s *Service) PlaceDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	var req DecreaseOrderRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	amt, coll, err := deltas(req.Amount, req.Collateral)
	if err != nil {
		writeErr(w, err)
		return
	}
	lower, err := amount("lower_price", req.LowerPrice)
	if err != nil {
		writeErr(w, err)
		return
	}
	upper, err := amount("upper_price", req.UpperPrice)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := s.ledger.PlaceDecrease(r.Context(), chi.URLParam(r, "poolID"), req.Account, ledger.DecreaseOrder{
		Symbol:     req.Symbol,
		Amount:     amt,
		Collateral: coll,
		LowerPrice: lower,
		UpperPrice: upper,
		Deadline:   req.Deadline,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// TriggerOrder handles POST /api/v1/pools/{poolID}/orders/trigger
// Anyone may trigger a satisfied order and earns the limit fee.
func (s *Service) TriggerOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRef
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	o, err := s.ledger.Trigger(r.Context(), chi.URLParam(r, "poolID"), req.Triggerer, req.Account, req.Symbol, req.Index)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/pools/{poolID}/orders/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRef
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	o, err := s.ledger.Cancel(r.Context(), chi.URLParam(r, "poolID"), req.Account, req.Symbol, req.Index)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func deltas(amt, coll decimal.Decimal) (fixed.Amount, fixed.Amount, error) {
	a, err := amount("amount", amt)
	if err != nil {
		return fixed.Amount{}, fixed.Amount{}, err
	}
	c, err := amount("collateral", coll)
	if err != nil {
		return fixed.Amount{}, fixed.Amount{}, err
	}
	return a, c, nil
}
