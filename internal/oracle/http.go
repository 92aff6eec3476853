package oracle

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// HTTP queries a remote price service:
//
//	GET {baseURL}/prices/{feed}?token={token}  ->  {"price": "1234"}
//
// There is no retry or fallback; a failed request fails the ledger call
// that asked for the price.
type HTTP struct {
	client  *resty.Client
	baseURL string
}

type priceResponse struct {
	Price fixed.Amount `json:"price"`
}

// NewHTTP creates an oracle client for baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Charset", "utf-8").
		SetTimeout(timeout)
	return &HTTP{client: client, baseURL: baseURL}
}

// Price implements Oracle.
func (h *HTTP) Price(ctx context.Context, m model.Market) (fixed.Amount, error) {
	feed := m.Feed
	if feed == "" {
		feed = m.Symbol
	}

	var out priceResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("token", m.Token).
		SetResult(&out).
		Get(h.baseURL + "/prices/" + url.PathEscape(feed))
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("oracle: fetch %s: %w", feed, err)
	}
	if !resp.IsSuccess() {
		return fixed.Amount{}, fmt.Errorf("%w: %s returned %s", ErrNoPrice, feed, resp.Status())
	}
	return out.Price, nil
}
