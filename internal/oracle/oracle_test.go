package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

func TestStatic_Price(t *testing.T) {
	o := NewStatic()
	m := model.Market{Symbol: "ETHUSD", Token: "TEST"}

	if _, err := o.Price(context.Background(), m); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}

	o.SetPrice("TEST", fixed.New(100))
	p, err := o.Price(context.Background(), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Eq(fixed.New(100)) {
		t.Errorf("expected 100, got %s", p)
	}
}

func TestHTTP_Price(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/eth-usd" || r.URL.Query().Get("token") != "TEST" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":"1850"}`))
	}))
	defer srv.Close()

	o := NewHTTP(srv.URL, time.Second)
	p, err := o.Price(context.Background(), model.Market{Symbol: "ETHUSD", Feed: "eth-usd", Token: "TEST"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Eq(fixed.New(1850)) {
		t.Errorf("expected 1850, got %s", p)
	}

	_, err = o.Price(context.Background(), model.Market{Symbol: "BTCUSD", Token: "TEST"})
	if !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice for unknown feed, got %v", err)
	}
}
