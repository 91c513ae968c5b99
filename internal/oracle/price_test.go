package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pump-contract-engine/internal/errs"
)

func priceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestSolPriceUSD(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		srv := priceServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"solPrice": 142.5}`)
		})
		o := NewPriceOracle(srv.URL, nil)
		price, err := o.SolPriceUSD(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if price != 142.5 {
			t.Errorf("price = %v, want 142.5", price)
		}
	})

	t.Run("non-200 is transient", func(t *testing.T) {
		srv := priceServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		o := NewPriceOracle(srv.URL, nil)
		_, err := o.SolPriceUSD(context.Background())
		if !errs.Is(err, errs.KindTransient) {
			t.Errorf("err = %v, want transient", err)
		}
	})

	t.Run("missing field is transient", func(t *testing.T) {
		srv := priceServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"price": 10}`)
		})
		o := NewPriceOracle(srv.URL, nil)
		_, err := o.SolPriceUSD(context.Background())
		if !errs.Is(err, errs.KindTransient) {
			t.Errorf("err = %v, want transient", err)
		}
	})

	t.Run("non-positive price rejected", func(t *testing.T) {
		for _, body := range []string{`{"solPrice": 0}`, `{"solPrice": -3}`} {
			srv := priceServer(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			o := NewPriceOracle(srv.URL, nil)
			if _, err := o.SolPriceUSD(context.Background()); !errs.Is(err, errs.KindTransient) {
				t.Errorf("body %s: err = %v, want transient", body, err)
			}
		}
	})

	t.Run("unreachable endpoint is transient", func(t *testing.T) {
		o := NewPriceOracle("http://127.0.0.1:1", nil)
		_, err := o.SolPriceUSD(context.Background())
		if !errs.Is(err, errs.KindTransient) {
			t.Errorf("err = %v, want transient", err)
		}
	})
}

func TestSolPriceUSDUsesCache(t *testing.T) {
	var hits atomic.Int64
	srv := priceServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"solPrice": 100}`)
	})

	cache := NewPriceCache(nil, 30*time.Second)
	o := NewPriceOracle(srv.URL, cache)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		price, err := o.SolPriceUSD(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if price != 100 {
			t.Errorf("price = %v, want 100", price)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1 (cached)", got)
	}
}

func TestPriceCacheExpiry(t *testing.T) {
	cache := NewPriceCache(nil, 30*time.Second)
	ctx := context.Background()

	if _, ok := cache.Get(ctx); ok {
		t.Error("empty cache returned a value")
	}
	cache.Set(ctx, 55)
	if price, ok := cache.Get(ctx); !ok || price != 55 {
		t.Errorf("Get = (%v, %v), want (55, true)", price, ok)
	}

	// Age the entry past the TTL.
	cache.mu.Lock()
	cache.fetched = time.Now().Add(-time.Minute)
	cache.mu.Unlock()
	if _, ok := cache.Get(ctx); ok {
		t.Error("stale entry served past TTL")
	}
}
