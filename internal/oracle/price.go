// Package oracle provides the SOL price and token balance lookups the
// evaluator depends on. Both are thin clients over external HTTP
// endpoints; failures are tagged Transient so callers can retry.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"pump-contract-engine/internal/errs"
)

// PriceOracle fetches the current SOL spot price in USD.
type PriceOracle struct {
	url        string
	httpClient *http.Client
	cache      *PriceCache
}

// NewPriceOracle creates a price oracle. cache may be nil to disable
// caching entirely; a live C1 decision must never see a stale price, so
// cache TTLs stay in the single-digit seconds.
func NewPriceOracle(url string, cache *PriceCache) *PriceOracle {
	return &PriceOracle{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache,
	}
}

// SolPriceUSD returns the current SOL→USD spot price.
func (o *PriceOracle) SolPriceUSD(ctx context.Context) (float64, error) {
	if o.cache != nil {
		if price, ok := o.cache.Get(ctx); ok {
			return price, nil
		}
	}

	price, err := o.fetch(ctx)
	if err != nil {
		return 0, err
	}

	if o.cache != nil {
		o.cache.Set(ctx, price)
	}
	return price, nil
}

func (o *PriceOracle) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindFatal, err, "build sol price request")
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, err, "fetch sol price")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, err, "read sol price response")
	}

	if resp.StatusCode != http.StatusOK {
		return 0, errs.New(errs.KindTransient, "sol price endpoint returned %d", resp.StatusCode)
	}

	var priceResp struct {
		SolPrice *float64 `json:"solPrice"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, errs.Wrap(errs.KindTransient, err, "parse sol price response")
	}
	if priceResp.SolPrice == nil {
		return 0, errs.New(errs.KindTransient, "sol price response missing solPrice field")
	}

	price := *priceResp.SolPrice
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, errs.New(errs.KindTransient, "sol price endpoint returned unusable price %v", price)
	}

	return price, nil
}

// String implements fmt.Stringer for diagnostics.
func (o *PriceOracle) String() string {
	return fmt.Sprintf("PriceOracle(%s)", o.url)
}
