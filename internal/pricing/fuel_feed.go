package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// FuelPriceSource is the live fuel price feed used for fuel deliveries.
type FuelPriceSource interface {
	Price(ctx context.Context, fuelType string) (float64, error)
}

// HTTPFuelFeed fetches per-unit fuel prices from a JSON endpoint that answers
// GET {endpoint}?fuelType=petrol with {"price": 102.5}.
type HTTPFuelFeed struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPFuelFeed(endpoint, apiKey string) *HTTPFuelFeed {
	return &HTTPFuelFeed{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (f *HTTPFuelFeed) Price(ctx context.Context, fuelType string) (float64, error) {
	u, err := url.Parse(f.Endpoint)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	if fuelType != "" {
		q.Set("fuelType", fuelType)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return 0, err
	}
	if f.APIKey != "" {
		req.Header.Set("X-Api-Key", f.APIKey)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fuel feed status %d", resp.StatusCode)
	}
	var out struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Price <= 0 {
		return 0, fmt.Errorf("fuel feed returned no price for %q", fuelType)
	}
	return out.Price, nil
}

// CachedFeed is a tiny TTL cache in front of a FuelPriceSource, keyed by fuel type.
type CachedFeed struct {
	Source FuelPriceSource

	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCachedFeed(src FuelPriceSource, ttl time.Duration) *CachedFeed {
	return &CachedFeed{Source: src, store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *CachedFeed) Price(ctx context.Context, fuelType string) (float64, error) {
	c.mu.RLock()
	e, ok := c.store[fuelType]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.v, nil
	}
	v, err := c.Source.Price(ctx, fuelType)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.store[fuelType] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
	return v, nil
}
