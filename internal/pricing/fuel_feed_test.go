package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFuelFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("fuelType") == "diesel" {
			_, _ = w.Write([]byte(`{"price": 92.4}`))
			return
		}
		_, _ = w.Write([]byte(`{"price": 0}`))
	}))
	defer srv.Close()

	feed := NewHTTPFuelFeed(srv.URL, "k")
	p, err := feed.Price(context.Background(), "diesel")
	require.NoError(t, err)
	assert.Equal(t, 92.4, p)

	_, err = feed.Price(context.Background(), "petrol")
	assert.Error(t, err)

	_, err = NewHTTPFuelFeed(srv.URL, "wrong").Price(context.Background(), "diesel")
	assert.Error(t, err)
}

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (c *countingSource) Price(ctx context.Context, fuelType string) (float64, error) {
	c.calls.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	return 100.5, nil
}

func TestCachedFeedHonoursTTL(t *testing.T) {
	src := &countingSource{}
	c := NewCachedFeed(src, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		p, err := c.Price(context.Background(), "petrol")
		require.NoError(t, err)
		assert.Equal(t, 100.5, p)
	}
	assert.EqualValues(t, 1, src.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := c.Price(context.Background(), "petrol")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestCachedFeedPropagatesErrors(t *testing.T) {
	c := NewCachedFeed(&countingSource{err: errors.New("down")}, time.Minute)
	_, err := c.Price(context.Background(), "petrol")
	assert.Error(t, err)
}
