package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer answers /info requests by request type, counting calls per
// type so tests can assert on cache behavior.
func newTestServer(t *testing.T, counters map[string]*int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		reqType, _ := body["type"].(string)
		if counter, ok := counters[reqType]; ok {
			atomic.AddInt64(counter, 1)
		}

		w.Header().Set("Content-Type", "application/json")
		switch reqType {
		case "allMids":
			json.NewEncoder(w).Encode(map[string]string{"BTC": "50000", "ETH": "3000"})
		case "l2Book":
			json.NewEncoder(w).Encode(map[string]any{
				"levels": [][]map[string]string{
					{{"px": "49995", "sz": "1.5"}, {"px": "49990", "sz": "2"}},
					{{"px": "50005", "sz": "1.2"}, {"px": "50010", "sz": "3"}},
				},
			})
		case "candleSnapshot":
			now := time.Now().UnixMilli()
			candles := make([]map[string]any, 0, 5)
			for i := 4; i >= 0; i-- {
				candles = append(candles, map[string]any{
					"t": now - int64(i)*3600_000,
					"o": "49000", "h": "50500", "l": "48800", "c": "50000", "v": "120",
				})
			}
			json.NewEncoder(w).Encode(candles)
		case "metaAndAssetCtxs":
			json.NewEncoder(w).Encode([]any{
				map[string]any{"universe": []map[string]string{{"name": "BTC"}, {"name": "ETH"}}},
				[]map[string]string{
					{"funding": "0.0001", "premium": "0.0002", "openInterest": "1500000000", "markPx": "50002", "dayNtlVlm": "2300000000"},
					{"funding": "0.00005", "premium": "0.0001", "openInterest": "800000000", "markPx": "3001", "dayNtlVlm": "900000000"},
				},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func newTestProvider(t *testing.T, counters map[string]*int64) (*Hyperliquid, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t, counters)
	t.Cleanup(srv.Close)
	provider := NewHyperliquid(srv.URL, 5*time.Second, zerolog.Nop())
	t.Cleanup(func() { provider.Close() })
	return provider, srv
}

func TestHyperliquidTicker(t *testing.T) {
	provider, _ := newTestProvider(t, nil)

	ticker, err := provider.Ticker(context.Background(), "BTC-PERP")
	require.NoError(t, err)

	assert.Equal(t, "BTC", ticker.Symbol)
	assert.Equal(t, 50000.0, ticker.Mid)
	assert.Equal(t, 49995.0, ticker.Bid)
	assert.Equal(t, 50005.0, ticker.Ask)
	assert.InDelta(t, 2.0, ticker.SpreadBps, 0.01)
	assert.WithinDuration(t, time.Now(), ticker.Timestamp, 5*time.Second)
}

func TestHyperliquidTickerUnknownSymbol(t *testing.T) {
	provider, _ := newTestProvider(t, nil)

	_, err := provider.Ticker(context.Background(), "NOPE")
	require.Error(t, err)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "symbol not found")
}

func TestHyperliquidCandles(t *testing.T) {
	provider, _ := newTestProvider(t, nil)

	candles, err := provider.Candles(context.Background(), "BTC", "1h", 5)
	require.NoError(t, err)
	require.Len(t, candles, 5)
	assert.Equal(t, 50000.0, candles[0].Close)
	assert.Equal(t, 120.0, candles[0].Volume)
	// Oldest first.
	assert.True(t, candles[0].Timestamp.Before(candles[4].Timestamp))
}

func TestHyperliquidAssetContextCaching(t *testing.T) {
	var ctxCalls int64
	provider, _ := newTestProvider(t, map[string]*int64{"metaAndAssetCtxs": &ctxCalls})
	ctx := context.Background()

	// Funding, OI, mark price and volume share one cached bundle: four
	// lookups within the TTL cost exactly one upstream request.
	funding, err := provider.FundingRate(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, funding.Rate)

	oi, err := provider.OpenInterest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1500000000.0, oi.OIUSD)

	mark, _, err := provider.MarkPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3001.0, mark)

	volume, err := provider.Volume24h(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2300000000.0, volume)

	assert.Equal(t, int64(1), atomic.LoadInt64(&ctxCalls))
}

func TestHyperliquidHTTPErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	provider := NewHyperliquid(srv.URL, time.Second, zerolog.Nop())
	defer provider.Close()

	_, err := provider.OrderBook(context.Background(), "BTC", 5)
	require.Error(t, err)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusServiceUnavailable, provErr.StatusCode)
}
