package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// assetContextTTL bounds how long the metaAndAssetCtxs bundle is reused.
// Funding, open interest, mark price and volume all come from that one call,
// so a single enrichment pass hits the endpoint at most once.
const assetContextTTL = 5 * time.Second

// Hyperliquid is the exchange info API client. The HTTP client is created
// once and safe for concurrent use.
type Hyperliquid struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	// OnRequest, when set, observes every upstream call for metrics.
	OnRequest func(endpoint, status string, duration time.Duration)

	ctxMu        sync.Mutex
	assetCtx     map[string]assetContext
	assetCtxTime time.Time
}

type assetContext struct {
	Funding      float64
	Premium      float64
	OpenInterest float64
	MarkPrice    float64
	Volume24h    float64
	Timestamp    time.Time
}

// NewHyperliquid creates the provider client.
func NewHyperliquid(baseURL string, timeout time.Duration, log zerolog.Logger) *Hyperliquid {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Hyperliquid{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With().Str("client", "hyperliquid").Logger(),
	}
}

// Name returns the provider name.
func (h *Hyperliquid) Name() string { return "hyperliquid" }

// Close releases idle connections.
func (h *Hyperliquid) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// post issues an /info request and decodes the response into out.
func (h *Hyperliquid) post(ctx context.Context, body map[string]any, out any) error {
	endpoint, _ := body["type"].(string)
	start := time.Now()
	err := h.doPost(ctx, body, out)
	if h.OnRequest != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		h.OnRequest(endpoint, status, time.Since(start))
	}
	return err
}

func (h *Hyperliquid) doPost(ctx context.Context, body map[string]any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: h.Name(), Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", bytes.NewReader(data))
	if err != nil {
		return &ProviderError{Provider: h.Name(), Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return &ProviderError{Provider: h.Name(), Message: fmt.Sprintf("request failed: %v", err), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ProviderError{
			Provider:   h.Name(),
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: h.Name(), Message: "failed to decode response", Cause: err}
	}
	return nil
}

// Ticker returns current mid/bid/ask for a symbol. Mid comes from the allMids
// snapshot, bid/ask from the top of the L2 book.
func (h *Hyperliquid) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	coin := NormalizeSymbol(symbol)

	var mids map[string]string
	if err := h.post(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return nil, err
	}

	midStr, ok := mids[coin]
	if !ok {
		return nil, &ProviderError{Provider: h.Name(), Message: fmt.Sprintf("symbol not found: %s", coin)}
	}
	mid, err := strconv.ParseFloat(midStr, 64)
	if err != nil || mid <= 0 {
		return nil, &ProviderError{Provider: h.Name(), Message: fmt.Sprintf("invalid mid for %s: %q", coin, midStr)}
	}

	book, err := h.OrderBook(ctx, coin, 1)
	if err != nil {
		return nil, err
	}

	bid, ask := mid, mid
	if len(book.Bids) > 0 {
		bid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		ask = book.Asks[0].Price
	}

	spreadBps := 0.0
	if mid > 0 {
		spreadBps = (ask - bid) / mid * 10000
	}

	return &Ticker{
		Symbol:    coin,
		Mid:       mid,
		Bid:       bid,
		Ask:       ask,
		SpreadBps: spreadBps,
		Timestamp: time.Now().UTC(),
	}, nil
}

// hyperliquid candle wire format
type hlCandle struct {
	T int64  `json:"t"` // open time, ms
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}

// Candles returns up to limit candles for an interval, oldest first.
func (h *Hyperliquid) Candles(ctx context.Context, symbol, interval string, limit int) ([]OHLCV, error) {
	coin := NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = 100
	}

	barDur := IntervalDuration(interval)
	endTime := time.Now().UTC()
	startTime := endTime.Add(-time.Duration(limit+1) * barDur)

	var raw []hlCandle
	err := h.post(ctx, map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  interval,
			"startTime": startTime.UnixMilli(),
			"endTime":   endTime.UnixMilli(),
		},
	}, &raw)
	if err != nil {
		return nil, err
	}

	if len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}

	candles := make([]OHLCV, 0, len(raw))
	for _, c := range raw {
		candles = append(candles, OHLCV{
			Timestamp: time.UnixMilli(c.T).UTC(),
			Open:      parseFloat(c.O),
			High:      parseFloat(c.H),
			Low:       parseFloat(c.L),
			Close:     parseFloat(c.C),
			Volume:    parseFloat(c.V),
		})
	}
	return candles, nil
}

type hlBookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type hlBook struct {
	Levels [][]hlBookLevel `json:"levels"`
}

// OrderBook returns L2 depth for a symbol.
func (h *Hyperliquid) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	coin := NormalizeSymbol(symbol)
	if depth <= 0 {
		depth = 10
	}

	var raw hlBook
	if err := h.post(ctx, map[string]any{"type": "l2Book", "coin": coin}, &raw); err != nil {
		return nil, err
	}

	book := &OrderBook{Symbol: coin, Timestamp: time.Now().UTC()}
	if len(raw.Levels) > 0 {
		for i, level := range raw.Levels[0] {
			if i >= depth {
				break
			}
			book.Bids = append(book.Bids, OrderBookLevel{Price: parseFloat(level.Px), Size: parseFloat(level.Sz)})
		}
	}
	if len(raw.Levels) > 1 {
		for i, level := range raw.Levels[1] {
			if i >= depth {
				break
			}
			book.Asks = append(book.Asks, OrderBookLevel{Price: parseFloat(level.Px), Size: parseFloat(level.Sz)})
		}
	}
	return book, nil
}

// FundingRate returns the current funding rate for a perpetual.
func (h *Hyperliquid) FundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	asset, err := h.getAssetContext(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &FundingRate{
		Symbol:        NormalizeSymbol(symbol),
		Rate:          asset.Funding,
		PredictedRate: asset.Premium,
		Timestamp:     asset.Timestamp,
	}, nil
}

// OpenInterest returns current open interest in USD terms.
func (h *Hyperliquid) OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	asset, err := h.getAssetContext(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &OpenInterest{
		Symbol:    NormalizeSymbol(symbol),
		OIUSD:     asset.OpenInterest,
		Timestamp: asset.Timestamp,
	}, nil
}

// MarkPrice returns the current mark price.
func (h *Hyperliquid) MarkPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	asset, err := h.getAssetContext(ctx, symbol)
	if err != nil {
		return 0, time.Time{}, err
	}
	return asset.MarkPrice, asset.Timestamp, nil
}

// Volume24h returns the trailing 24h notional volume.
func (h *Hyperliquid) Volume24h(ctx context.Context, symbol string) (float64, error) {
	asset, err := h.getAssetContext(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return asset.Volume24h, nil
}

// getAssetContext returns the memoized asset context bundle, refreshing it
// when older than the TTL. The whole map refreshes at once since the exchange
// returns every asset in one response.
func (h *Hyperliquid) getAssetContext(ctx context.Context, symbol string) (assetContext, error) {
	coin := NormalizeSymbol(symbol)

	h.ctxMu.Lock()
	defer h.ctxMu.Unlock()

	if time.Since(h.assetCtxTime) > assetContextTTL || h.assetCtx == nil {
		if err := h.refreshAssetContextLocked(ctx); err != nil {
			return assetContext{}, err
		}
	}

	asset, ok := h.assetCtx[coin]
	if !ok {
		return assetContext{}, &ProviderError{
			Provider: h.Name(),
			Message:  fmt.Sprintf("symbol not found in asset contexts: %s", coin),
		}
	}
	return asset, nil
}

func (h *Hyperliquid) refreshAssetContextLocked(ctx context.Context) error {
	// Response shape: [meta, [assetCtx...]] where meta.universe names the
	// assets in the same order as the contexts.
	var raw []json.RawMessage
	if err := h.post(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return &ProviderError{Provider: h.Name(), Message: "malformed metaAndAssetCtxs response"}
	}

	var meta struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return &ProviderError{Provider: h.Name(), Message: "failed to parse meta", Cause: err}
	}

	var ctxs []struct {
		Funding      string `json:"funding"`
		Premium      string `json:"premium"`
		OpenInterest string `json:"openInterest"`
		MarkPx       string `json:"markPx"`
		DayNtlVlm    string `json:"dayNtlVlm"`
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return &ProviderError{Provider: h.Name(), Message: "failed to parse asset contexts", Cause: err}
	}

	now := time.Now().UTC()
	contexts := make(map[string]assetContext, len(ctxs))
	for i, c := range ctxs {
		if i >= len(meta.Universe) {
			break
		}
		contexts[meta.Universe[i].Name] = assetContext{
			Funding:      parseFloat(c.Funding),
			Premium:      parseFloat(c.Premium),
			OpenInterest: parseFloat(c.OpenInterest),
			MarkPrice:    parseFloat(c.MarkPx),
			Volume24h:    parseFloat(c.DayNtlVlm),
			Timestamp:    now,
		}
	}

	h.assetCtx = contexts
	h.assetCtxTime = now
	h.log.Debug().Int("assets", len(contexts)).Msg("Asset context cache refreshed")
	return nil
}

// IntervalDuration maps a candle interval string to its bar duration,
// defaulting to one hour for unknown intervals.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
