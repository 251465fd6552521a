// Package market provides read-only market data clients for enrichment.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Ticker is current top-of-book data. All values carry an explicit timestamp
// so downstream staleness checks never guess.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Mid       float64   `json:"mid"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	SpreadBps float64   `json:"spread_bps"`
	Timestamp time.Time `json:"timestamp"`
}

// OHLCV is one candlestick.
type OHLCV struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderBookLevel is a single price level.
type OrderBookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is L2 depth data.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// FundingRate is perpetual funding data.
type FundingRate struct {
	Symbol        string    `json:"symbol"`
	Rate          float64   `json:"rate"`
	PredictedRate float64   `json:"predicted_rate"`
	Timestamp     time.Time `json:"timestamp"`
}

// OpenInterest is open interest data.
type OpenInterest struct {
	Symbol    string    `json:"symbol"`
	OIUSD     float64   `json:"oi_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider is the read-only market data contract used by validation and
// enrichment.
type Provider interface {
	Name() string
	Ticker(ctx context.Context, symbol string) (*Ticker, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]OHLCV, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	FundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)
	MarkPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	Volume24h(ctx context.Context, symbol string) (float64, error)
	Close() error
}

// ProviderError is the single provider-error kind, tagged with the HTTP
// status or transport cause.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 for transport-level failures
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s): HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NormalizeSymbol strips common venue suffixes and uppercases, so "btc-perp"
// and "BTC/USDT" both resolve to "BTC".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range []string{"-PERP", "/USDT", "/USDC", "/USD", "-USDT", "-USDC", "-USD", "USDT", "PERP"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	return strings.TrimSuffix(s, "-")
}
