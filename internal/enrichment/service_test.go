package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/market"
	"github.com/sigmapilot/lens/internal/profiles"
)

// syntheticCandles produces enough trending candles for indicator warmup.
func syntheticCandles(n int, interval time.Duration) []market.OHLCV {
	candles := make([]market.OHLCV, n)
	now := time.Now().UTC()
	price := 48000.0
	for i := 0; i < n; i++ {
		price += 10
		candles[i] = market.OHLCV{
			Timestamp: now.Add(-time.Duration(n-1-i) * interval),
			Open:      price - 5,
			High:      price + 25,
			Low:       price - 30,
			Close:     price,
			Volume:    100 + float64(i%7)*10,
		}
	}
	return candles
}

func newService(t *testing.T, provider market.Provider) *Service {
	t.Helper()
	registry, err := profiles.NewRegistry("")
	require.NoError(t, err)
	return NewService(provider, registry, zerolog.Nop())
}

func TestEnrichHappyPath(t *testing.T) {
	provider := &fakeProvider{
		mid:     50000,
		candles: syntheticCandles(120, time.Hour),
	}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-1", signalAt(50000, 5*time.Second), "trend_follow_v1")
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.NotNil(t, result.MarketData)
	assert.Equal(t, 50000.0, result.MarketData.MidPrice)
	require.NotNil(t, result.TAData)
	assert.Len(t, result.TAData.Timeframes, 3) // 15m, 1h, 4h

	for tf, bundle := range result.TAData.Timeframes {
		assert.NotEmpty(t, bundle.EMA, tf)
		assert.GreaterOrEqual(t, bundle.RSI, 0.0, tf)
		assert.LessOrEqual(t, bundle.RSI, 100.0, tf)
		assert.GreaterOrEqual(t, bundle.ATR, 0.0, tf)
	}

	// trend_follow_v1 has no derivatives requirement.
	assert.Nil(t, result.DerivsData)

	assert.Equal(t, "ev-1", result.Payload["event_id"])
	assert.Equal(t, "BTC", result.Payload["symbol"])
	assert.NotNil(t, result.Payload["market"])
	assert.NotNil(t, result.Payload["ta"])
	assert.NotNil(t, result.Payload["constraints"])

	assert.Empty(t, result.QualityFlags.ProviderErrors)
	assert.Contains(t, result.DataTimestamps, "mid_ts")
}

func TestEnrichIncludesDerivsForPerpsProfile(t *testing.T) {
	provider := &fakeProvider{
		mid:     50000,
		candles: syntheticCandles(120, time.Hour),
	}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-2", signalAt(50000, 5*time.Second), "crypto_perps_v1")
	require.NoError(t, err)

	require.NotNil(t, result.DerivsData)
	assert.Equal(t, 0.0001, result.DerivsData.FundingRate)
	assert.Equal(t, 1, result.DerivsData.FundingIntervalH)
	assert.Contains(t, result.DataTimestamps, "funding_ts")
}

func TestEnrichPartialOnCandleFailure(t *testing.T) {
	provider := &fakeProvider{
		mid:        50000,
		candlesErr: &market.ProviderError{Provider: "fake", Message: "candles down"},
	}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-3", signalAt(50000, 5*time.Second), "trend_follow_v1")
	require.NoError(t, err)

	// Market data present but provider errors recorded: partial, and still
	// eligible for forwarding.
	assert.False(t, result.Success)
	assert.NotNil(t, result.MarketData)
	assert.NotEmpty(t, result.QualityFlags.ProviderErrors)
}

func TestEnrichTotalFailureHasNoMarketData(t *testing.T) {
	provider := &fakeProvider{
		tickerErr:  &market.ProviderError{Provider: "fake", Message: "all down"},
		candlesErr: &market.ProviderError{Provider: "fake", Message: "all down"},
	}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-4", signalAt(50000, 5*time.Second), "trend_follow_v1")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Nil(t, result.MarketData)
	assert.NotEmpty(t, result.QualityFlags.ProviderErrors)
}

func TestEnrichRecordsMissingVolume(t *testing.T) {
	provider := &fakeProvider{
		mid:       50000,
		candles:   syntheticCandles(120, time.Hour),
		volumeErr: &market.ProviderError{Provider: "fake", Message: "no volume"},
	}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-5", signalAt(50000, 5*time.Second), "trend_follow_v1")
	require.NoError(t, err)

	assert.True(t, result.Success) // missing volume is a flag, not a failure
	assert.Contains(t, result.QualityFlags.Missing, "volume_24h")
}

func TestEnrichUnknownProfile(t *testing.T) {
	service := newService(t, &fakeProvider{mid: 50000})
	_, err := service.Enrich(context.Background(), "ev-6", signalAt(50000, time.Second), "nope_v9")
	require.Error(t, err)
}

func TestEnrichComputesDrift(t *testing.T) {
	provider := &fakeProvider{
		mid:     50500,
		candles: syntheticCandles(120, time.Hour),
	}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-7", signalAt(50000, time.Second), "trend_follow_v1")
	require.NoError(t, err)

	// (50500-50000)/50000 * 10000 = 100 bps
	assert.InDelta(t, 100, result.MarketData.PriceDriftFromEntryBps, 0.01)
}

func TestStaleCandlesFlagged(t *testing.T) {
	// Candles whose latest bar is far older than 2x the interval.
	old := syntheticCandles(120, time.Hour)
	for i := range old {
		old[i].Timestamp = old[i].Timestamp.Add(-6 * time.Hour)
	}
	provider := &fakeProvider{mid: 50000, candles: old}
	service := newService(t, provider)

	result, err := service.Enrich(context.Background(), "ev-8", signalAt(50000, time.Second), "trend_follow_v1")
	require.NoError(t, err)

	assert.True(t, result.Success) // staleness is advisory
	assert.NotEmpty(t, result.QualityFlags.Stale)
}
