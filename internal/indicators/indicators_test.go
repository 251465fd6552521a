package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/market"
)

func trendingCandles(n int, step float64) []market.OHLCV {
	candles := make([]market.OHLCV, n)
	now := time.Now().UTC()
	price := 1000.0
	for i := 0; i < n; i++ {
		price += step
		candles[i] = market.OHLCV{
			Timestamp: now.Add(-time.Duration(n-1-i) * time.Hour),
			Open:      price - step,
			High:      price + 2,
			Low:       price - 3,
			Close:     price,
			Volume:    500 + float64(i%5)*20,
		}
	}
	return candles
}

func TestComputeDefaults(t *testing.T) {
	bundle, err := Compute(trendingCandles(120, 1), Params{})
	require.NoError(t, err)

	// Default EMA periods are present.
	assert.Contains(t, bundle.EMA, "ema_9")
	assert.Contains(t, bundle.EMA, "ema_21")
	assert.Contains(t, bundle.EMA, "ema_50")

	// In a steady uptrend the short EMA sits above the long EMA.
	assert.Greater(t, bundle.EMA["ema_9"], bundle.EMA["ema_50"])

	// MACD is positive in an uptrend.
	assert.Greater(t, bundle.MACD.MACDLine, 0.0)

	// RSI of a monotonic uptrend is high but bounded.
	assert.Greater(t, bundle.RSI, 50.0)
	assert.LessOrEqual(t, bundle.RSI, 100.0)

	// ATR is positive for non-degenerate candles.
	assert.Greater(t, bundle.ATR, 0.0)

	// Optional indicators are absent unless requested.
	assert.Nil(t, bundle.Bollinger)
	assert.Nil(t, bundle.ADX)
	assert.Nil(t, bundle.Stochastic)
	assert.Nil(t, bundle.Volume)
}

func TestComputeOptionalIndicators(t *testing.T) {
	params := Params{
		Bollinger:   true,
		ADX:         true,
		Stochastic:  true,
		SMAPeriods:  []int{20, 50},
		VolumeStats: true,
	}
	bundle, err := Compute(trendingCandles(200, 1), params)
	require.NoError(t, err)

	require.NotNil(t, bundle.Bollinger)
	assert.Greater(t, bundle.Bollinger.Upper, bundle.Bollinger.Middle)
	assert.Greater(t, bundle.Bollinger.Middle, bundle.Bollinger.Lower)

	require.NotNil(t, bundle.ADX)
	assert.GreaterOrEqual(t, *bundle.ADX, 0.0)
	assert.LessOrEqual(t, *bundle.ADX, 100.0)

	require.NotNil(t, bundle.Stochastic)
	assert.GreaterOrEqual(t, bundle.Stochastic.K, 0.0)
	assert.LessOrEqual(t, bundle.Stochastic.K, 100.0)

	assert.Contains(t, bundle.SMA, "sma_20")
	assert.Contains(t, bundle.SMA, "sma_50")
	assert.Greater(t, bundle.SMA["sma_20"], bundle.SMA["sma_50"])

	require.NotNil(t, bundle.Volume)
	assert.Greater(t, bundle.Volume.SMA, 0.0)
}

func TestComputeRejectsTooFewCandles(t *testing.T) {
	_, err := Compute(trendingCandles(10, 1), Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough candles")
}

func TestComputeDowntrend(t *testing.T) {
	bundle, err := Compute(trendingCandles(120, -1), Params{})
	require.NoError(t, err)
	assert.Less(t, bundle.EMA["ema_9"], bundle.EMA["ema_50"])
	assert.Less(t, bundle.MACD.MACDLine, 0.0)
	assert.Less(t, bundle.RSI, 50.0)
	assert.GreaterOrEqual(t, bundle.RSI, 0.0)
}

func TestMinCandles(t *testing.T) {
	defaults := Params{}.MinCandles()
	// The 50-period EMA dominates the defaults (MACD slow+signal is only
	// 26+9); plus the 50 buffer.
	assert.Equal(t, 100, defaults)

	long := Params{SMAPeriods: []int{200}}.MinCandles()
	assert.Equal(t, 250, long)
}

func TestWithDefaultsIsStable(t *testing.T) {
	p := Params{RSIPeriod: 21}.WithDefaults()
	assert.Equal(t, 21, p.RSIPeriod)
	assert.Equal(t, 12, p.MACDFast)
	assert.Equal(t, []int{9, 21, 50}, p.EMAPeriods)

	// Applying defaults twice changes nothing.
	assert.Equal(t, p, p.WithDefaults())
}
