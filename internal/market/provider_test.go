package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"BTC", "BTC"},
		{"btc", "BTC"},
		{"BTC-PERP", "BTC"},
		{"btc-perp", "BTC"},
		{"ETH/USDT", "ETH"},
		{"ETH/USD", "ETH"},
		{"sol-usdc", "SOL"},
		{"DOGEUSDT", "DOGE"},
		{" btc ", "BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSymbol(tt.input))
		})
	}
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, time.Minute, IntervalDuration("1m"))
	assert.Equal(t, 15*time.Minute, IntervalDuration("15m"))
	assert.Equal(t, time.Hour, IntervalDuration("1h"))
	assert.Equal(t, 4*time.Hour, IntervalDuration("4h"))
	assert.Equal(t, 24*time.Hour, IntervalDuration("1d"))
	// Unknown intervals default to an hour.
	assert.Equal(t, time.Hour, IntervalDuration("7x"))
}

func TestProviderError(t *testing.T) {
	withStatus := &ProviderError{Provider: "hyperliquid", StatusCode: 503, Message: "unavailable"}
	assert.Contains(t, withStatus.Error(), "HTTP 503")
	assert.Contains(t, withStatus.Error(), "hyperliquid")

	transport := &ProviderError{Provider: "hyperliquid", Message: "connection refused"}
	assert.NotContains(t, transport.Error(), "HTTP")
}
