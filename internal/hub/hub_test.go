package hub

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/metrics"
)

func decisionMsg(model, symbol, eventType string) *DecisionMessage {
	return &DecisionMessage{
		Type:      "decision",
		EventID:   "ev-1",
		Symbol:    symbol,
		EventType: eventType,
		Model:     model,
	}
}

func TestFiltersMatch(t *testing.T) {
	msg := decisionMsg("chatgpt", "BTC", "OPEN_SIGNAL")

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"empty filter matches everything", Filters{}, true},
		{"model match", Filters{Model: "chatgpt"}, true},
		{"model mismatch", Filters{Model: "gemini"}, false},
		{"symbol match", Filters{Symbol: "BTC"}, true},
		{"symbol mismatch", Filters{Symbol: "ETH"}, false},
		{"event type match", Filters{EventType: "OPEN_SIGNAL"}, true},
		{"event type mismatch", Filters{EventType: "CLOSE_SIGNAL"}, false},
		{"full conjunction match", Filters{Model: "chatgpt", Symbol: "BTC", EventType: "OPEN_SIGNAL"}, true},
		{"conjunction with one mismatch", Filters{Model: "chatgpt", Symbol: "ETH"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filters.Matches(msg))
		})
	}
}

func TestRegisterCapacity(t *testing.T) {
	h := New(2, metrics.New(), zerolog.Nop())

	id1, err := h.Register(nil)
	require.NoError(t, err)
	_, err = h.Register(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count())
	assert.True(t, h.AtCapacity())

	// Over the cap: rejected.
	_, err = h.Register(nil)
	require.Error(t, err)

	// Freeing a slot opens the door again.
	h.Unregister(id1)
	assert.False(t, h.AtCapacity())
	_, err = h.Register(nil)
	require.NoError(t, err)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	h := New(10, metrics.New(), zerolog.Nop())
	h.Unregister("nope")
	assert.Zero(t, h.Count())
}

func TestStats(t *testing.T) {
	h := New(10, metrics.New(), zerolog.Nop())

	all, err := h.Register(nil)
	require.NoError(t, err)
	byModel, err := h.Register(nil)
	require.NoError(t, err)
	bySymbolAndType, err := h.Register(nil)
	require.NoError(t, err)
	unsubbed, err := h.Register(nil)
	require.NoError(t, err)

	h.Subscribe(all, Filters{})
	h.Subscribe(byModel, Filters{Model: "chatgpt"})
	h.Subscribe(bySymbolAndType, Filters{Symbol: "BTC", EventType: "OPEN_SIGNAL"})
	h.Subscribe(unsubbed, Filters{})
	h.Unsubscribe(unsubbed)

	stats := h.Stats()
	assert.Equal(t, 4, stats["total_connections"])

	byFilter := stats["subscriptions_by_filter"].(map[string]int)
	assert.Equal(t, 1, byFilter["all"])
	assert.Equal(t, 1, byFilter["model"])
	assert.Equal(t, 1, byFilter["symbol"])
	assert.Equal(t, 1, byFilter["event_type"])
}

func TestSubscribeClearsUnsubscribed(t *testing.T) {
	h := New(10, metrics.New(), zerolog.Nop())
	id, err := h.Register(nil)
	require.NoError(t, err)

	h.Unsubscribe(id)
	h.Subscribe(id, Filters{Model: "gemini"})

	byFilter := h.Stats()["subscriptions_by_filter"].(map[string]int)
	assert.Equal(t, 1, byFilter["model"])
}
