package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/domain"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "lens_test.db"),
		Name: "lens_test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEvent(eventID, idempotencyKey string) *domain.Event {
	return &domain.Event{
		EventID:          eventID,
		IdempotencyKey:   idempotencyKey,
		EventType:        domain.EventTypeOpenSignal,
		Symbol:           "BTC",
		SignalDirection:  "long",
		EntryPrice:       42000.50,
		Size:             0.1,
		LiquidationPrice: 38000,
		SignalTimestamp:  time.Now().UTC().Add(-10 * time.Second),
		Source:           "s1",
		FeatureProfile:   "trend_follow_v1",
		Status:           domain.StatusQueued,
		ReceivedAt:       time.Now().UTC(),
		RawPayload:       json.RawMessage(`{"symbol":"BTC"}`),
	}
}

func TestEventInsertAndGet(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())

	event := sampleEvent("ev-1", "")
	require.NoError(t, events.Insert(event, []string{domain.TimelineReceived, domain.TimelineEnqueued},
		map[string]any{"source": "s1"}))

	loaded, err := events.GetByEventID("ev-1")
	require.NoError(t, err)
	assert.Equal(t, "BTC", loaded.Symbol)
	assert.Equal(t, domain.StatusQueued, loaded.Status)
	assert.Equal(t, 42000.50, loaded.EntryPrice)
	assert.Equal(t, domain.EventTypeOpenSignal, loaded.EventType)

	timeline := NewTimelineStore(db, zerolog.Nop())
	entries, err := timeline.ForEvent("ev-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.TimelineReceived, entries[0].Status)
	assert.Equal(t, domain.TimelineEnqueued, entries[1].Status)
}

func TestEventDuplicateEventIDRejected(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())

	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))
	err := events.Insert(sampleEvent("ev-1", ""), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")
}

func TestEventIdempotencyKey(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())

	require.NoError(t, events.Insert(sampleEvent("ev-1", "abc"), nil, nil))

	// Lookup finds the original.
	existing, err := events.GetByIdempotencyKey("abc")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "ev-1", existing.EventID)

	// A second event with the same key violates the unique constraint.
	err = events.Insert(sampleEvent("ev-2", "abc"), nil, nil)
	require.Error(t, err)

	// Exactly one row exists.
	_, total, err := events.List(EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// Unknown keys return nil without error.
	missing, err := events.GetByIdempotencyKey("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEventEmptyIdempotencyKeysDoNotCollide(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())

	// Empty keys are stored as NULL, so several events without keys coexist.
	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))
	require.NoError(t, events.Insert(sampleEvent("ev-2", ""), nil, nil))
}

func TestTransitionStatusHappyPath(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))

	require.NoError(t, events.TransitionStatus("ev-1", domain.StatusEnriched, domain.TimelineEnriched, nil))
	require.NoError(t, events.TransitionStatus("ev-1", domain.StatusEvaluated, domain.TimelineEvaluated, nil))
	require.NoError(t, events.TransitionStatus("ev-1", domain.StatusPublished, domain.TimelinePublished, nil))

	loaded, err := events.GetByEventID("ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, loaded.Status)
	assert.NotNil(t, loaded.EnrichedAt)
	assert.NotNil(t, loaded.EvaluatedAt)
	assert.NotNil(t, loaded.PublishedAt)

	timeline := NewTimelineStore(db, zerolog.Nop())
	entries, err := timeline.ForEvent("ev-1")
	require.NoError(t, err)
	statuses := make([]string, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []string{domain.TimelineEnriched, domain.TimelineEvaluated, domain.TimelinePublished}, statuses)
}

func TestTransitionStatusRejectsIllegalMoves(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))

	require.NoError(t, events.TransitionStatus("ev-1", domain.StatusRejected, domain.TimelineRejected, nil))

	// Terminal state: nothing can leave it.
	err := events.TransitionStatus("ev-1", domain.StatusEnriched, "", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	loaded, err := events.GetByEventID("ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, loaded.Status)
}

func TestTransitionStatusUnknownEvent(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())

	err := events.TransitionStatus("missing", domain.StatusEnriched, "", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestForcePublish(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))
	require.NoError(t, events.TransitionStatus("ev-1", domain.StatusFailed, "", nil))

	// Force-publish leaves even a terminal failure state.
	require.NoError(t, events.ForcePublish("ev-1", map[string]any{"source": "dlq_retry"}))

	loaded, err := events.GetByEventID("ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, loaded.Status)

	timeline := NewTimelineStore(db, zerolog.Nop())
	entries, err := timeline.ForEvent("ev-1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.TimelinePublished, last.Status)
	assert.Equal(t, "dlq_retry", last.Details["source"])
}

func TestEnrichedEventRoundTrip(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))

	enriched := &domain.EnrichedEvent{
		EventID:        "ev-1",
		FeatureProfile: "trend_follow_v1",
		Provider:       "hyperliquid",
		MarketData:     json.RawMessage(`{"mid_price":50000}`),
		TAData:         json.RawMessage(`{"timeframes":{}}`),
		Constraints:    json.RawMessage(`{"max_leverage":10}`),
		DataTimestamps: map[string]string{"mid_ts": "2026-01-01T00:00:00Z"},
		QualityFlags: domain.QualityFlags{
			Stale:          []string{"mid_ts: 12s old (threshold: 10s)"},
			Missing:        []string{},
			OutOfRange:     []string{},
			ProviderErrors: []string{},
		},
		EnrichedPayload:    json.RawMessage(`{"event_id":"ev-1"}`),
		EnrichedAt:         time.Now().UTC(),
		EnrichmentDuration: 1200 * time.Millisecond,
	}
	require.NoError(t, events.InsertEnriched(enriched))

	loaded, err := events.GetEnriched("ev-1")
	require.NoError(t, err)
	assert.Equal(t, "hyperliquid", loaded.Provider)
	assert.JSONEq(t, `{"mid_price":50000}`, string(loaded.MarketData))
	assert.Equal(t, []string{"mid_ts: 12s old (threshold: 10s)"}, loaded.QualityFlags.Stale)
	assert.Equal(t, 1200*time.Millisecond, loaded.EnrichmentDuration)
	assert.Equal(t, "2026-01-01T00:00:00Z", loaded.DataTimestamps["mid_ts"])
}

func TestEventListFilters(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())

	btc := sampleEvent("ev-1", "")
	eth := sampleEvent("ev-2", "")
	eth.Symbol = "ETH"
	require.NoError(t, events.Insert(btc, nil, nil))
	require.NoError(t, events.Insert(eth, nil, nil))
	require.NoError(t, events.TransitionStatus("ev-2", domain.StatusRejected, domain.TimelineRejected, nil))

	bySymbol, total, err := events.List(EventFilter{Symbol: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, bySymbol, 1)
	assert.Equal(t, "ev-2", bySymbol[0].EventID)

	byStatus, total, err := events.List(EventFilter{Status: "queued"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "ev-1", byStatus[0].EventID)

	_, total, err = events.List(EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
