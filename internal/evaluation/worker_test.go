package evaluation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/hub"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/registry"
	"github.com/sigmapilot/lens/internal/store"
)

type workerFixture struct {
	worker    *Worker
	events    *store.EventStore
	decisions *store.DecisionStore
	configs   *registry.LLMConfigRegistry
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "eval_test.db"),
		Name: "eval_test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	m := metrics.New()
	events := store.NewEventStore(db, log)
	decisions := store.NewDecisionStore(db, log)
	configStore := store.NewConfigStore(db, log)
	configs := registry.NewLLMConfigRegistry(configStore, log)
	require.NoError(t, configs.Refresh())
	prompts := registry.NewPromptRegistry(configStore, "", log)
	require.NoError(t, prompts.Initialize())

	publisher := NewPublisher(hub.New(10, m, log), m, log)
	worker := NewWorker(events, decisions, configs, prompts, publisher,
		[]string{"chatgpt", "gemini"}, m, log)
	t.Cleanup(worker.Close)

	return &workerFixture{worker: worker, events: events, decisions: decisions, configs: configs}
}

func (f *workerFixture) insertEnrichedEvent(t *testing.T, eventID string) {
	t.Helper()
	require.NoError(t, f.events.Insert(&domain.Event{
		EventID:         eventID,
		EventType:       domain.EventTypeOpenSignal,
		Symbol:          "BTC",
		SignalDirection: "long",
		EntryPrice:      42000,
		Size:            0.1,
		SignalTimestamp: time.Now().UTC(),
		Source:          "s1",
		Status:          domain.StatusQueued,
		ReceivedAt:      time.Now().UTC(),
		RawPayload:      json.RawMessage(`{}`),
	}, nil, nil))
	require.NoError(t, f.events.TransitionStatus(eventID, domain.StatusEnriched, domain.TimelineEnriched, nil))
}

func enrichedPayload(eventID string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"event_id":    eventID,
		"symbol":      "BTC",
		"event_type":  "OPEN_SIGNAL",
		"market":      map[string]any{"mid_price": 50000.0},
		"ta":          map[string]any{},
		"constraints": map[string]any{"max_leverage": 10},
	})
	return payload
}

func TestWorkerAllModelsUnconfiguredFailsMessage(t *testing.T) {
	f := newWorkerFixture(t)
	f.insertEnrichedEvent(t, "ev-1")

	// No llm_configs rows: both fallback models resolve to no config, so
	// zero successes and the message must fail (for retry / DLQ).
	err := f.worker.ProcessMessage(context.Background(), "ev-1", enrichedPayload("ev-1"))
	require.Error(t, err)
	assert.Equal(t, domain.KindModel, domain.KindOf(err))

	// Every model still wrote a durable fallback row.
	rows, err := f.decisions.ForEvent("ev-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, domain.DecisionStatusInvalidConfig, row.Status)
		assert.Equal(t, domain.DecisionIgnore, row.Decision)
		assert.Zero(t, row.Confidence)
		assert.Contains(t, row.Reasons, "fallback_decision")
	}

	// The event never advanced.
	event, err := f.events.GetByEventID("ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnriched, event.Status)
}

func TestWorkerMissingEventFails(t *testing.T) {
	f := newWorkerFixture(t)
	err := f.worker.ProcessMessage(context.Background(), "ghost", enrichedPayload("ghost"))
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestWorkerAlreadyPublishedIsNoop(t *testing.T) {
	f := newWorkerFixture(t)
	f.insertEnrichedEvent(t, "ev-1")
	require.NoError(t, f.events.TransitionStatus("ev-1", domain.StatusEvaluated, domain.TimelineEvaluated, nil))
	require.NoError(t, f.events.TransitionStatus("ev-1", domain.StatusPublished, domain.TimelinePublished, nil))

	// Redelivery of an already-published event acks without side effects.
	err := f.worker.ProcessMessage(context.Background(), "ev-1", enrichedPayload("ev-1"))
	require.NoError(t, err)

	rows, err := f.decisions.ForEvent("ev-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWorkerMalformedPayload(t *testing.T) {
	f := newWorkerFixture(t)
	err := f.worker.ProcessMessage(context.Background(), "ev-1", []byte("not json"))
	require.Error(t, err)
}

func TestWorkerStage(t *testing.T) {
	f := newWorkerFixture(t)
	assert.Equal(t, domain.StageEvaluate, f.worker.Stage())
}
