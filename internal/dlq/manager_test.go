package dlq

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
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/store"
)

// fakeEnqueuer records re-enqueued payloads.
type fakeEnqueuer struct {
	signals  []string
	enriched []string
}

func (f *fakeEnqueuer) EnqueueSignal(ctx context.Context, eventID string, payload any) (string, error) {
	f.signals = append(f.signals, eventID)
	return "1-0", nil
}

func (f *fakeEnqueuer) EnqueueEnriched(ctx context.Context, eventID string, payload any) (string, error) {
	f.enriched = append(f.enriched, eventID)
	return "1-0", nil
}

// fakeBroadcaster records published decisions.
type fakeBroadcaster struct {
	published []*domain.DecisionOutput
	models    []string
}

func (f *fakeBroadcaster) PublishDecision(ctx context.Context, eventID, symbol, eventType, model string,
	decision *domain.DecisionOutput, receivedAt *time.Time) (int, error) {
	f.published = append(f.published, decision)
	f.models = append(f.models, model)
	return 1, nil
}

type managerFixture struct {
	manager     *Manager
	entries     *store.DLQStore
	events      *store.EventStore
	decisions   *store.DecisionStore
	timeline    *store.TimelineStore
	enqueuer    *fakeEnqueuer
	broadcaster *fakeBroadcaster
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "dlq_test.db"),
		Name: "dlq_test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	f := &managerFixture{
		entries:     store.NewDLQStore(db, log),
		events:      store.NewEventStore(db, log),
		decisions:   store.NewDecisionStore(db, log),
		timeline:    store.NewTimelineStore(db, log),
		enqueuer:    &fakeEnqueuer{},
		broadcaster: &fakeBroadcaster{},
	}
	f.manager = NewManager(f.entries, f.events, f.decisions, f.enqueuer, f.broadcaster,
		metrics.New(), log)
	return f
}

func (f *managerFixture) insertEvent(t *testing.T, eventID string) {
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
}

func (f *managerFixture) insertEntry(t *testing.T, eventID string, stage domain.DLQStage, payload string) *domain.DLQEntry {
	t.Helper()
	entry := &domain.DLQEntry{
		EventID:      eventID,
		Stage:        stage,
		ReasonCode:   "provider_error",
		ErrorMessage: "boom",
		Payload:      json.RawMessage(payload),
	}
	require.NoError(t, f.entries.Insert(entry))
	return entry
}

func TestRetryEnrichReEnqueuesPending(t *testing.T) {
	f := newFixture(t)
	f.insertEvent(t, "ev-1")
	entry := f.insertEntry(t, "ev-1", domain.StageEnrich, `{"symbol":"BTC"}`)

	count, err := f.manager.Retry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"ev-1"}, f.enqueuer.signals)
	assert.Empty(t, f.enqueuer.enriched)
}

func TestRetryLegacyStageAlias(t *testing.T) {
	f := newFixture(t)
	f.insertEvent(t, "ev-1")
	// Old rows can carry the legacy stage name; retry routing resolves it.
	entry := f.insertEntry(t, "ev-1", domain.DLQStage("evaluation"), `{"symbol":"BTC"}`)

	_, err := f.manager.Retry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-1"}, f.enqueuer.enriched)
}

func TestRetryPublishReconstructsDecision(t *testing.T) {
	f := newFixture(t)
	f.insertEvent(t, "E")
	entry := f.insertEntry(t, "E", domain.StagePublish,
		`{"event_id":"E","model":"chatgpt","decision":"FOLLOW_ENTER","confidence":0.7,"reasons":["r"]}`)

	count, err := f.manager.Retry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Event is published.
	event, err := f.events.GetByEventID("E")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, event.Status)

	// A PUBLISHED timeline entry with source=dlq_retry exists.
	entries, err := f.timeline.ForEvent("E")
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Status == domain.TimelinePublished && e.Details["source"] == "dlq_retry" {
			found = true
		}
	}
	assert.True(t, found, "expected PUBLISHED timeline entry with source=dlq_retry")

	// A durable decision row was inserted.
	rows, err := f.decisions.ForEvent("E")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "chatgpt", rows[0].ModelName)
	assert.Equal(t, domain.DecisionFollowEnter, rows[0].Decision)
	assert.InDelta(t, 0.7, rows[0].Confidence, 1e-9)

	// Subscribers were broadcast to.
	require.Len(t, f.broadcaster.published, 1)
	assert.Equal(t, []string{"chatgpt"}, f.broadcaster.models)
	assert.Equal(t, []string{"r"}, f.broadcaster.published[0].Reasons)

	// retry_count incremented by one.
	reloaded, err := f.entries.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.NotNil(t, reloaded.LastRetryAt)
}

func TestRetryPublishRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	f.insertEvent(t, "ev-1")
	entry := f.insertEntry(t, "ev-1", domain.StagePublish, `{"model":"chatgpt","decision":"BUY"}`)

	_, err := f.manager.Retry(context.Background(), entry.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Empty(t, f.broadcaster.published)

	// The failed attempt is still recorded on the entry.
	reloaded, err := f.entries.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.RetryCount)
}

func TestRetryResolvedEntryRejected(t *testing.T) {
	f := newFixture(t)
	entry := f.insertEntry(t, "ev-1", domain.StageEnrich, `{}`)
	_, err := f.manager.Resolve(entry.ID, "handled manually")
	require.NoError(t, err)

	_, err = f.manager.Retry(context.Background(), entry.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Empty(t, f.enqueuer.signals)
}

func TestRetryMissingEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Retry(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestTruncateError(t *testing.T) {
	short := "short message"
	assert.Equal(t, short, TruncateError(short))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	truncated := TruncateError(string(long))
	assert.Len(t, truncated, SummaryErrorLimit)
}
