// Package dlq implements dead-letter-queue management: listing, inspection,
// stage-aware retry and manual resolution.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/store"
)

// SummaryErrorLimit caps error_message length in list views; detail views
// return the full message.
const SummaryErrorLimit = 200

// Enqueuer re-appends payloads to the pipeline streams. Satisfied by
// queue.Producer.
type Enqueuer interface {
	EnqueueSignal(ctx context.Context, eventID string, payload any) (string, error)
	EnqueueEnriched(ctx context.Context, eventID string, payload any) (string, error)
}

// Broadcaster delivers a reconstructed decision to subscribers. Satisfied by
// evaluation.Publisher.
type Broadcaster interface {
	PublishDecision(ctx context.Context, eventID, symbol, eventType, model string,
		decision *domain.DecisionOutput, receivedAt *time.Time) (int, error)
}

// Manager coordinates DLQ inspection and replay.
type Manager struct {
	entries   *store.DLQStore
	events    *store.EventStore
	decisions *store.DecisionStore
	producer  Enqueuer
	publisher Broadcaster
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewManager creates the DLQ manager.
func NewManager(
	entries *store.DLQStore,
	events *store.EventStore,
	decisions *store.DecisionStore,
	producer Enqueuer,
	publisher Broadcaster,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		entries:   entries,
		events:    events,
		decisions: decisions,
		producer:  producer,
		publisher: publisher,
		metrics:   m,
		log:       log.With().Str("component", "dlq_manager").Logger(),
	}
}

// InsertEntry records a failure directly. The ingress enqueue path uses
// this, since it has no consumer loop to dead-letter through.
func (m *Manager) InsertEntry(entry *domain.DLQEntry) error {
	return m.entries.Insert(entry)
}

// List returns entries matching the filter. Legacy stage aliases
// (enrichment, evaluation) are accepted in the filter.
func (m *Manager) List(filter store.DLQFilter) ([]*domain.DLQEntry, int, error) {
	return m.entries.List(filter)
}

// Get returns one entry with its full payload.
func (m *Manager) Get(id string) (*domain.DLQEntry, error) {
	return m.entries.Get(id)
}

// TruncateError shortens an error message for list summaries.
func TruncateError(message string) string {
	if len(message) > SummaryErrorLimit {
		return message[:SummaryErrorLimit]
	}
	return message
}

// Resolve marks an entry handled. Resolved entries cannot be retried.
func (m *Manager) Resolve(id, note string) (*time.Time, error) {
	resolvedAt, err := m.entries.Resolve(id, note)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("dlq_id", id).Msg("DLQ entry resolved")
	return resolvedAt, nil
}

// Retry re-processes a DLQ entry according to its stage:
//
//	enqueue, enrich -> re-append to the pending stream
//	evaluate        -> re-append to the enriched stream
//	publish         -> reconstruct the decision, persist it, mark the event
//	                   published and broadcast it
//
// retry_count is incremented and last_retry_at stamped before routing, so a
// failed routing attempt still shows up in the entry's history.
func (m *Manager) Retry(ctx context.Context, id string) (int, error) {
	entry, err := m.entries.Get(id)
	if err != nil {
		return 0, err
	}
	if entry.Resolved() {
		return 0, domain.NewError(domain.KindValidation, "cannot retry a resolved DLQ entry")
	}

	stage, ok := domain.CanonicalStage(string(entry.Stage))
	if !ok {
		return 0, domain.NewError(domain.KindValidation,
			fmt.Sprintf("unknown stage: %s", entry.Stage))
	}

	retryCount, err := m.entries.MarkRetried(id)
	if err != nil {
		return 0, err
	}

	switch stage {
	case domain.StageEnqueue, domain.StageEnrich:
		err = m.retryEnqueue(ctx, entry)
	case domain.StageEvaluate:
		err = m.retryEvaluate(ctx, entry)
	case domain.StagePublish:
		err = m.retryPublish(ctx, entry)
	}
	if err != nil {
		m.log.Error().Err(err).Str("dlq_id", id).Str("dlq_stage", string(stage)).Msg("DLQ retry failed")
		return retryCount, err
	}

	m.log.Info().
		Str("dlq_id", id).
		Str("dlq_stage", string(stage)).
		Int("retry_count", retryCount).
		Msg("DLQ entry re-enqueued")
	return retryCount, nil
}

func (m *Manager) retryEnqueue(ctx context.Context, entry *domain.DLQEntry) error {
	if entry.EventID == "" {
		return domain.NewError(domain.KindValidation, "no event_id for enqueue retry")
	}
	var payload map[string]any
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return domain.WrapError(domain.KindValidation, "malformed DLQ payload", err)
	}
	_, err := m.producer.EnqueueSignal(ctx, entry.EventID, payload)
	return err
}

func (m *Manager) retryEvaluate(ctx context.Context, entry *domain.DLQEntry) error {
	if entry.EventID == "" {
		return domain.NewError(domain.KindValidation, "no event_id for evaluation retry")
	}
	var payload map[string]any
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return domain.WrapError(domain.KindValidation, "malformed DLQ payload", err)
	}
	_, err := m.producer.EnqueueEnriched(ctx, entry.EventID, payload)
	return err
}

// publishPayload is the shape a publish-stage DLQ entry carries.
type publishPayload struct {
	EventID    string             `json:"event_id"`
	Symbol     string             `json:"symbol"`
	EventType  string             `json:"event_type"`
	Model      string             `json:"model"`
	Decision   string             `json:"decision"`
	Confidence float64            `json:"confidence"`
	SizePct    *float64           `json:"size_pct"`
	EntryPlan  *domain.EntryPlan  `json:"entry_plan"`
	RiskPlan   *domain.RiskPlan   `json:"risk_plan"`
	Reasons    []string           `json:"reasons"`
}

// retryPublish reconstructs the decision from the stored payload, persists a
// decision row so the retry leaves a durable audit record, marks the event
// published with a dlq_retry-sourced timeline entry, and broadcasts.
func (m *Manager) retryPublish(ctx context.Context, entry *domain.DLQEntry) error {
	var payload publishPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return domain.WrapError(domain.KindValidation, "malformed publish payload", err)
	}
	eventID := payload.EventID
	if eventID == "" {
		eventID = entry.EventID
	}
	if eventID == "" {
		return domain.NewError(domain.KindValidation, "no event_id for publish retry")
	}
	if !domain.ValidDecisions[domain.Decision(payload.Decision)] {
		return domain.NewError(domain.KindValidation,
			fmt.Sprintf("invalid decision in publish payload: %q", payload.Decision))
	}
	if len(payload.Reasons) == 0 {
		return domain.NewError(domain.KindValidation, "publish payload has no reasons")
	}

	decision := &domain.DecisionOutput{
		Decision:   domain.Decision(payload.Decision),
		Confidence: payload.Confidence,
		EntryPlan:  payload.EntryPlan,
		RiskPlan:   payload.RiskPlan,
		SizePct:    payload.SizePct,
		Reasons:    payload.Reasons,
	}
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return err
	}

	row := &domain.ModelDecision{
		EventID:         eventID,
		ModelName:       payload.Model,
		Decision:        decision.Decision,
		Confidence:      decision.Confidence,
		EntryPlan:       decision.EntryPlan,
		RiskPlan:        decision.RiskPlan,
		SizePct:         decision.SizePct,
		Reasons:         decision.Reasons,
		DecisionPayload: decisionJSON,
		Status:          domain.DecisionStatusOK,
	}
	if err := m.decisions.Insert(row); err != nil {
		return err
	}

	err = m.events.ForcePublish(eventID, map[string]any{
		"source": "dlq_retry",
		"model":  payload.Model,
	})
	if err != nil {
		return err
	}

	var receivedAt *time.Time
	if event, eventErr := m.events.GetByEventID(eventID); eventErr == nil {
		receivedAt = &event.ReceivedAt
	}

	_, err = m.publisher.PublishDecision(ctx, eventID, payload.Symbol, payload.EventType,
		payload.Model, decision, receivedAt)
	return err
}
