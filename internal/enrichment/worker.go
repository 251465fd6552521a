package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/queue"
	"github.com/sigmapilot/lens/internal/store"
	"github.com/sigmapilot/lens/pkg/logger"
)

// Worker consumes the pending stream: validate, enrich, persist, forward.
//
// A partial enrichment (quality flags set but market data present) still
// forwards to evaluation; a total provider failure returns an error so the
// message retries. Rejected signals are marked and acked, never retried.
type Worker struct {
	events   *store.EventStore
	producer *queue.Producer

	validator *Validator
	service   *Service

	profileName string
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// NewWorker creates the enrichment worker.
func NewWorker(
	events *store.EventStore,
	producer *queue.Producer,
	validator *Validator,
	service *Service,
	profileName string,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		events:      events,
		producer:    producer,
		validator:   validator,
		service:     service,
		profileName: profileName,
		metrics:     m,
		log:         log.With().Str("component", "enrichment_worker").Logger(),
	}
}

// Stage implements queue.Handler.
func (w *Worker) Stage() domain.DLQStage { return domain.StageEnrich }

// ProcessMessage implements queue.Handler.
func (w *Worker) ProcessMessage(ctx context.Context, eventID string, payload []byte) error {
	start := time.Now()
	logger.Stage(w.log, "ENRICHMENT", eventID, "started").Send()

	var signal domain.SignalPayload
	if err := json.Unmarshal(payload, &signal); err != nil {
		return &queue.NonRetryableError{
			Err: domain.WrapError(domain.KindValidation, "malformed signal payload", err),
		}
	}

	// Pre-enrichment gate: age first, then drift.
	validation, err := w.validator.Validate(ctx, &signal)
	if err != nil {
		var rejection *domain.RejectionError
		if errors.As(err, &rejection) {
			w.markRejected(eventID, rejection, validation)
			logger.Stage(w.log, "ENRICHMENT", eventID, "rejected").
				Str("reason", rejection.Reason).Send()
			// Ack: rejected signals are terminal, not retried.
			return nil
		}
		// Provider failure during the drift fetch is transient.
		return err
	}

	event, err := w.events.GetByEventID(eventID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return &queue.NonRetryableError{Err: err}
		}
		return err
	}

	// Redelivery after a crash between commit and produce: the enrichment
	// record already exists, so just forward it again.
	if event.Status == domain.StatusEnriched || event.Status == domain.StatusEnrichmentPartial {
		return w.forwardExisting(ctx, eventID)
	}

	result, err := w.service.Enrich(ctx, eventID, &signal, w.profileName)
	if err != nil {
		return err
	}

	// A run with zero market data means every provider call failed; retry
	// rather than forwarding an empty snapshot.
	if result.MarketData == nil {
		return domain.NewError(domain.KindProvider,
			fmt.Sprintf("enrichment produced no market data: %v", result.QualityFlags.ProviderErrors))
	}

	marketData, taData, derivsData, constraints, enrichedPayload, err := MarshalResult(result)
	if err != nil {
		return fmt.Errorf("failed to marshal enrichment result: %w", err)
	}

	now := time.Now().UTC()
	duration := time.Since(start)

	enriched := &domain.EnrichedEvent{
		EventID:            eventID,
		FeatureProfile:     w.profileName,
		Provider:           "hyperliquid",
		ProviderVersion:    "v1",
		MarketData:         marketData,
		TAData:             taData,
		DerivsData:         derivsData,
		Constraints:        constraints,
		DataTimestamps:     result.DataTimestamps,
		QualityFlags:       result.QualityFlags,
		EnrichedPayload:    enrichedPayload,
		EnrichedAt:         now,
		EnrichmentDuration: duration,
	}
	if err := w.events.InsertEnriched(enriched); err != nil {
		return err
	}

	status := domain.StatusEnriched
	if !result.Success {
		status = domain.StatusEnrichmentPartial
		w.log.Warn().
			Str("event_id", eventID).
			Strs("provider_errors", result.QualityFlags.ProviderErrors).
			Strs("missing", result.QualityFlags.Missing).
			Msg("Enrichment completed with issues")
	}

	err = w.events.TransitionStatus(eventID, status, domain.TimelineEnriched, map[string]any{
		"duration_ms":   duration.Milliseconds(),
		"profile":       w.profileName,
		"success":       result.Success,
		"quality_flags": result.QualityFlags,
	})
	if err != nil {
		return err
	}

	// Forward to evaluation even when partial; the evaluation stage is
	// allowed to see degraded data.
	if _, err := w.producer.EnqueueEnriched(ctx, eventID, result.Payload); err != nil {
		return domain.WrapError(domain.KindQueue, "failed to enqueue enriched payload", err)
	}

	w.metrics.SignalsEnriched.WithLabelValues(w.profileName, signal.Symbol).Inc()
	w.metrics.EnrichmentDuration.WithLabelValues(w.profileName).Observe(duration.Seconds())
	w.metrics.Heartbeat("enrichment")

	logger.Stage(w.log, "ENRICHMENT", eventID, "completed").
		Int64("duration_ms", duration.Milliseconds()).
		Bool("success", result.Success).
		Send()
	return nil
}

// forwardExisting re-produces a previously persisted enriched payload.
func (w *Worker) forwardExisting(ctx context.Context, eventID string) error {
	enriched, err := w.events.GetEnriched(eventID)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal(enriched.EnrichedPayload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal stored enriched payload: %w", err)
	}
	if _, err := w.producer.EnqueueEnriched(ctx, eventID, payload); err != nil {
		return domain.WrapError(domain.KindQueue, "failed to re-enqueue enriched payload", err)
	}
	w.log.Info().Str("event_id", eventID).Msg("Re-forwarded existing enrichment after redelivery")
	return nil
}

// markRejected transitions the event to rejected with a REJECTED timeline
// entry. A missing event row is logged, not fatal: the message is acked
// either way.
func (w *Worker) markRejected(eventID string, rejection *domain.RejectionError, validation *ValidationResult) {
	details := map[string]any{
		"reason":  rejection.Reason,
		"symbol":  rejection.Symbol,
		"details": rejection.Details,
	}
	if validation != nil && validation.RejectionReason != "" {
		details["message"] = validation.RejectionReason
	}
	if err := w.events.TransitionStatus(eventID, domain.StatusRejected, domain.TimelineRejected, details); err != nil {
		w.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to mark event rejected")
		return
	}
	w.metrics.SignalsRejected.WithLabelValues(rejection.Symbol, rejection.Reason).Inc()
	w.log.Warn().Str("event_id", eventID).Str("reason", rejection.Reason).Msg("Signal rejected")
}
