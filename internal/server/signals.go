package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/pkg/logger"
)

// submitResponse is the ingress acknowledgement.
type submitResponse struct {
	EventID    string    `json:"event_id"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
}

// handleSubmitSignal accepts a trading signal: validate, persist (status
// queued, RECEIVED timeline), produce to the pending stream, append ENQUEUED.
// A duplicate idempotency key returns the original event_id instead of
// creating anything.
func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	receivedAt := time.Now().UTC()

	var signal domain.SignalPayload
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body", nil)
		return
	}
	if details := validateSignal(&signal); len(details) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "signal failed validation",
			map[string]any{"fields": details})
		return
	}

	idempotencyKey := r.Header.Get("X-Idempotency-Key")
	if idempotencyKey != "" {
		existing, err := s.events.GetByIdempotencyKey(idempotencyKey)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if existing != nil {
			s.log.Info().Str("event_id", existing.EventID).Msg("Duplicate signal via idempotency key")
			writeJSON(w, http.StatusOK, submitResponse{
				EventID:    existing.EventID,
				Status:     strings.ToUpper(string(existing.Status)),
				ReceivedAt: existing.ReceivedAt,
			})
			return
		}
	}

	eventID := uuid.NewString()
	signalTS, _ := time.Parse(time.RFC3339, signal.TsUTC)
	rawPayload, _ := json.Marshal(signal)

	s.metrics.SignalsReceived.WithLabelValues(signal.Source, signal.Symbol, signal.EventType).Inc()
	logger.Stage(s.log, "RECEIVED", eventID, "started").Str("symbol", signal.Symbol).Send()

	event := &domain.Event{
		EventID:          eventID,
		IdempotencyKey:   idempotencyKey,
		EventType:        domain.EventType(signal.EventType),
		Symbol:           signal.Symbol,
		SignalDirection:  signal.SignalDirection,
		EntryPrice:       signal.EntryPrice,
		Size:             signal.Size,
		LiquidationPrice: signal.LiquidationPrice,
		SignalTimestamp:  signalTS,
		Source:           signal.Source,
		FeatureProfile:   s.cfg.FeatureProfile,
		Status:           domain.StatusQueued,
		ReceivedAt:       receivedAt,
		RawPayload:       rawPayload,
	}

	err := s.events.Insert(event, []string{domain.TimelineReceived},
		map[string]any{"source": signal.Source})
	if err != nil {
		// A concurrent submit with the same idempotency key can lose the
		// insert race; surface it as a duplicate.
		if idempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE") {
			if existing, lookupErr := s.events.GetByIdempotencyKey(idempotencyKey); lookupErr == nil && existing != nil {
				writeJSON(w, http.StatusConflict, submitResponse{
					EventID:    existing.EventID,
					Status:     strings.ToUpper(string(existing.Status)),
					ReceivedAt: existing.ReceivedAt,
				})
				return
			}
		}
		writeDomainError(w, s.log, err)
		return
	}

	if _, err := s.producer.EnqueueSignal(r.Context(), eventID, &signal); err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to enqueue signal")
		s.failEnqueue(eventID, &signal, err)
		writeError(w, http.StatusInternalServerError, "QUEUE_ERROR", "failed to enqueue signal", nil)
		return
	}

	if err := s.timeline.Append(eventID, domain.TimelineEnqueued, nil); err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to append ENQUEUED timeline entry")
	}

	duration := time.Since(start)
	s.metrics.SignalsEnqueued.WithLabelValues(signal.Symbol).Inc()
	s.metrics.EnqueueDuration.Observe(duration.Seconds())
	logger.Stage(s.log, "ENQUEUED", eventID, "completed").
		Int64("duration_ms", duration.Milliseconds()).Send()

	writeJSON(w, http.StatusCreated, submitResponse{
		EventID:    eventID,
		Status:     "ENQUEUED",
		ReceivedAt: receivedAt,
	})
}

// failEnqueue records an enqueue failure: event marked failed plus a DLQ row
// carrying the full payload for replay.
func (s *Server) failEnqueue(eventID string, signal *domain.SignalPayload, cause error) {
	if err := s.events.TransitionStatus(eventID, domain.StatusFailed, "", nil); err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to mark event failed")
	}
	payload, _ := json.Marshal(signal)
	entry := &domain.DLQEntry{
		EventID:      eventID,
		Stage:        domain.StageEnqueue,
		ReasonCode:   "queue_error",
		ErrorMessage: cause.Error(),
		Payload:      payload,
	}
	if err := s.dlqManager.InsertEntry(entry); err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to write enqueue DLQ entry")
	}
	s.metrics.DLQEntries.WithLabelValues(string(domain.StageEnqueue), "queue_error").Inc()
}

// validateSignal returns per-field validation errors.
func validateSignal(signal *domain.SignalPayload) map[string]string {
	details := make(map[string]string)

	switch signal.EventType {
	case string(domain.EventTypeOpenSignal), string(domain.EventTypeCloseSignal):
	case "":
		details["event_type"] = "required"
	default:
		details["event_type"] = fmt.Sprintf("must be %s or %s",
			domain.EventTypeOpenSignal, domain.EventTypeCloseSignal)
	}

	if signal.Symbol == "" {
		details["symbol"] = "required"
	}
	if signal.SignalDirection == "" {
		details["signal_direction"] = "required"
	} else {
		switch strings.ToLower(signal.SignalDirection) {
		case "long", "short":
		default:
			details["signal_direction"] = "must be long or short"
		}
	}
	if signal.EntryPrice < 0 {
		details["entry_price"] = "must be >= 0"
	}
	if signal.Size <= 0 {
		details["size"] = "must be > 0"
	}
	if signal.Source == "" {
		details["source"] = "required"
	}
	if signal.TsUTC == "" {
		details["ts_utc"] = "required"
	} else if _, err := time.Parse(time.RFC3339, signal.TsUTC); err != nil {
		details["ts_utc"] = "must be an RFC3339 timestamp"
	}

	return details
}
