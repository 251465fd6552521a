package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/store"
)

// eventSummary is the list-view shape.
type eventSummary struct {
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	Symbol          string     `json:"symbol"`
	SignalDirection string     `json:"signal_direction"`
	EntryPrice      float64    `json:"entry_price"`
	Size            float64    `json:"size"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	ReceivedAt      time.Time  `json:"received_at"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
}

type listResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Symbol:    q.Get("symbol"),
		EventType: q.Get("event_type"),
		Source:    q.Get("source"),
		Status:    q.Get("status"),
		Limit:     parseIntParam(q.Get("limit"), 50, 1, 100),
		Offset:    parseIntParam(q.Get("offset"), 0, 0, 1<<30),
	}
	if since, ok := parseTimeParam(q.Get("since")); ok {
		filter.Since = &since
	}
	if until, ok := parseTimeParam(q.Get("until")); ok {
		filter.Until = &until
	}

	events, total, err := s.events.List(filter)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	items := make([]eventSummary, 0, len(events))
	for _, e := range events {
		items = append(items, eventSummary{
			EventID:         e.EventID,
			EventType:       string(e.EventType),
			Symbol:          e.Symbol,
			SignalDirection: e.SignalDirection,
			EntryPrice:      e.EntryPrice,
			Size:            e.Size,
			Source:          e.Source,
			Status:          string(e.Status),
			ReceivedAt:      e.ReceivedAt,
			PublishedAt:     e.PublishedAt,
		})
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// handleGetEvent returns the full event record: signal, enrichment summary,
// timeline, decisions.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := s.events.GetByEventID(eventID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	timeline, err := s.timeline.ForEvent(eventID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	decisions, err := s.decisions.ForEvent(eventID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	detail := map[string]any{
		"event_id":          event.EventID,
		"event_type":        string(event.EventType),
		"symbol":            event.Symbol,
		"signal_direction":  event.SignalDirection,
		"entry_price":       event.EntryPrice,
		"size":              event.Size,
		"liquidation_price": event.LiquidationPrice,
		"ts_utc":            event.SignalTimestamp,
		"source":            event.Source,
		"status":            string(event.Status),
		"feature_profile":   event.FeatureProfile,
		"received_at":       event.ReceivedAt,
		"enriched_at":       event.EnrichedAt,
		"evaluated_at":      event.EvaluatedAt,
		"published_at":      event.PublishedAt,
		"raw_payload":       json.RawMessage(event.RawPayload),
		"timeline":          timelineItems(timeline),
		"decisions":         decisionItems(decisions),
	}

	if enriched, enrichErr := s.events.GetEnriched(eventID); enrichErr == nil {
		detail["enrichment"] = map[string]any{
			"provider":               enriched.Provider,
			"feature_profile":        enriched.FeatureProfile,
			"quality_flags":          enriched.QualityFlags,
			"data_timestamps":        enriched.DataTimestamps,
			"enriched_at":            enriched.EnrichedAt,
			"enrichment_duration_ms": enriched.EnrichmentDuration.Milliseconds(),
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleEventStatus computes the current stage and per-stage durations from
// the timeline, the compact view operators poll while an event flows.
func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := s.events.GetByEventID(eventID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	timeline, err := s.timeline.ForEvent(eventID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	currentStage := "RECEIVED"
	var stageDurations []map[string]any
	for i, entry := range timeline {
		currentStage = entry.Status
		item := map[string]any{
			"stage":     entry.Status,
			"timestamp": entry.Timestamp,
		}
		if i > 0 {
			item["duration_ms"] = entry.Timestamp.Sub(timeline[i-1].Timestamp).Milliseconds()
		}
		stageDurations = append(stageDurations, item)
	}

	totalDuration := int64(0)
	if len(timeline) > 0 {
		last := timeline[len(timeline)-1].Timestamp
		totalDuration = last.Sub(event.ReceivedAt).Milliseconds()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":      eventID,
		"status":        string(event.Status),
		"current_stage": currentStage,
		"duration_ms":   totalDuration,
		"stages":        stageDurations,
	})
}

func timelineItems(entries []*domain.TimelineEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"status":    e.Status,
			"details":   e.Details,
			"timestamp": e.Timestamp,
		})
	}
	return items
}

func parseIntParam(value string, fallback, min, max int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < min {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

func parseTimeParam(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, value)
	return t, err == nil
}
