package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sigmapilot/lens/internal/dlq"
	"github.com/sigmapilot/lens/internal/store"
)

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DLQFilter{
		Stage:      q.Get("stage"),
		ReasonCode: q.Get("reason_code"),
		EventID:    q.Get("event_id"),
		Limit:      parseIntParam(q.Get("limit"), 50, 1, 100),
		Offset:     parseIntParam(q.Get("offset"), 0, 0, 1<<30),
	}
	if resolved := q.Get("resolved"); resolved != "" {
		value := resolved == "true"
		filter.Resolved = &value
	}
	if since, ok := parseTimeParam(q.Get("since")); ok {
		filter.Since = &since
	}
	if until, ok := parseTimeParam(q.Get("until")); ok {
		filter.Until = &until
	}

	entries, total, err := s.dlqManager.List(filter)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":            e.ID,
			"event_id":      e.EventID,
			"stage":         string(e.Stage),
			"reason_code":   e.ReasonCode,
			"error_message": dlq.TruncateError(e.ErrorMessage),
			"retry_count":   e.RetryCount,
			"created_at":    e.CreatedAt,
			"resolved_at":   e.ResolvedAt,
		})
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	entry, err := s.dlqManager.Get(chi.URLParam(r, "dlqID"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":              entry.ID,
		"event_id":        entry.EventID,
		"stage":           string(entry.Stage),
		"reason_code":     entry.ReasonCode,
		"error_message":   entry.ErrorMessage,
		"payload":         json.RawMessage(entry.Payload),
		"retry_count":     entry.RetryCount,
		"last_retry_at":   entry.LastRetryAt,
		"resolved_at":     entry.ResolvedAt,
		"resolution_note": entry.ResolutionNote,
		"created_at":      entry.CreatedAt,
	})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dlqID")
	retryCount, err := s.dlqManager.Retry(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"status":      "retrying",
		"retry_count": retryCount,
	})
}

type resolveRequest struct {
	ResolutionNote string `json:"resolution_note"`
}

func (s *Server) handleResolveDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dlqID")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body", nil)
		return
	}
	if req.ResolutionNote == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "resolution_note is required", nil)
		return
	}

	resolvedAt, err := s.dlqManager.Resolve(id, req.ResolutionNote)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"status":      "resolved",
		"resolved_at": resolvedAt.UTC().Format(time.RFC3339Nano),
	})
}
