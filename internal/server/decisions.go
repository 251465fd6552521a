package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/store"
)

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DecisionFilter{
		ModelName: q.Get("model"),
		Decision:  q.Get("decision"),
		Status:    q.Get("status"),
		Symbol:    q.Get("symbol"),
		Limit:     parseIntParam(q.Get("limit"), 50, 1, 100),
		Offset:    parseIntParam(q.Get("offset"), 0, 0, 1<<30),
	}
	if since, ok := parseTimeParam(q.Get("since")); ok {
		filter.Since = &since
	}
	if until, ok := parseTimeParam(q.Get("until")); ok {
		filter.Until = &until
	}

	decisions, total, err := s.decisions.List(filter)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items:  decisionItems(decisions),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) handleEventDecisions(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	// 404 for an unknown event rather than an empty list.
	if _, err := s.events.GetByEventID(eventID); err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	decisions, err := s.decisions.ForEvent(eventID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  eventID,
		"decisions": decisionItems(decisions),
	})
}

func decisionItems(decisions []*domain.ModelDecision) []map[string]any {
	items := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		item := map[string]any{
			"id":             d.ID,
			"event_id":       d.EventID,
			"model_name":     d.ModelName,
			"model_version":  d.ModelVersion,
			"prompt_version": d.PromptVersion,
			"prompt_hash":    d.PromptHash,
			"decision":       string(d.Decision),
			"confidence":     d.Confidence,
			"entry_plan":     d.EntryPlan,
			"risk_plan":      d.RiskPlan,
			"size_pct":       d.SizePct,
			"reasons":        d.Reasons,
			"latency_ms":     d.Latency.Milliseconds(),
			"tokens_in":      d.TokensIn,
			"tokens_out":     d.TokensOut,
			"status":         string(d.Status),
			"evaluated_at":   d.EvaluatedAt,
		}
		if d.Status != domain.DecisionStatusOK {
			item["error_code"] = d.ErrorCode
			item["error_message"] = d.ErrorMessage
		}
		items = append(items, item)
	}
	return items
}
