package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/evaluation"
)

// llmConfigView is the admin API shape. The API key is never echoed back;
// only its presence is reported.
type llmConfigView struct {
	ModelName        string     `json:"model_name"`
	Enabled          bool       `json:"enabled"`
	Provider         string     `json:"provider"`
	HasAPIKey        bool       `json:"has_api_key"`
	ModelID          string     `json:"model_id"`
	TimeoutMs        int64      `json:"timeout_ms"`
	MaxTokens        int        `json:"max_tokens"`
	ValidationStatus string     `json:"validation_status,omitempty"`
	LastValidatedAt  *time.Time `json:"last_validated_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func llmConfigToView(cfg *domain.LLMConfig) llmConfigView {
	return llmConfigView{
		ModelName:        cfg.ModelName,
		Enabled:          cfg.Enabled,
		Provider:         cfg.Provider,
		HasAPIKey:        cfg.APIKey != "",
		ModelID:          cfg.ModelID,
		TimeoutMs:        cfg.Timeout.Milliseconds(),
		MaxTokens:        cfg.MaxTokens,
		ValidationStatus: cfg.ValidationStatus,
		LastValidatedAt:  cfg.LastValidatedAt,
		UpdatedAt:        cfg.UpdatedAt,
	}
}

func (s *Server) handleListLLMConfigs(w http.ResponseWriter, r *http.Request) {
	configs := s.llmConfigs.ListAll()
	views := make([]llmConfigView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, llmConfigToView(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

type upsertLLMConfigRequest struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	ModelID   string `json:"model_id"`
	Enabled   *bool  `json:"enabled"`
	TimeoutMs int64  `json:"timeout_ms"`
	MaxTokens int    `json:"max_tokens"`
}

func (s *Server) handleUpsertLLMConfig(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")

	var req upsertLLMConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body", nil)
		return
	}
	if req.Provider == "" || req.APIKey == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"provider, api_key and model_id are required", nil)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	maxTokens := 1000
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	cfg := &domain.LLMConfig{
		ModelName: model,
		Enabled:   enabled,
		Provider:  req.Provider,
		APIKey:    req.APIKey,
		ModelID:   req.ModelID,
		Timeout:   timeout,
		MaxTokens: maxTokens,
	}

	// Reject unknown providers at write time, not at evaluation time.
	if _, err := evaluation.NewAdapter(*cfg, s.log); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	if err := s.llmConfigs.Upsert(cfg); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, llmConfigToView(cfg))
}

type patchLLMConfigRequest struct {
	APIKey    *string `json:"api_key"`
	ModelID   *string `json:"model_id"`
	Enabled   *bool   `json:"enabled"`
	TimeoutMs *int64  `json:"timeout_ms"`
	MaxTokens *int    `json:"max_tokens"`
}

func (s *Server) handlePatchLLMConfig(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")

	existing := s.findLLMConfig(model)
	if existing == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "llm config not found: "+model, nil)
		return
	}

	var req patchLLMConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body", nil)
		return
	}

	if req.APIKey != nil {
		existing.APIKey = *req.APIKey
	}
	if req.ModelID != nil {
		existing.ModelID = *req.ModelID
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.TimeoutMs != nil {
		existing.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	if req.MaxTokens != nil {
		existing.MaxTokens = *req.MaxTokens
	}

	if err := s.llmConfigs.Upsert(existing); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, llmConfigToView(existing))
}

func (s *Server) handleDeleteLLMConfig(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := s.llmConfigs.Delete(model); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model_name": model, "status": "deleted"})
}

func (s *Server) handleEnableLLMConfig(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		if err := s.llmConfigs.SetEnabled(model, enabled); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"model_name": model, "enabled": enabled})
	}
}

// handleTestLLMConfig issues a minimal adapter call to verify credentials
// and records the outcome on the config row.
func (s *Server) handleTestLLMConfig(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")

	cfg := s.findLLMConfig(model)
	if cfg == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "llm config not found: "+model, nil)
		return
	}

	adapter, err := evaluation.NewAdapter(*cfg, s.log)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
	defer cancel()

	resp := adapter.Evaluate(ctx, `Reply with exactly this JSON object: {"status": "ok"}`)

	status := "valid"
	if !resp.IsSuccess() {
		status = "invalid"
	}
	if err := s.llmConfigs.RecordValidation(model, status); err != nil {
		s.log.Error().Err(err).Str("model", model).Msg("Failed to record validation status")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model_name":        model,
		"validation_status": status,
		"adapter_status":    string(resp.Status),
		"latency_ms":        resp.Latency.Milliseconds(),
		"error_message":     resp.ErrorMessage,
	})
}

// findLLMConfig looks a model up including disabled entries.
func (s *Server) findLLMConfig(model string) *domain.LLMConfig {
	for _, cfg := range s.llmConfigs.ListAll() {
		if cfg.ModelName == model {
			return cfg
		}
	}
	return nil
}
