package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sigmapilot/lens/internal/domain"
)

type promptView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	PromptType  string    `json:"prompt_type"`
	ModelName   string    `json:"model_name,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	IsActive    bool      `json:"is_active"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func promptToView(p *domain.Prompt, includeContent bool) promptView {
	view := promptView{
		ID:          p.ID,
		Name:        p.Name,
		Version:     p.Version,
		PromptType:  p.PromptType,
		ModelName:   p.ModelName,
		ContentHash: p.ContentHash,
		IsActive:    p.IsActive,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if includeContent {
		view.Content = p.Content
	}
	return view
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prompts, err := s.prompts.List(q.Get("prompt_type"), q.Get("include_inactive") == "true")
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	views := make([]promptView, 0, len(prompts))
	for _, p := range prompts {
		views = append(views, promptToView(p, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

type createPromptRequest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	PromptType  string `json:"prompt_type"`
	ModelName   string `json:"model_name"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req createPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body", nil)
		return
	}
	if req.Name == "" || req.Version == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"name, version and content are required", nil)
		return
	}

	prompt := &domain.Prompt{
		Name:        req.Name,
		Version:     req.Version,
		PromptType:  req.PromptType,
		ModelName:   req.ModelName,
		Content:     req.Content,
		IsActive:    true,
		Description: req.Description,
	}
	if err := s.prompts.Create(prompt); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "DUPLICATE",
				"prompt with this name and version already exists", nil)
			return
		}
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, promptToView(prompt, true))
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.prompts.GetAny(chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, promptToView(prompt, true))
}

type updatePromptRequest struct {
	Content     string `json:"content"`
	Description string `json:"description"`
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")

	var req updatePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body", nil)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "content is required", nil)
		return
	}

	if err := s.prompts.Update(name, version, req.Content, req.Description); err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	prompt, err := s.prompts.GetAny(name, version)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, promptToView(prompt, true))
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")
	if err := s.prompts.Delete(name, version); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "version": version, "status": "deleted"})
}

func (s *Server) handleActivatePrompt(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")
		if err := s.prompts.SetActive(name, version, active); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":      name,
			"version":   version,
			"is_active": active,
		})
	}
}
