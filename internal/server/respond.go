// Package server provides the HTTP and WebSocket API for SigmaPilot Lens.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
)

// errorEnvelope is the uniform error response body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// writeDomainError maps a typed error onto the conventional status codes.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "internal error", nil)
		return
	}

	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation, domain.KindSchema:
		status = http.StatusBadRequest
	case domain.KindAuthentication:
		status = http.StatusUnauthorized
	case domain.KindAuthorization:
		status = http.StatusForbidden
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	}

	if status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, string(de.Kind), de.Message, de.Details)
}
