// Package evaluation implements the parallel fan-out evaluation stage: the
// uniform adapter contract over heterogeneous AI providers, decision schema
// validation and normalization, and the worker that consumes the enriched
// stream.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sigmapilot/lens/internal/domain"
)

// Status codes for model evaluation results.
type Status string

const (
	StatusSuccess       Status = "SUCCESS"
	StatusTimeout       Status = "TIMEOUT"
	StatusRateLimited   Status = "RATE_LIMITED"
	StatusAPIError      Status = "API_ERROR"
	StatusSchemaError   Status = "SCHEMA_ERROR"
	StatusNetworkError  Status = "NETWORK_ERROR"
	StatusInvalidConfig Status = "INVALID_CONFIG"
)

// DecisionStatus maps an adapter status onto the persisted decision status.
func (s Status) DecisionStatus() domain.DecisionStatus {
	switch s {
	case StatusSuccess:
		return domain.DecisionStatusOK
	case StatusTimeout:
		return domain.DecisionStatusTimeout
	case StatusRateLimited:
		return domain.DecisionStatusRateLimited
	case StatusSchemaError:
		return domain.DecisionStatusSchemaError
	case StatusNetworkError:
		return domain.DecisionStatusNetworkError
	case StatusInvalidConfig:
		return domain.DecisionStatusInvalidConfig
	default:
		return domain.DecisionStatusAPIError
	}
}

// Response is the result of one model evaluation. Errors are values here,
// never Go errors: the caller fans out across models and classifies each
// result without unwinding control flow.
type Response struct {
	ModelName    string
	ModelVersion string
	Status       Status
	Latency      time.Duration
	RawText      string
	Parsed       map[string]any
	TokensIn     int
	TokensOut    int
	ErrorCode    string
	ErrorMessage string
}

// IsSuccess reports whether the evaluation produced parseable output.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Adapter is the uniform async evaluation contract every provider
// implements. Evaluate must not panic and must not let provider errors
// escape; each failure mode becomes a typed status on the Response.
// Implementations lazily initialize their clients and are safe for
// concurrent use.
type Adapter interface {
	ModelName() string
	ModelVersion() string
	IsConfigured() bool
	Evaluate(ctx context.Context, prompt string) *Response
	Close() error
}

// errorResponse builds a failure Response.
func errorResponse(modelName, modelVersion string, status Status, code, message string, latency time.Duration) *Response {
	return &Response{
		ModelName:    modelName,
		ModelVersion: modelVersion,
		Status:       status,
		Latency:      latency,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// successResponse builds a success Response.
func successResponse(modelName, modelVersion string, parsed map[string]any, raw string, latency time.Duration, tokensIn, tokensOut int) *Response {
	return &Response{
		ModelName:    modelName,
		ModelVersion: modelVersion,
		Status:       StatusSuccess,
		Latency:      latency,
		RawText:      raw,
		Parsed:       parsed,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
	}
}

// parseJSONResponse parses JSON from model output, stripping the fenced code
// wrappers models emit despite JSON-mode instructions.
func parseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from response: %w", err)
	}
	return parsed, nil
}

// jsonSystemInstruction is the framing used by providers without a native
// JSON output mode.
const jsonSystemInstruction = "You are a trading signal evaluation assistant. Respond only with valid JSON."
