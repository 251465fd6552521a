package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicAdapter evaluates prompts against Anthropic's Messages API.
// Anthropic has no native JSON mode, so the system instruction enforces
// JSON-only output and the shared fence-stripping parser handles the rest.
type AnthropicAdapter struct {
	config  domain.LLMConfig
	baseURL string
	log     zerolog.Logger

	clientOnce sync.Once
	client     *http.Client
}

// NewAnthropicAdapter creates the adapter.
func NewAnthropicAdapter(config domain.LLMConfig, log zerolog.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		config:  config,
		baseURL: anthropicBaseURL,
		log:     log.With().Str("adapter", "anthropic").Str("model", config.ModelName).Logger(),
	}
}

func (a *AnthropicAdapter) ModelName() string    { return a.config.ModelName }
func (a *AnthropicAdapter) ModelVersion() string { return a.config.ModelID }
func (a *AnthropicAdapter) IsConfigured() bool   { return a.config.Configured() }

func (a *AnthropicAdapter) getClient() *http.Client {
	a.clientOnce.Do(func() {
		a.client = &http.Client{
			Timeout: a.config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return a.client
}

// Close releases idle connections.
func (a *AnthropicAdapter) Close() error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Evaluate sends the prompt through the Messages API.
func (a *AnthropicAdapter) Evaluate(ctx context.Context, prompt string) *Response {
	start := time.Now()

	if !a.IsConfigured() {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusInvalidConfig,
			"MISSING_API_KEY", "Anthropic API key not configured", 0)
	}

	reqBody := anthropicRequest{
		Model:     a.config.ModelID,
		MaxTokens: a.config.MaxTokens,
		System:    jsonSystemInstruction,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			"MARSHAL_ERROR", err.Error(), time.Since(start))
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			"REQUEST_ERROR", err.Error(), time.Since(start))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.getClient().Do(req)
	if err != nil {
		return classifyTransportError(a.ModelName(), a.ModelVersion(), err, time.Since(start))
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode == http.StatusTooManyRequests {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusRateLimited,
			"RATE_LIMITED", string(respBody), latency)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			fmt.Sprintf("HTTP_%d", resp.StatusCode), string(respBody), latency)
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			"DECODE_ERROR", err.Error(), latency)
	}
	if aResp.Error != nil {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			aResp.Error.Type, aResp.Error.Message, latency)
	}

	var raw string
	for _, block := range aResp.Content {
		if block.Type == "text" {
			raw += block.Text
		}
	}

	parsed, err := parseJSONResponse(raw)
	if err != nil {
		errResp := errorResponse(a.ModelName(), a.ModelVersion(), StatusSchemaError,
			"JSON_PARSE_ERROR", err.Error(), latency)
		errResp.RawText = raw
		return errResp
	}

	a.log.Info().
		Str("model_id", a.config.ModelID).
		Int64("latency_ms", latency.Milliseconds()).
		Int("tokens_in", aResp.Usage.InputTokens).
		Int("tokens_out", aResp.Usage.OutputTokens).
		Msg("Evaluation complete")

	return successResponse(a.ModelName(), a.ModelVersion(), parsed, raw, latency,
		aResp.Usage.InputTokens, aResp.Usage.OutputTokens)
}
