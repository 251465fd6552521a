package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter evaluates prompts against OpenAI chat models using JSON mode
// for structured output.
type OpenAIAdapter struct {
	config  domain.LLMConfig
	baseURL string
	log     zerolog.Logger

	clientOnce sync.Once
	client     *http.Client
}

// NewOpenAIAdapter creates the adapter. The HTTP client is created lazily on
// the first call and reused.
func NewOpenAIAdapter(config domain.LLMConfig, log zerolog.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		config:  config,
		baseURL: openaiBaseURL,
		log:     log.With().Str("adapter", "openai").Str("model", config.ModelName).Logger(),
	}
}

func (a *OpenAIAdapter) ModelName() string    { return a.config.ModelName }
func (a *OpenAIAdapter) ModelVersion() string { return a.config.ModelID }
func (a *OpenAIAdapter) IsConfigured() bool   { return a.config.Configured() }

func (a *OpenAIAdapter) getClient() *http.Client {
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
func (a *OpenAIAdapter) Close() error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}

type openaiChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Evaluate sends the prompt through the chat completions API.
func (a *OpenAIAdapter) Evaluate(ctx context.Context, prompt string) *Response {
	return evaluateOpenAICompatible(ctx, a.getClient(), openAICompatibleCall{
		ModelName:    a.ModelName(),
		ModelVersion: a.ModelVersion(),
		Configured:   a.IsConfigured(),
		URL:          a.baseURL + "/chat/completions",
		APIKey:       a.config.APIKey,
		ModelID:      a.config.ModelID,
		MaxTokens:    a.config.MaxTokens,
		Timeout:      a.config.Timeout,
		JSONMode:     true,
		Prompt:       prompt,
		Log:          a.log,
	})
}

// openAICompatibleCall parameterizes one request against an OpenAI-style
// chat API (OpenAI itself and DeepSeek share the wire format).
type openAICompatibleCall struct {
	ModelName    string
	ModelVersion string
	Configured   bool
	URL          string
	APIKey       string
	ModelID      string
	MaxTokens    int
	Timeout      time.Duration
	JSONMode     bool
	Prompt       string
	Log          zerolog.Logger
}

func evaluateOpenAICompatible(ctx context.Context, client *http.Client, call openAICompatibleCall) *Response {
	start := time.Now()

	if !call.Configured {
		return errorResponse(call.ModelName, call.ModelVersion, StatusInvalidConfig,
			"MISSING_API_KEY", "API key not configured", 0)
	}

	reqBody := openaiChatRequest{
		Model: call.ModelID,
		Messages: []openaiMessage{
			{Role: "system", Content: jsonSystemInstruction},
			{Role: "user", Content: call.Prompt},
		},
		MaxTokens:   call.MaxTokens,
		Temperature: 0.1,
	}
	if call.JSONMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return errorResponse(call.ModelName, call.ModelVersion, StatusAPIError,
			"MARSHAL_ERROR", err.Error(), time.Since(start))
	}

	reqCtx, cancel := context.WithTimeout(ctx, call.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, call.URL, bytes.NewReader(body))
	if err != nil {
		return errorResponse(call.ModelName, call.ModelVersion, StatusAPIError,
			"REQUEST_ERROR", err.Error(), time.Since(start))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+call.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(call.ModelName, call.ModelVersion, err, time.Since(start))
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode == http.StatusTooManyRequests {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errorResponse(call.ModelName, call.ModelVersion, StatusRateLimited,
			"RATE_LIMITED", string(respBody), latency)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errorResponse(call.ModelName, call.ModelVersion, StatusAPIError,
			fmt.Sprintf("HTTP_%d", resp.StatusCode), string(respBody), latency)
	}

	var chatResp openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return errorResponse(call.ModelName, call.ModelVersion, StatusAPIError,
			"DECODE_ERROR", err.Error(), latency)
	}
	if chatResp.Error != nil {
		return errorResponse(call.ModelName, call.ModelVersion, StatusAPIError,
			chatResp.Error.Type, chatResp.Error.Message, latency)
	}
	if len(chatResp.Choices) == 0 {
		return errorResponse(call.ModelName, call.ModelVersion, StatusAPIError,
			"NO_CHOICES", "response contained no choices", latency)
	}

	raw := chatResp.Choices[0].Message.Content
	parsed, err := parseJSONResponse(raw)
	if err != nil {
		resp := errorResponse(call.ModelName, call.ModelVersion, StatusSchemaError,
			"JSON_PARSE_ERROR", err.Error(), latency)
		resp.RawText = raw
		return resp
	}

	call.Log.Info().
		Str("model_id", call.ModelID).
		Int64("latency_ms", latency.Milliseconds()).
		Int("tokens_in", chatResp.Usage.PromptTokens).
		Int("tokens_out", chatResp.Usage.CompletionTokens).
		Msg("Evaluation complete")

	return successResponse(call.ModelName, call.ModelVersion, parsed, raw, latency,
		chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)
}

// classifyTransportError distinguishes timeouts from connectivity failures.
func classifyTransportError(modelName, modelVersion string, err error, latency time.Duration) *Response {
	if errors.Is(err, context.DeadlineExceeded) {
		return errorResponse(modelName, modelVersion, StatusTimeout,
			"TIMEOUT", fmt.Sprintf("request timed out after %dms", latency.Milliseconds()), latency)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errorResponse(modelName, modelVersion, StatusTimeout,
			"TIMEOUT", err.Error(), latency)
	}
	return errorResponse(modelName, modelVersion, StatusNetworkError,
		"CONNECTION_ERROR", err.Error(), latency)
}
