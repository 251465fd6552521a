package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sigmapilot/lens/internal/domain"
)

// GoogleAdapter evaluates prompts against Gemini models through the official
// generative-ai-go SDK, with JSON output enforced via the response MIME type
// and safety settings opened up for trading content.
type GoogleAdapter struct {
	config domain.LLMConfig
	log    zerolog.Logger

	mu     sync.Mutex
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGoogleAdapter creates the adapter. The SDK client is created lazily on
// the first call.
func NewGoogleAdapter(config domain.LLMConfig, log zerolog.Logger) *GoogleAdapter {
	return &GoogleAdapter{
		config: config,
		log:    log.With().Str("adapter", "google").Str("model", config.ModelName).Logger(),
	}
}

func (a *GoogleAdapter) ModelName() string    { return a.config.ModelName }
func (a *GoogleAdapter) ModelVersion() string { return a.config.ModelID }
func (a *GoogleAdapter) IsConfigured() bool   { return a.config.Configured() }

// getModel lazily initializes the SDK client and model handle. The client is
// bound to the process lifetime, not the request context.
func (a *GoogleAdapter) getModel() (*genai.GenerativeModel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model != nil {
		return a.model, nil
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(a.config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := client.GenerativeModel(a.config.ModelID)
	model.SetMaxOutputTokens(int32(a.config.MaxTokens))
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
	}

	a.client = client
	a.model = model
	return model, nil
}

// Close releases the SDK client.
func (a *GoogleAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		err := a.client.Close()
		a.client = nil
		a.model = nil
		return err
	}
	return nil
}

// Evaluate sends the prompt to Gemini.
func (a *GoogleAdapter) Evaluate(ctx context.Context, prompt string) *Response {
	start := time.Now()

	if !a.IsConfigured() {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusInvalidConfig,
			"MISSING_API_KEY", "Google AI API key not configured", 0)
	}

	model, err := a.getModel()
	if err != nil {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusInvalidConfig,
			"CLIENT_INIT_ERROR", err.Error(), time.Since(start))
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	resp, err := model.GenerateContent(reqCtx, genai.Text(prompt))
	latency := time.Since(start)
	if err != nil {
		return a.classifyError(err, latency)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			"NO_CANDIDATES", "response was blocked or empty", latency)
	}

	var raw string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			raw += string(text)
		}
	}

	tokensIn, tokensOut := 0, 0
	if resp.UsageMetadata != nil {
		tokensIn = int(resp.UsageMetadata.PromptTokenCount)
		tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
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
		Int("tokens_in", tokensIn).
		Int("tokens_out", tokensOut).
		Msg("Evaluation complete")

	return successResponse(a.ModelName(), a.ModelVersion(), parsed, raw, latency, tokensIn, tokensOut)
}

func (a *GoogleAdapter) classifyError(err error, latency time.Duration) *Response {
	if errors.Is(err, context.DeadlineExceeded) {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusTimeout,
			"TIMEOUT", fmt.Sprintf("request timed out after %dms", latency.Milliseconds()), latency)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return errorResponse(a.ModelName(), a.ModelVersion(), StatusRateLimited,
				"RATE_LIMITED", apiErr.Message, latency)
		}
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusAPIError,
			fmt.Sprintf("HTTP_%d", apiErr.Code), apiErr.Message, latency)
	}

	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "rate") || strings.Contains(msg, "429") {
		return errorResponse(a.ModelName(), a.ModelVersion(), StatusRateLimited,
			"RATE_LIMITED", msg, latency)
	}
	return errorResponse(a.ModelName(), a.ModelVersion(), StatusNetworkError,
		"CONNECTION_ERROR", msg, latency)
}
