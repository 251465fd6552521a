package evaluation

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekAdapter evaluates prompts against DeepSeek models. The API is
// OpenAI-compatible, including JSON mode, so the request path is shared.
type DeepSeekAdapter struct {
	config  domain.LLMConfig
	baseURL string
	log     zerolog.Logger

	clientOnce sync.Once
	client     *http.Client
}

// NewDeepSeekAdapter creates the adapter.
func NewDeepSeekAdapter(config domain.LLMConfig, log zerolog.Logger) *DeepSeekAdapter {
	return &DeepSeekAdapter{
		config:  config,
		baseURL: deepseekBaseURL,
		log:     log.With().Str("adapter", "deepseek").Str("model", config.ModelName).Logger(),
	}
}

func (a *DeepSeekAdapter) ModelName() string    { return a.config.ModelName }
func (a *DeepSeekAdapter) ModelVersion() string { return a.config.ModelID }
func (a *DeepSeekAdapter) IsConfigured() bool   { return a.config.Configured() }

func (a *DeepSeekAdapter) getClient() *http.Client {
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
func (a *DeepSeekAdapter) Close() error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}

// Evaluate sends the prompt through DeepSeek's chat completions API.
func (a *DeepSeekAdapter) Evaluate(ctx context.Context, prompt string) *Response {
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
