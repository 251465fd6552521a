package evaluation

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
)

// Known model-to-provider mappings for the default model names. Nothing seeds
// llm_configs from this table; operators register models under any provider
// through the admin API.
var ModelProviders = map[string]string{
	"chatgpt":  "openai",
	"gemini":   "google",
	"claude":   "anthropic",
	"deepseek": "deepseek",
}

// NewAdapter constructs an adapter for a model configuration. Unknown
// providers fail here, at construction, never at call time.
func NewAdapter(config domain.LLMConfig, log zerolog.Logger) (Adapter, error) {
	switch config.Provider {
	case "openai":
		return NewOpenAIAdapter(config, log), nil
	case "google":
		return NewGoogleAdapter(config, log), nil
	case "anthropic":
		return NewAnthropicAdapter(config, log), nil
	case "deepseek":
		return NewDeepSeekAdapter(config, log), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s (supported: openai, google, anthropic, deepseek)", config.Provider)
	}
}
