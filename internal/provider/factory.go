package provider

import (
	"fmt"
	"net/http"
)

const (
	APIOpenAI    = "openai-completions"
	APIAnthropic = "anthropic-messages"
)

// Config mirrors config.LLMConfig to avoid an import cycle.
type Config struct {
	ID      string
	API     string
	BaseURL string
	APIKey  string
	Model   string
}

// FromConfig builds a Provider. The api field picks the wire format:
//   - "openai-completions"  -> OpenAI-compatible (OpenAI, Ollama, vLLM, ...)
//   - "anthropic-messages"  -> Anthropic Messages API
func FromConfig(cfg Config, client *http.Client) (Provider, error) {
	id := cfg.ID
	if id == "" {
		id = cfg.API
	}
	switch cfg.API {
	case APIOpenAI, "":
		return NewOpenAIProvider(id, cfg.BaseURL, cfg.APIKey, cfg.Model, client), nil
	case APIAnthropic:
		return NewAnthropicProvider(id, cfg.BaseURL, cfg.APIKey, cfg.Model, client), nil
	default:
		return nil, fmt.Errorf("unknown api type %q for provider %q (supported: %s, %s)",
			cfg.API, id, APIOpenAI, APIAnthropic)
	}
}
