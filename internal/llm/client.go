package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/scholar/internal/config"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools are OpenAI-format definitions (see ToolDefinition).
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// New builds the client for cfg. The configured provider serves
// cfg.Model and any model it cannot place elsewhere; the other providers
// are registered when their credentials are present so a per-query
// model override can reach them.
func New(cfg config.LLMConfig, getenv func(string) string, logger *slog.Logger) (*MultiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := Options{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}

	build := func(provider, baseURL, apiKey string) (Client, error) {
		switch provider {
		case "openai":
			if apiKey == "" {
				return nil, fmt.Errorf("openai: no API key (set llm.api_key or OPENAI_API_KEY)")
			}
			return NewOpenAIClient(baseURL, apiKey, opts, logger), nil
		case "anthropic":
			if apiKey == "" {
				return nil, fmt.Errorf("anthropic: no API key (set llm.api_key or ANTHROPIC_API_KEY)")
			}
			return NewAnthropicClient(baseURL, apiKey, opts, logger), nil
		case "ollama":
			return NewOllamaClient(baseURL, opts, logger), nil
		default:
			return nil, fmt.Errorf("unknown LLM provider %q", provider)
		}
	}

	primary, err := build(cfg.Provider, cfg.BaseURL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	multi := NewMultiClient(primary)
	multi.AddProvider(cfg.Provider, primary)
	multi.AddModel(cfg.Model, cfg.Provider)

	if getenv != nil {
		extras := map[string]string{
			"openai":    getenv("OPENAI_API_KEY"),
			"anthropic": getenv("ANTHROPIC_API_KEY"),
		}
		for provider, key := range extras {
			if provider == cfg.Provider || key == "" {
				continue
			}
			if c, err := build(provider, "", key); err == nil {
				multi.AddProvider(provider, c)
			}
		}
	}
	return multi, nil
}

// ProviderForModel guesses the provider of a model from its name.
// Unrecognized names return "".
func ProviderForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude-"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.Contains(m, ":"):
		return "ollama"
	}
	return ""
}
