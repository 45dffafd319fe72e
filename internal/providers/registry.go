package providers

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownProvider is returned for unrecognized provider types.
	ErrUnknownProvider = errors.New("unknown provider type")
	// ErrMissingAPIKey is returned when a remote provider has no key.
	ErrMissingAPIKey = errors.New("missing API key")
)

// Types lists the provider types NewClient accepts.
var Types = []string{OpenRouterName, OpenAIName, MockClientName}

// ClientConfig describes the completion service to instantiate.
// APIKey must already be resolved from any ${ENV} reference.
type ClientConfig struct {
	Type    string // "openrouter", "openai", "mock"
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewClient creates an LLM client based on provider type.
func NewClient(cfg ClientConfig) (LLMClient, error) {
	switch cfg.Type {
	case OpenRouterName, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, OpenRouterName)
		}
		return NewOpenRouterClient(OpenRouterConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
		}), nil
	case OpenAIName:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, OpenAIName)
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
		}), nil
	case MockClientName:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownProvider, cfg.Type, Types)
	}
}
