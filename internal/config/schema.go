package config

import (
	"time"

	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/providers"
)

// MinAttemptTimeout is the floor applied to the per-attempt timeout.
// Long-form generation routinely takes over a minute.
const MinAttemptTimeout = 120 * time.Second

// Config holds quill configuration.
// Stored at: ./config.yaml or $HOME/.quill/config.yaml
type Config struct {
	Provider ProviderCfg `mapstructure:"provider" yaml:"provider"`
	Expand   ExpandCfg   `mapstructure:"expand" yaml:"expand"`
	Retry    RetryCfg    `mapstructure:"retry" yaml:"retry"`
	Output   OutputCfg   `mapstructure:"output" yaml:"output"`
	Log      LogCfg      `mapstructure:"log" yaml:"log"`
}

// ProviderCfg configures the completion service.
type ProviderCfg struct {
	Type        string  `mapstructure:"type" yaml:"type"`         // "openrouter", "openai", "mock"
	Model       string  `mapstructure:"model" yaml:"model"`       // Model name
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`   // API key (supports ${ENV_VAR} syntax)
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"` // Empty uses the provider default
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   int     `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
}

// ExpandCfg configures scheduling and the generation request.
type ExpandCfg struct {
	Depth            int    `mapstructure:"depth" yaml:"depth"` // 5 or 6, one more than the path components
	Concurrency      int    `mapstructure:"concurrency" yaml:"concurrency"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"` // Per attempt, floor 120
	MinWords         int    `mapstructure:"min_words" yaml:"min_words"`
	MaxWords         int    `mapstructure:"max_words" yaml:"max_words"`
	MinContentLength int    `mapstructure:"min_content_length" yaml:"min_content_length"` // Characters
	FailureThreshold int    `mapstructure:"failure_threshold" yaml:"failure_threshold"`   // Consecutive exhausted sections
	Instructions     string `mapstructure:"instructions" yaml:"instructions"`
	PromptsDir       string `mapstructure:"prompts_dir" yaml:"prompts_dir"` // {key}.tmpl overrides
	ProgressSeconds  int    `mapstructure:"progress_seconds" yaml:"progress_seconds"`
}

// RetryCfg configures the per-classification retry policy. Delays are in seconds.
type RetryCfg struct {
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	TimeoutAttempts   int `mapstructure:"timeout_attempts" yaml:"timeout_attempts"`
	RateLimitMin      int `mapstructure:"rate_limit_min" yaml:"rate_limit_min"`
	RateLimitMax      int `mapstructure:"rate_limit_max" yaml:"rate_limit_max"`
	BackoffBase       int `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap        int `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	TimeoutDelay      int `mapstructure:"timeout_delay" yaml:"timeout_delay"`
	InsufficientDelay int `mapstructure:"insufficient_delay" yaml:"insufficient_delay"`
	UnknownCap        int `mapstructure:"unknown_cap" yaml:"unknown_cap"`
}

// OutputCfg locates run output.
type OutputCfg struct {
	// Dir overrides the default {source dir}/{name}_expanded.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LogCfg configures the CLI logger.
type LogCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderCfg{
			Type:        providers.OpenRouterName,
			Model:       "anthropic/claude-sonnet-4",
			APIKey:      "${OPENROUTER_API_KEY}",
			Temperature: 0.7,
			MaxTokens:   16000,
			RateLimit:   providers.DefaultRequestsPerMinute,
		},
		Expand: ExpandCfg{
			Depth:            outline.DefaultDepth,
			Concurrency:      3,
			TimeoutSeconds:   180,
			MinWords:         3000,
			MaxWords:         4000,
			MinContentLength: 1000,
			FailureThreshold: 3,
			ProgressSeconds:  30,
		},
		Retry: RetryCfg{
			MaxAttempts:       5,
			TimeoutAttempts:   3,
			RateLimitMin:      30,
			RateLimitMax:      45,
			BackoffBase:       5,
			BackoffCap:        120,
			TimeoutDelay:      15,
			InsufficientDelay: 2,
			UnknownCap:        60,
		},
		Log: LogCfg{
			Level:  "info",
			Format: "text",
		},
	}
}
