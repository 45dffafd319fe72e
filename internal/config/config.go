// Package config loads quill configuration from defaults, a YAML file and
// QUILL_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/prompts/expand"
	"github.com/jackzampolin/quill/internal/providers"
	"github.com/jackzampolin/quill/internal/retry"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v      *viper.Viper
	logger *slog.Logger

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		logger:    slog.Default(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	if err := setDefaults(cm.v); err != nil {
		return err
	}

	// Environment variables with QUILL_ prefix: QUILL_PROVIDER_MODEL, QUILL_EXPAND_DEPTH
	cm.v.SetEnvPrefix("QUILL")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.quill")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf of DefaultConfig so that environment
// variables can override nested keys.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	setLeaves(v, "", tree)
	return nil
}

func setLeaves(v *viper.Viper, prefix string, node any) {
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			setLeaves(v, join(prefix, k), child)
		}
	case map[any]any:
		for k, child := range n {
			setLeaves(v, join(prefix, fmt.Sprint(k)), child)
		}
	default:
		v.SetDefault(prefix, n)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// SetLogger sets the logger used for reload warnings.
func (cm *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		cm.logger = logger
	}
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. It reports false
// when no config file is in use. A reloaded file that fails validation
// is ignored and the previous configuration stays current.
func (cm *Manager) WatchConfig() bool {
	if cm.v.ConfigFileUsed() == "" {
		return false
	}
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			cm.logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		cm.logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
	return true
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// Validate rejects values no run could use.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(providers.Types, c.Provider.Type) {
		errs = append(errs, fmt.Errorf("provider.type %q is not one of %v", c.Provider.Type, providers.Types))
	}
	if c.Provider.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("provider.rate_limit must not be negative"))
	}
	if !outline.IsSupported(c.Expand.Depth) {
		errs = append(errs, fmt.Errorf("expand.depth %d is not one of %v", c.Expand.Depth, outline.SupportedDepths))
	}
	if c.Expand.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("expand.concurrency must be at least 1, got %d", c.Expand.Concurrency))
	}
	if c.Expand.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("expand.timeout_seconds must not be negative"))
	}
	if c.Expand.MinWords < 1 || c.Expand.MaxWords < c.Expand.MinWords {
		errs = append(errs, fmt.Errorf("expand word range %d-%d is invalid", c.Expand.MinWords, c.Expand.MaxWords))
	}
	if c.Expand.MinContentLength < 0 {
		errs = append(errs, fmt.Errorf("expand.min_content_length must not be negative"))
	}
	if c.Expand.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("expand.failure_threshold must be at least 1, got %d", c.Expand.FailureThreshold))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", f))
	}
	return errors.Join(errs...)
}

// ClientConfig converts the provider section for providers.NewClient,
// resolving ${ENV_VAR} references in the API key.
func (c *Config) ClientConfig() providers.ClientConfig {
	return providers.ClientConfig{
		Type:    c.Provider.Type,
		Model:   c.Provider.Model,
		APIKey:  ResolveEnvVars(c.Provider.APIKey),
		BaseURL: c.Provider.BaseURL,
		Timeout: c.AttemptTimeout(),
	}
}

// Policy converts the retry section.
func (c *Config) Policy() retry.Policy {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	r := c.Retry
	return retry.Policy{
		MaxAttempts:       r.MaxAttempts,
		TimeoutAttempts:   r.TimeoutAttempts,
		RateLimitMin:      sec(r.RateLimitMin),
		RateLimitMax:      sec(r.RateLimitMax),
		BackoffBase:       sec(r.BackoffBase),
		BackoffCap:        sec(r.BackoffCap),
		TimeoutDelay:      sec(r.TimeoutDelay),
		InsufficientDelay: sec(r.InsufficientDelay),
		UnknownCap:        sec(r.UnknownCap),
	}
}

// ExpandOptions converts the request parameters.
func (c *Config) ExpandOptions() expand.Options {
	return expand.Options{
		Instructions: c.Expand.Instructions,
		MinWords:     c.Expand.MinWords,
		MaxWords:     c.Expand.MaxWords,
		Model:        c.Provider.Model,
		Temperature:  c.Provider.Temperature,
		MaxTokens:    c.Provider.MaxTokens,
	}
}

// AttemptTimeout returns the per-attempt timeout, never below MinAttemptTimeout.
func (c *Config) AttemptTimeout() time.Duration {
	d := time.Duration(c.Expand.TimeoutSeconds) * time.Second
	if d < MinAttemptTimeout {
		return MinAttemptTimeout
	}
	return d
}

// ProgressInterval returns the pause between progress log lines.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Expand.ProgressSeconds) * time.Second
}

// ParseLevel maps a log level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Quill configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENROUTER_API_KEY=xxx OPENAI_API_KEY=xxx
# Any key can be overridden from the environment: QUILL_EXPAND_CONCURRENCY=5

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
