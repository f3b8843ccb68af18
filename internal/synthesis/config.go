package synthesis

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout            = 30 * time.Second
	defaultRateLimit          = 2.0
	defaultBurst              = 2
	defaultMaxRepresentatives = 5
	defaultMaxPayloadBytes    = 512
	defaultMaxPromptBytes     = 16 * 1024
	defaultMaxTokens          = 1024
	defaultTemperature        = 0.3
)

// Provider names.
const (
	ProviderOffline   = "offline"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// Config configures the synthesizer.
type Config struct {
	// Provider selects the backend: offline, openai, ollama or anthropic.
	Provider string `koanf:"provider" json:"provider"`
	Model    string `koanf:"model" json:"model"`
	BaseURL  string `koanf:"base_url" json:"base_url"`

	// APIKey is set by the caller from a redacting config value.
	APIKey string `koanf:"-" json:"-"`

	Timeout     time.Duration `koanf:"timeout" json:"timeout"`
	RateLimit   float64       `koanf:"rate_limit" json:"rate_limit"`
	Burst       int           `koanf:"burst" json:"burst"`
	MaxTokens   int           `koanf:"max_tokens" json:"max_tokens"`
	Temperature float64       `koanf:"temperature" json:"temperature"`

	// MaxRepresentatives bounds the member payloads included in a prompt.
	MaxRepresentatives int `koanf:"max_representatives" json:"max_representatives"`

	// MaxPayloadBytes truncates each representative payload.
	MaxPayloadBytes int `koanf:"max_payload_bytes" json:"max_payload_bytes"`

	// MaxPromptBytes bounds the rendered prompt.
	MaxPromptBytes int `koanf:"max_prompt_bytes" json:"max_prompt_bytes"`

	// Templates maps a kind to a text/template overriding DefaultTemplate.
	Templates map[string]string `koanf:"templates" json:"templates,omitempty"`
}

// DefaultConfig returns an offline configuration.
func DefaultConfig() Config {
	return Config{
		Provider:           ProviderOffline,
		Timeout:            defaultTimeout,
		RateLimit:          defaultRateLimit,
		Burst:              defaultBurst,
		MaxTokens:          defaultMaxTokens,
		Temperature:        defaultTemperature,
		MaxRepresentatives: defaultMaxRepresentatives,
		MaxPayloadBytes:    defaultMaxPayloadBytes,
		MaxPromptBytes:     defaultMaxPromptBytes,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderOffline, ProviderOllama:
	case ProviderOpenAI, ProviderAnthropic:
		if c.APIKey == "" {
			return fmt.Errorf("%s provider requires an api_key", c.Provider)
		}
		if c.Provider == ProviderAnthropic && c.BaseURL != "" {
			return fmt.Errorf("%w: base_url is not supported by the anthropic provider", ErrUnsupportedOption)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}
	if c.Timeout < 0 || c.MaxRepresentatives < 0 || c.MaxPayloadBytes < 0 || c.MaxPromptBytes < 0 {
		return fmt.Errorf("synthesis limits cannot be negative")
	}
	return nil
}

// New builds the Synthesizer selected by cfg.
func New(cfg Config, logger *zap.Logger) (Synthesizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Provider == ProviderOffline {
		logger.Info("using offline synthesizer")
		return NewOffline(), nil
	}
	client, err := NewLangChainClient(cfg)
	if err != nil {
		return nil, err
	}
	prompts, err := NewPromptBuilder(cfg.Templates, cfg.MaxPromptBytes)
	if err != nil {
		return nil, err
	}
	logger.Info("using llm synthesizer",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
	return NewAdapter(client, prompts,
		WithTimeout(cfg.Timeout),
		WithRateLimit(cfg.RateLimit, cfg.Burst),
		WithLogger(logger))
}
