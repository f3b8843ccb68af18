package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. It is used for per-member scoring detail
// and is almost always filtered.
const TraceLevel = zapcore.Level(-2)

// Config holds logging configuration.
type Config struct {
	Level     string            `koanf:"level" json:"level"`
	Format    string            `koanf:"format" json:"format"`
	Output    OutputConfig      `koanf:"output" json:"output"`
	Sampling  SamplingConfig    `koanf:"sampling" json:"sampling"`
	Caller    bool              `koanf:"caller" json:"caller"`
	Fields    map[string]string `koanf:"fields" json:"fields,omitempty"`
	Redaction RedactionConfig   `koanf:"redaction" json:"redaction"`
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool `koanf:"stdout" json:"stdout"`
	// Stderr redirects console output, for stdio transports that own stdout.
	Stderr bool `koanf:"stderr" json:"stderr"`
	OTEL   bool `koanf:"otel" json:"otel"`
}

// SamplingConfig limits volume below Error. Levels maps a level name
// (trace, debug, info, warn) to its per-tick budget.
type SamplingConfig struct {
	Enabled bool                   `koanf:"enabled" json:"enabled"`
	Tick    time.Duration          `koanf:"tick" json:"tick"`
	Levels  map[string]LevelBudget `koanf:"levels" json:"levels,omitempty"`
}

// LevelBudget logs the first Initial entries with the same message per
// tick, then every Thereafter-th. Thereafter 0 drops the rest.
type LevelBudget struct {
	Initial    int `koanf:"initial" json:"initial"`
	Thereafter int `koanf:"thereafter" json:"thereafter"`
}

// RedactionConfig lists field names whose values are never written.
type RedactionConfig struct {
	Enabled bool     `koanf:"enabled" json:"enabled"`
	Fields  []string `koanf:"fields" json:"fields,omitempty"`
}

// NewDefaultConfig returns JSON to stdout at info with sampling on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    time.Second,
			Levels:  DefaultLevelBudgets(),
		},
		Caller: true,
		Fields: map[string]string{"service": "braidd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields:  []string{"api_key", "authorization", "token", "password", "secret"},
		},
	}
}

// DefaultLevelBudgets returns the default per-level sampling budgets.
func DefaultLevelBudgets() map[string]LevelBudget {
	return map[string]LevelBudget{
		"trace": {Initial: 1},
		"debug": {Initial: 10},
		"info":  {Initial: 100, Thereafter: 10},
		"warn":  {Initial: 100, Thereafter: 100},
	}
}

// ParseLevel parses a level name, accepting "trace".
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Validate checks the config.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.Stderr && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		for name, b := range c.Sampling.Levels {
			lvl, err := ParseLevel(name)
			if err != nil {
				return fmt.Errorf("sampling level %q: %w", name, err)
			}
			if lvl >= zapcore.ErrorLevel {
				return fmt.Errorf("sampling level %q: error and above are never sampled", name)
			}
			if b.Initial < 0 || b.Thereafter < 0 {
				return fmt.Errorf("sampling level %q: budgets cannot be negative", name)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
