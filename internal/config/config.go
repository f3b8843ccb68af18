// Package config loads the braidd daemon configuration.
//
// Values come from defaults, then an optional YAML file, then BRAIDD_*
// environment variables. Sections embed the configuration types of the
// packages they configure, so the YAML layout mirrors the koanf tags
// declared there.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/logging"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/resonance"
	"github.com/fyrsmithlabs/braidd/internal/strand"
	"github.com/fyrsmithlabs/braidd/internal/synthesis"
	"github.com/fyrsmithlabs/braidd/internal/telemetry"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds the complete braidd configuration.
type Config struct {
	Server        ServerConfig       `koanf:"server" json:"server"`
	Store         StoreConfig        `koanf:"store" json:"store"`
	Learning      LearningConfig     `koanf:"learning" json:"learning"`
	Resonance     resonance.Config   `koanf:"resonance" json:"resonance"`
	Synthesis     SynthesisConfig    `koanf:"synthesis" json:"synthesis"`
	Subscriptions SubscriptionConfig `koanf:"subscriptions" json:"subscriptions"`
	NATS          NATSConfig         `koanf:"nats" json:"nats"`
	Logging       logging.Config     `koanf:"logging" json:"logging"`
	Observability telemetry.Config   `koanf:"observability" json:"observability"`
}

// SynthesisConfig carries the synthesizer settings with the provider
// credential held as a Secret.
type SynthesisConfig struct {
	synthesis.Config `koanf:",squash"`
	APIKey           Secret `koanf:"api_key" json:"api_key"`
}

// Resolve returns the synthesizer configuration with the credential set.
func (s SynthesisConfig) Resolve() synthesis.Config {
	cfg := s.Config
	cfg.APIKey = s.APIKey.Value()
	return cfg
}

// Validate checks the resolved configuration.
func (s SynthesisConfig) Validate() error {
	return s.Resolve().Validate()
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string   `koanf:"host" json:"host"`
	Port            int      `koanf:"http_port" json:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
	// MCP enables the tool server on stdio instead of serving HTTP only.
	MCP bool `koanf:"mcp" json:"mcp"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `koanf:"driver" json:"driver"`
	Path   string `koanf:"path" json:"path"`
}

// KindConfig configures one strand kind.
type KindConfig struct {
	// Outcome overrides the default outcome attributes for the kind.
	Outcome *clustering.Outcome `koanf:"outcome" json:"outcome,omitempty"`

	// Attributes declares the kind's schema. Empty means self-described.
	Attributes map[string]strand.AttrSpec `koanf:"attributes" json:"attributes,omitempty"`

	// Thresholds overrides the default promotion thresholds.
	Thresholds *promotion.KindThresholds `koanf:"thresholds" json:"thresholds,omitempty"`
}

// AdaptiveConfig enables the adaptive threshold controller.
type AdaptiveConfig struct {
	Enabled                  bool `koanf:"enabled" json:"enabled"`
	Window                   int  `koanf:"window" json:"window"`
	promotion.AdaptiveConfig `koanf:",squash"`
}

// LearningConfig configures clustering, promotion and re-evaluation.
type LearningConfig struct {
	MaxLevel     int                    `koanf:"max_level" json:"max_level"`
	Dimensions   []clustering.Dimension `koanf:"dimensions" json:"dimensions"`
	Outcome      clustering.Outcome     `koanf:"outcome" json:"outcome"`
	Kinds        map[string]KindConfig  `koanf:"kinds" json:"kinds,omitempty"`
	Thresholds   promotion.Thresholds   `koanf:"thresholds" json:"thresholds"`
	Adaptive     AdaptiveConfig         `koanf:"adaptive" json:"adaptive"`
	Promotion    promotion.Config       `koanf:"promotion" json:"promotion"`
	TickInterval Duration               `koanf:"tick_interval" json:"tick_interval"`
	TickTimeout  Duration               `koanf:"tick_timeout" json:"tick_timeout"`
}

// Schemas returns the declared kind schemas.
func (l LearningConfig) Schemas() strand.Schemas {
	out := make(strand.Schemas)
	for kind, kc := range l.Kinds {
		if len(kc.Attributes) > 0 {
			out[kind] = strand.KindSchema{Kind: kind, Attributes: kc.Attributes}
		}
	}
	return out
}

// KindOutcomes returns per-kind outcome overrides.
func (l LearningConfig) KindOutcomes() map[string]clustering.Outcome {
	out := make(map[string]clustering.Outcome)
	for kind, kc := range l.Kinds {
		if kc.Outcome != nil {
			out[kind] = *kc.Outcome
		}
	}
	return out
}

// KindThresholds returns per-kind threshold overrides.
func (l LearningConfig) KindThresholds() map[string]promotion.KindThresholds {
	out := make(map[string]promotion.KindThresholds)
	for kind, kc := range l.Kinds {
		if kc.Thresholds != nil {
			out[kind] = *kc.Thresholds
		}
	}
	return out
}

// SubscriptionConfig locates the subscription registry file.
type SubscriptionConfig struct {
	Path     string   `koanf:"path" json:"path"`
	Watch    bool     `koanf:"watch" json:"watch"`
	Debounce Duration `koanf:"debounce" json:"debounce"`
}

// NATSConfig configures event publication. With Embedded set, the daemon
// runs an in-process server and URL is ignored.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled" json:"enabled"`
	URL           string `koanf:"url" json:"url"`
	Embedded      bool   `koanf:"embedded" json:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix" json:"subject_prefix"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{Driver: StoreMemory},
		Learning: LearningConfig{
			MaxLevel:   3,
			Outcome:    clustering.Outcome{SuccessAttribute: "success"},
			Thresholds: promotion.DefaultThresholds(),
			Adaptive: AdaptiveConfig{
				Window:         20,
				AdaptiveConfig: promotion.DefaultAdaptiveConfig(),
			},
			Promotion:    promotion.DefaultConfig(),
			TickInterval: Duration(time.Minute),
			TickTimeout:  Duration(5 * time.Minute),
		},
		Resonance: resonance.DefaultConfig(),
		Synthesis: SynthesisConfig{Config: synthesis.DefaultConfig()},
		Subscriptions: SubscriptionConfig{
			Watch:    true,
			Debounce: Duration(250 * time.Millisecond),
		},
		NATS:          NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "braidd"},
		Logging:       *logging.NewDefaultConfig(),
		Observability: *telemetry.NewDefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store.Driver))
	}
	if err := c.Learning.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Resonance.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resonance: %w", err))
	}
	if err := c.Synthesis.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("synthesis: %w", err))
	}
	if c.Subscriptions.Path == "" {
		errs = append(errs, errors.New("subscriptions.path is required"))
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required unless nats.embedded is set"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}
	return errors.Join(errs...)
}

func (l LearningConfig) validate() error {
	if l.MaxLevel < 1 {
		return fmt.Errorf("learning.max_level must be at least 1, got %d", l.MaxLevel)
	}
	if len(l.Dimensions) == 0 {
		return errors.New("learning.dimensions must declare at least one dimension")
	}
	if _, err := clustering.NewEngine(l.Dimensions, l.Outcome, nil); err != nil {
		return fmt.Errorf("learning.dimensions: %w", err)
	}
	if _, err := promotion.NewStaticPolicy(l.Thresholds, l.KindThresholds()); err != nil {
		return fmt.Errorf("learning.thresholds: %w", err)
	}
	for kind, kc := range l.Kinds {
		for name, spec := range kc.Attributes {
			if !spec.Type.Valid() {
				return fmt.Errorf("learning.kinds.%s.attributes.%s: unknown type %q", kind, name, spec.Type)
			}
		}
	}
	if l.Promotion.MaxAttempts < 1 || l.Promotion.Workers < 1 {
		return errors.New("learning.promotion.max_attempts and workers must be at least 1")
	}
	if l.TickInterval <= 0 {
		return errors.New("learning.tick_interval must be positive")
	}
	return nil
}
