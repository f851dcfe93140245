// Package config provides configuration loading for tacit.
//
// Configuration is read from an optional YAML file and overridden by
// TACIT_-prefixed environment variables. Sections owned by other packages
// (logging, telemetry) are decoded on demand with Config.Unmarshal.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete tacit configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	GitHub     GitHubConfig     `koanf:"github"`
	Agent      AgentConfig      `koanf:"agent"`
	Similarity SimilarityConfig `koanf:"similarity"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Events     EventsConfig     `koanf:"events"`
	Redaction  RedactionConfig  `koanf:"redaction"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the relational store location.
type StoreConfig struct {
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// GitHubConfig holds code-host credentials.
type GitHubConfig struct {
	Token         Secret `koanf:"token"`
	WebhookSecret Secret `koanf:"webhook_secret"`
	BaseURL       string `koanf:"base_url"`
}

// AgentConfig selects and configures the reasoning collaborator.
type AgentConfig struct {
	Provider  string   `koanf:"provider"` // anthropic, openai, noop
	APIKey    Secret   `koanf:"api_key"`
	Model     string   `koanf:"model"`
	BaseURL   string   `koanf:"base_url"`
	MaxTokens int      `koanf:"max_tokens"`
	Timeout   Duration `koanf:"timeout"`
	MaxTurns  int      `koanf:"max_turns"`
}

// SimilarityConfig selects the semantic comparer used before the
// character-sequence fallback.
type SimilarityConfig struct {
	Comparer       string   `koanf:"comparer"` // agent, embedding, none
	Timeout        Duration `koanf:"timeout"`
	EmbeddingModel string   `koanf:"embedding_model"`
}

// ExtractionConfig holds pipeline and incremental extraction tunables.
type ExtractionConfig struct {
	MaxItems             int     `koanf:"max_items"`
	Concurrency          int     `koanf:"concurrency"`
	AutoApproveThreshold float64 `koanf:"auto_approve_threshold"`
	DuplicateThreshold   float64 `koanf:"duplicate_threshold"`
	LogsDir              string  `koanf:"logs_dir"`
}

// EventsConfig controls the progress-event broadcast.
type EventsConfig struct {
	NATSURL  string `koanf:"nats_url"`
	Embedded bool   `koanf:"embedded"`
}

// RedactionConfig controls secret scrubbing of host text and excerpts.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Events:    EventsConfig{Embedded: true},
		Redaction: RedactionConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// Unmarshal decodes the named section of the loaded sources into out.
// Fields of out that have no corresponding key keep their current values,
// so callers pass a pre-populated default.
func (c *Config) Unmarshal(section string, out interface{}) error {
	if c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(section, out); err != nil {
		return fmt.Errorf("decoding %s section: %w", section, err)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	switch c.Agent.Provider {
	case "anthropic", "openai":
		if !c.Agent.APIKey.IsSet() {
			return fmt.Errorf("agent provider %q requires an api key", c.Agent.Provider)
		}
	case "noop":
	default:
		return fmt.Errorf("unknown agent provider %q", c.Agent.Provider)
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent max_turns must be >= 1, got %d", c.Agent.MaxTurns)
	}
	switch c.Similarity.Comparer {
	case "agent", "embedding", "none":
	default:
		return fmt.Errorf("unknown similarity comparer %q", c.Similarity.Comparer)
	}
	if c.Extraction.Concurrency < 1 {
		return fmt.Errorf("extraction concurrency must be >= 1, got %d", c.Extraction.Concurrency)
	}
	if c.Extraction.MaxItems < 1 {
		return fmt.Errorf("extraction max_items must be >= 1, got %d", c.Extraction.MaxItems)
	}
	for name, v := range map[string]float64{
		"auto_approve_threshold": c.Extraction.AutoApproveThreshold,
		"duplicate_threshold":    c.Extraction.DuplicateThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("extraction %s must be within [0,1], got %v", name, v)
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tacit.db"
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = Duration(5 * time.Second)
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "noop"
	}
	if cfg.Agent.Model == "" {
		switch cfg.Agent.Provider {
		case "openai":
			cfg.Agent.Model = "gpt-4o-mini"
		default:
			cfg.Agent.Model = "claude-sonnet-4-20250514"
		}
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(120 * time.Second)
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 20
	}

	if cfg.Similarity.Comparer == "" {
		cfg.Similarity.Comparer = "agent"
	}
	if cfg.Similarity.Timeout == 0 {
		cfg.Similarity.Timeout = Duration(10 * time.Second)
	}
	if cfg.Similarity.EmbeddingModel == "" {
		cfg.Similarity.EmbeddingModel = "text-embedding-3-small"
	}

	if cfg.Extraction.MaxItems == 0 {
		cfg.Extraction.MaxItems = 10
	}
	if cfg.Extraction.Concurrency == 0 {
		cfg.Extraction.Concurrency = 3
	}
	if cfg.Extraction.AutoApproveThreshold == 0 {
		cfg.Extraction.AutoApproveThreshold = 0.85
	}
	if cfg.Extraction.DuplicateThreshold == 0 {
		cfg.Extraction.DuplicateThreshold = 0.70
	}
}
