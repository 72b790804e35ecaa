// Package config loads the runtime configuration from YAML with
// environment variable expansion for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Agent   AgentConfig   `yaml:"agent"`
	Journal JournalConfig `yaml:"journal"`
	Log     LogConfig     `yaml:"log"`
	Trace   TraceConfig   `yaml:"trace"`
}

// ModelConfig selects the provider and model.
type ModelConfig struct {
	// Provider is "openai" or "anthropic".
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`

	// APIKey supports ${ENV_VAR} expansion.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	MaxContextTokens int `yaml:"max_context_tokens"`
	MaxOutputTokens  int `yaml:"max_output_tokens"`
}

// AgentConfig controls loop behaviour.
type AgentConfig struct {
	// MaxTurns: 0 disables chat, -1 is unlimited (safety-capped).
	MaxTurns       int    `yaml:"max_turns"`
	YoloMode       bool   `yaml:"yolo_mode"`
	PermissionMode string `yaml:"permission_mode"`
	SystemPrompt   string `yaml:"system_prompt"`

	// CompactionKeepRecent messages survive compaction verbatim.
	CompactionKeepRecent int `yaml:"compaction_keep_recent"`
}

// JournalConfig selects the persistence backend.
type JournalConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LogConfig mirrors observability.LogConfig in YAML form.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig enables OTLP trace export. An empty endpoint disables it.
type TraceConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: "openai",
			Name:     "gpt-4o",
			APIKey:   "${OPENAI_API_KEY}",
		},
		Agent: AgentConfig{
			MaxTurns:       25,
			PermissionMode: "default",
		},
		Journal: JournalConfig{
			Backend: "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, expands, and validates the configuration at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Model.APIKey = os.ExpandEnv(cfg.Model.APIKey)
	cfg.Model.BaseURL = os.ExpandEnv(cfg.Model.BaseURL)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Agent.MaxTurns < -1 {
		return fmt.Errorf("max_turns must be >= -1, got %d", c.Agent.MaxTurns)
	}
	switch c.Journal.Backend {
	case "sqlite":
		if c.Journal.Path == "" {
			return fmt.Errorf("journal path is required for the sqlite backend")
		}
	case "memory", "":
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}
	return nil
}
