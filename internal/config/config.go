// Package config loads the CLI configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderEntry configures one backend.
type ProviderEntry struct {
	// APIKey, when set, bypasses the credential store for this provider.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Model overrides the default model.
	Model string `yaml:"model,omitempty"`

	// APIStyle selects the wire adapter: "anthropic", "openai", or
	// "openai-compatible".
	APIStyle string `yaml:"api_style,omitempty"`
}

// RetryConfig mirrors the turn loop's retry settings.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// AgentsConfig bounds the child agent pool.
type AgentsConfig struct {
	MaxThreads int `yaml:"max_threads"`
	MaxDepth   int `yaml:"max_depth"`
}

// Config is the root configuration document.
type Config struct {
	// Provider names the active backend.
	Provider string `yaml:"provider"`

	// Model is the default model ID.
	Model string `yaml:"model,omitempty"`

	// Providers holds per-backend overrides.
	Providers map[string]ProviderEntry `yaml:"providers,omitempty"`

	// TrustMode: off, session, project, always.
	TrustMode string `yaml:"trust_mode"`

	// Sandbox: off, workspace, read_only.
	Sandbox string `yaml:"sandbox"`

	MaxSteps         int     `yaml:"max_steps"`
	AutoCompactRatio float64 `yaml:"auto_compact_ratio"`
	ThinkingEnabled  bool    `yaml:"thinking_enabled"`
	ThinkingBudget   int     `yaml:"thinking_budget"`
	RoutingEnabled   bool    `yaml:"routing_enabled"`

	Retry  RetryConfig  `yaml:"retry"`
	Agents AgentsConfig `yaml:"agents"`

	// DataDir overrides where sessions, memory, and credentials live.
	DataDir string `yaml:"data_dir,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Provider:         "anthropic",
		TrustMode:        "off",
		Sandbox:          "off",
		MaxSteps:         50,
		AutoCompactRatio: 0.80,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Agents: AgentsConfig{
			MaxThreads: 4,
			MaxDepth:   2,
		},
	}
}

// DefaultPath returns the user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "nyzhi", "config.yaml")
}

// Load reads the config file at path (DefaultPath when empty), merges it
// over the defaults, then applies environment overrides. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	content, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	sanitize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NYZHI_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("NYZHI_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("NYZHI_TRUST_MODE"); v != "" {
		cfg.TrustMode = v
	}
	if v := os.Getenv("NYZHI_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func sanitize(cfg *Config) {
	defaults := Default()
	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.AutoCompactRatio <= 0 {
		cfg.AutoCompactRatio = defaults.AutoCompactRatio
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if cfg.Agents.MaxThreads <= 0 {
		cfg.Agents.MaxThreads = defaults.Agents.MaxThreads
	}
	if cfg.Agents.MaxDepth <= 0 {
		cfg.Agents.MaxDepth = defaults.Agents.MaxDepth
	}
}

// Entry returns the overrides for a provider, if any.
func (c *Config) Entry(providerName string) (ProviderEntry, bool) {
	entry, ok := c.Providers[providerName]
	return entry, ok
}

// ResolvedDataDir returns the data directory, defaulting to the platform
// config dir.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "nyzhi")
}
