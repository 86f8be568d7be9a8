// Package agent implements the streaming turn loop: the reason/act cycle
// that interleaves model output, tool dispatch, approval gating, retries,
// and context compaction.
package agent

import (
	"time"

	"github.com/nyzhi-com/nyzhi/internal/backoff"
)

// RetrySettings bounds the provider retry loop.
type RetrySettings struct {
	// MaxRetries is the retry budget per stream attempt. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay seeds the exponential backoff. Default: 1s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Policy returns the backoff policy for these settings.
func (r RetrySettings) Policy() backoff.Policy {
	return backoff.Policy{Base: r.BaseDelay, Max: r.MaxDelay}
}

// Config configures one agent's turn loop.
type Config struct {
	// Name labels the agent in logs.
	Name string `yaml:"name"`

	// Model is the model ID sent to the provider; empty uses the
	// provider default.
	Model string `yaml:"model"`

	// SystemPrompt is the fully composed system prompt.
	SystemPrompt string `yaml:"-"`

	// MaxSteps bounds stream→dispatch iterations per turn. Default: 50.
	MaxSteps int `yaml:"max_steps"`

	// MaxTokens caps each model response. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// ContextWindow is the active model's window for compaction math.
	// Zero disables auto-compaction.
	ContextWindow int `yaml:"context_window"`

	// AutoCompactRatio triggers compaction above window*ratio.
	// Zero uses the 0.80 default; clamped to [0.10, 0.99].
	AutoCompactRatio float64 `yaml:"auto_compact_ratio"`

	// CompactInstructions is an optional focus hint for the summary.
	CompactInstructions string `yaml:"compact_instructions"`

	Retry RetrySettings `yaml:"retry"`

	// ThinkingEnabled requests extended reasoning where supported.
	ThinkingEnabled bool `yaml:"thinking_enabled"`
	ThinkingBudget  int  `yaml:"thinking_budget"`

	// RoutingEnabled lets the router pick a tier per step.
	RoutingEnabled bool `yaml:"routing_enabled"`

	// PlanMode and ActAfterPlan are policy layers over tool filtering and
	// the system prompt, not loop states.
	PlanMode     bool `yaml:"plan_mode"`
	ActAfterPlan bool `yaml:"act_after_plan"`
}

// DefaultConfig returns the baseline agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "main",
		MaxSteps: 50,
		Retry: RetrySettings{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
	}
}

func sanitizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	out := *cfg
	defaults := DefaultConfig()
	if out.MaxSteps <= 0 {
		out.MaxSteps = defaults.MaxSteps
	}
	if out.Retry.MaxRetries <= 0 {
		out.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	if out.Retry.BaseDelay <= 0 {
		out.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if out.Retry.MaxDelay <= 0 {
		out.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	return &out
}
