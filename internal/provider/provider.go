// Package provider defines the uniform streaming contract over LLM
// backends and the adapters that implement it.
//
// Every backend exposes a name, a model catalog, and a ChatStream method
// that yields a finite, non-restartable sequence of StreamEvent values on a
// channel. Tool-call arguments arrive fragmented across ToolCallDelta
// events keyed by block index; the Assembler in this package reconstructs
// them at the Done boundary.
package provider

import (
	"context"
	"encoding/json"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// ModelTier buckets models by capability for routing decisions.
type ModelTier string

const (
	TierLow    ModelTier = "low"
	TierMedium ModelTier = "medium"
	TierHigh   ModelTier = "high"
)

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Provider          string    `json:"provider"`
	ContextWindow     int       `json:"context_window"`
	MaxOutputTokens   int       `json:"max_output_tokens"`
	SupportsTools     bool      `json:"supports_tools"`
	SupportsVision    bool      `json:"supports_vision"`
	SupportsStreaming bool      `json:"supports_streaming"`
	Tier              ModelTier `json:"tier"`
	ThinkingSupport   bool      `json:"thinking_support"`

	// Pricing per million tokens, USD. Zero when unknown.
	InputPricePerM  float64 `json:"input_price_per_m,omitempty"`
	OutputPricePerM float64 `json:"output_price_per_m,omitempty"`
}

// ToolSpec is a tool definition in the provider-neutral wire shape.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ThinkingConfig enables extended reasoning on models that support it.
type ThinkingConfig struct {
	Enabled      bool   `json:"enabled"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
	EffortLevel  string `json:"effort_level,omitempty"`
}

// ChatRequest is a normalized chat completion request.
type ChatRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []models.Message `json:"messages"`
	Tools       []ToolSpec       `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Thinking    *ThinkingConfig  `json:"thinking,omitempty"`
}

// ToolCallStart opens a streamed tool call at a block index.
type ToolCallStart struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}

// ToolCallDelta carries an argument-JSON fragment for an open tool call.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ArgsDelta string `json:"args_delta"`
}

// StreamEvent is one element of a chat stream. At most one field is set;
// Err terminates the stream when non-nil.
type StreamEvent struct {
	TextDelta     string
	ThinkingDelta string
	ToolCallStart *ToolCallStart
	ToolCallDelta *ToolCallDelta
	Usage         *models.Usage
	Done          bool
	Err           error
}

// Provider is the uniform backend contract.
//
// Implementations must be safe for concurrent use; each ChatStream call
// owns an independent stream and goroutine. The returned channel is closed
// when the stream finishes, errors, or the context is cancelled.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// SupportedModels returns the provider's model catalog.
	SupportedModels() []ModelInfo

	// ChatStream sends the request and returns a channel of stream events.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// ModelForTier returns the first catalog entry matching tier, falling back
// to the first model when none matches.
func ModelForTier(p Provider, tier ModelTier) (ModelInfo, bool) {
	catalog := p.SupportedModels()
	for _, m := range catalog {
		if m.Tier == tier {
			return m, true
		}
	}
	if len(catalog) > 0 {
		return catalog[0], true
	}
	return ModelInfo{}, false
}

// FindModel looks up a model by ID in the provider's catalog.
func FindModel(p Provider, id string) (ModelInfo, bool) {
	for _, m := range p.SupportedModels() {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}
