// Package contextmgr manages the context budget of a conversation: crude
// token estimation, summary compaction, micro-compaction of cold tool
// results, and @-mention expansion of user input.
package contextmgr

import (
	"fmt"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

const (
	charsPerToken = 4

	// ImageTokenEstimate is the flat cost charged per image part.
	ImageTokenEstimate = 1000

	// messageOverheadTokens covers per-message structural framing.
	messageOverheadTokens = 4

	// DefaultCompactRatio triggers compaction at 80% of the window.
	DefaultCompactRatio = 0.80
)

// EstimateTokens approximates the token count of text. The heuristic is
// deliberate: the compaction threshold is calibrated against it, and the
// core must not require a real tokenizer.
func EstimateTokens(text string) int {
	return len(text)/charsPerToken + 1
}

// EstimateMessageTokens approximates one message including structural
// overhead.
func EstimateMessageTokens(msg *models.Message) int {
	tokens := 0
	if len(msg.Parts) == 0 {
		tokens = EstimateTokens(msg.Content)
	} else {
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				tokens += EstimateTokens(part.Text)
			case models.PartImage:
				tokens += ImageTokenEstimate
			case models.PartToolUse:
				tokens += EstimateTokens(part.Name) + EstimateTokens(string(part.Input))
			case models.PartToolResult:
				tokens += EstimateTokens(part.Content)
			}
		}
	}
	return tokens + messageOverheadTokens
}

// EstimateThreadTokens approximates the whole request: system prompt plus
// every message.
func EstimateThreadTokens(messages []models.Message, systemPrompt string) int {
	total := EstimateTokens(systemPrompt)
	for i := range messages {
		total += EstimateMessageTokens(&messages[i])
	}
	return total
}

// ShouldCompact reports whether the estimate crosses the window ratio.
// Ratio is clamped to [0.10, 0.99]; non-positive ratios use the default.
func ShouldCompact(estimatedTokens, contextWindow int, ratio float64) bool {
	if contextWindow <= 0 {
		return false
	}
	if ratio <= 0 {
		ratio = DefaultCompactRatio
	}
	if ratio < 0.10 {
		ratio = 0.10
	}
	if ratio > 0.99 {
		ratio = 0.99
	}
	threshold := int(float64(contextWindow) * ratio)
	return estimatedTokens > threshold
}

// Breakdown is the detailed context usage for display.
type Breakdown struct {
	SystemPromptTokens int
	MessageTokens      int
	MessageCount       int
	ToolResultTokens   int
	TotalTokens        int
	ContextWindow      int
	CompactRatio       float64
}

// ComputeBreakdown builds the usage breakdown for a thread.
func ComputeBreakdown(messages []models.Message, systemPrompt string, contextWindow int, ratio float64) Breakdown {
	if ratio <= 0 {
		ratio = DefaultCompactRatio
	}
	b := Breakdown{
		SystemPromptTokens: EstimateTokens(systemPrompt),
		MessageCount:       len(messages),
		ContextWindow:      contextWindow,
		CompactRatio:       ratio,
	}
	for i := range messages {
		msgTokens := EstimateMessageTokens(&messages[i])
		b.MessageTokens += msgTokens
		for _, part := range messages[i].Parts {
			if part.Type == models.PartToolResult {
				b.ToolResultTokens += EstimateTokens(part.Content) + messageOverheadTokens
			}
		}
	}
	b.TotalTokens = b.SystemPromptTokens + b.MessageTokens
	b.MessageTokens -= b.ToolResultTokens
	return b
}

// UsagePercent returns total usage as a percentage of the window.
func (b Breakdown) UsagePercent() float64 {
	if b.ContextWindow == 0 {
		return 0
	}
	return float64(b.TotalTokens) / float64(b.ContextWindow) * 100
}

// Headroom returns the remaining token budget.
func (b Breakdown) Headroom() int {
	if b.TotalTokens >= b.ContextWindow {
		return 0
	}
	return b.ContextWindow - b.TotalTokens
}

// FormatDisplay renders the breakdown for the /context surface.
func (b Breakdown) FormatDisplay() string {
	compactAt := int(float64(b.ContextWindow) * b.CompactRatio)
	return fmt.Sprintf(
		"Context Usage (%s / %s tokens = %.1f%%)\n"+
			"  System prompt:  %s tokens\n"+
			"  Messages (%d):  %s tokens\n"+
			"  Tool results:   %s tokens\n"+
			"Auto-compact at:    %.0f%% (%s tokens)\n"+
			"Headroom:           %s tokens remaining",
		formatTokenCount(b.TotalTokens), formatTokenCount(b.ContextWindow), b.UsagePercent(),
		formatTokenCount(b.SystemPromptTokens),
		b.MessageCount, formatTokenCount(b.MessageTokens),
		formatTokenCount(b.ToolResultTokens),
		b.CompactRatio*100, formatTokenCount(compactAt),
		formatTokenCount(b.Headroom()),
	)
}

func formatTokenCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
