package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nyzhi-com/nyzhi/internal/contextmgr"
	"github.com/nyzhi-com/nyzhi/internal/conversation"
	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// compactKeepTail is how many trailing messages survive a compaction
// untouched.
const compactKeepTail = 2

// Compactor produces summary compactions using the turn's own provider.
type Compactor struct {
	provider provider.Provider
	model    string
	logger   *slog.Logger
}

// NewCompactor creates a compactor that summarizes with the given model.
func NewCompactor(p provider.Provider, model string, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{provider: p, model: model, logger: logger}
}

// Compact replaces the thread's prefix (all but the last two messages)
// with a model-generated summary. Failure leaves the thread untouched and
// is reported to the caller, who logs and proceeds.
func (c *Compactor) Compact(ctx context.Context, thread *conversation.Thread, focusHint string) error {
	boundary := thread.Len() - compactKeepTail
	if boundary <= 0 {
		return nil
	}

	compacted := thread.Messages()[:boundary]
	prompt := contextmgr.BuildCompactionPrompt(compacted, focusHint)
	summary, err := c.complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("compaction summary request: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("compaction summary came back empty")
	}

	// Files touched recently are the likeliest re-reads after resuming.
	if recent := contextmgr.ExtractRecentFilePaths(compacted, 5); len(recent) > 0 {
		summary += "\n\n## Recently Touched Files\n" + strings.Join(recent, "\n")
	}

	used := thread.CompactPrefix(boundary, summary)
	c.logger.Info("compacted thread",
		slog.Int("boundary", used),
		slog.Int("remaining", thread.Len()))
	return nil
}

// complete runs a standalone, non-tool request and gathers the text.
func (c *Compactor) complete(ctx context.Context, prompt string) (string, error) {
	req := &provider.ChatRequest{
		Model:    c.model,
		Messages: []models.Message{models.TextMessage(models.RoleUser, prompt)},
	}
	events, err := c.provider.ChatStream(ctx, req)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for event := range events {
		switch {
		case event.Err != nil:
			return "", event.Err
		case event.TextDelta != "":
			text.WriteString(event.TextDelta)
		}
	}
	return text.String(), nil
}
