// Package conversation holds the ordered message thread owned by a turn
// loop.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// ContinuationPreamble is appended to every compaction summary so the
// model resumes without re-interrogating the user.
const ContinuationPreamble = "This session is being continued from a compacted conversation. " +
	"The summary above covers the earlier portion. Continue the current " +
	"task without re-asking the user any questions."

// Thread is an append-only message log. It is exclusively owned by one
// turn loop and never shared across agents; no internal locking.
type Thread struct {
	id        string
	messages  []models.Message
	createdAt time.Time
}

// New creates an empty thread with a fresh ID.
func New() *Thread {
	return &Thread{
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}
}

// Restore rebuilds a thread from persisted state.
func Restore(id string, messages []models.Message, createdAt time.Time) *Thread {
	if id == "" {
		id = uuid.NewString()
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Thread{id: id, messages: messages, createdAt: createdAt}
}

// ID returns the thread identifier.
func (t *Thread) ID() string { return t.id }

// CreatedAt returns the thread creation time.
func (t *Thread) CreatedAt() time.Time { return t.createdAt }

// Append adds a message to the end of the thread.
func (t *Thread) Append(msg models.Message) {
	t.messages = append(t.messages, msg)
}

// Messages returns the message log. Callers must not mutate it.
func (t *Thread) Messages() []models.Message { return t.messages }

// Len returns the number of messages.
func (t *Thread) Len() int { return len(t.messages) }

// Clear removes every message.
func (t *Thread) Clear() { t.messages = nil }

// FirstUserText returns the text of the first user message, or "".
func (t *Thread) FirstUserText() string {
	for i := range t.messages {
		if t.messages[i].Role == models.RoleUser {
			return t.messages[i].AsText()
		}
	}
	return ""
}

// LastAssistantText returns the text of the last assistant message, or "".
func (t *Thread) LastAssistantText() string {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == models.RoleAssistant {
			return t.messages[i].AsText()
		}
	}
	return ""
}

// CompactPrefix replaces the first upTo messages with a single System
// message containing the summary plus the continuation preamble. The
// boundary is first snapped backward so that no tool-use / tool-result
// pair is split: every ToolUse before the boundary must have its matching
// ToolResult before the boundary too. Returns the boundary actually used.
func (t *Thread) CompactPrefix(upTo int, summary string) int {
	if upTo <= 0 || len(t.messages) == 0 {
		return 0
	}
	if upTo > len(t.messages) {
		upTo = len(t.messages)
	}
	upTo = t.SnapBoundary(upTo)
	if upTo <= 0 {
		return 0
	}

	summaryMsg := models.TextMessage(models.RoleSystem, summary+"\n\n"+ContinuationPreamble)
	rest := make([]models.Message, 0, len(t.messages)-upTo+1)
	rest = append(rest, summaryMsg)
	rest = append(rest, t.messages[upTo:]...)
	t.messages = rest
	return upTo
}

// SnapBoundary moves a proposed compaction boundary backward to the
// nearest index where every preceding ToolUse has a preceding ToolResult.
func (t *Thread) SnapBoundary(boundary int) int {
	if boundary > len(t.messages) {
		boundary = len(t.messages)
	}
	for boundary > 0 {
		if pairedBefore(t.messages, boundary) {
			return boundary
		}
		boundary--
	}
	return 0
}

func pairedBefore(messages []models.Message, boundary int) bool {
	resolved := make(map[string]bool)
	for i := 0; i < boundary; i++ {
		for _, part := range messages[i].Parts {
			switch part.Type {
			case models.PartToolUse:
				resolved[part.ID] = false
			case models.PartToolResult:
				resolved[part.ToolUseID] = true
			}
		}
	}
	for _, ok := range resolved {
		if !ok {
			return false
		}
	}
	return true
}

// CheckToolPairing verifies the tool-pairing invariant over the whole
// thread: each assistant ToolUse is matched by a later ToolResult before
// the next assistant message. Returns the IDs of dangling tool uses.
func (t *Thread) CheckToolPairing() []string {
	var dangling []string
	open := make(map[string]bool)
	for i := range t.messages {
		msg := &t.messages[i]
		if msg.Role == models.RoleAssistant {
			for id := range open {
				dangling = append(dangling, id)
				delete(open, id)
			}
			for _, part := range msg.Parts {
				if part.Type == models.PartToolUse {
					open[part.ID] = true
				}
			}
			continue
		}
		for _, part := range msg.Parts {
			if part.Type == models.PartToolResult {
				delete(open, part.ToolUseID)
			}
		}
	}
	for id := range open {
		dangling = append(dangling, id)
	}
	return dangling
}
