// Package models provides the shared domain types for the nyzhi agent runtime.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates the variants of a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a structured message body. Exactly the
// fields for its Type are populated.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text content (PartText).
	Text string `json:"text,omitempty"`

	// Image content (PartImage).
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// Tool use (PartToolUse).
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result (PartToolResult).
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part from base64 data.
func ImagePart(mediaType, data string) ContentPart {
	return ContentPart{Type: PartImage, MediaType: mediaType, Data: data}
}

// ToolUsePart builds a tool-use part for an assistant message.
func ToolUsePart(id, name string, input json.RawMessage) ContentPart {
	return ContentPart{Type: PartToolUse, ID: id, Name: name, Input: input}
}

// ToolResultPart builds a tool-result part fed back to the assistant.
func ToolResultPart(toolUseID, content string, isError bool) ContentPart {
	return ContentPart{Type: PartToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a single entry in a conversation thread. Content holds flat
// text; Parts holds a structured body. A message uses one or the other.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// TextMessage builds a flat text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// PartsMessage builds a structured message.
func PartsMessage(role Role, parts ...ContentPart) Message {
	return Message{Role: role, Parts: parts}
}

// AsText flattens the message body to plain text. Tool-use and image parts
// are omitted; tool-result parts render as their content.
func (m *Message) AsText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			b.WriteString(p.Text)
		case PartToolResult:
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// ToolUses returns the tool-use parts of the message, in order.
func (m *Message) ToolUses() []ContentPart {
	var uses []ContentPart
	for _, p := range m.Parts {
		if p.Type == PartToolUse {
			uses = append(uses, p)
		}
	}
	return uses
}

// ToolResults returns the tool-result parts of the message, in order.
func (m *Message) ToolResults() []ContentPart {
	var results []ContentPart
	for _, p := range m.Parts {
		if p.Type == PartToolResult {
			results = append(results, p)
		}
	}
	return results
}

// HasToolUse reports whether the message contains any tool-use part.
func (m *Message) HasToolUse() bool {
	return len(m.ToolUses()) > 0
}

// ToolCall is a fully assembled tool invocation request from the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage counts tokens for one provider round trip.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// SessionUsage accumulates usage across the turns of a session.
type SessionUsage struct {
	Usage
	Requests int `json:"requests"`
}

// Add folds one round trip's usage into the running totals.
func (s *SessionUsage) Add(u Usage) {
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.CacheReadTokens += u.CacheReadTokens
	s.CacheCreationTokens += u.CacheCreationTokens
	s.Requests++
}

// Session is the persisted form of a conversation.
type Session struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
