package provider

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		models.TextMessage(models.RoleUser, "list files"),
		models.PartsMessage(models.RoleAssistant,
			models.TextPart("on it"),
			models.ToolUsePart("call_1", "list_dir", []byte(`{"path":"."}`)),
		),
		models.PartsMessage(models.RoleUser,
			models.ToolResultPart("call_1", "main.go", false),
		),
	}

	converted := convertOpenAIMessages(messages, "be helpful")
	if len(converted) != 4 {
		t.Fatalf("converted %d messages, want system+user+assistant+tool", len(converted))
	}
	if converted[0].Role != openai.ChatMessageRoleSystem || converted[0].Content != "be helpful" {
		t.Errorf("system = %+v", converted[0])
	}
	if converted[1].Role != openai.ChatMessageRoleUser || converted[1].Content != "list files" {
		t.Errorf("user = %+v", converted[1])
	}

	assistant := converted[2]
	if assistant.Role != openai.ChatMessageRoleAssistant || assistant.Content != "on it" {
		t.Errorf("assistant = %+v", assistant)
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" ||
		assistant.ToolCalls[0].Function.Name != "list_dir" {
		t.Errorf("tool calls = %+v", assistant.ToolCalls)
	}

	toolMsg := converted[3]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "main.go" {
		t.Errorf("tool result = %+v", toolMsg)
	}
}

func TestConvertOpenAIMessagesImageBecomesMultiContent(t *testing.T) {
	messages := []models.Message{
		models.PartsMessage(models.RoleUser,
			models.TextPart("what is this"),
			models.ImagePart("image/png", "QUJD"),
		),
	}
	converted := convertOpenAIMessages(messages, "")
	if len(converted) != 1 {
		t.Fatalf("converted = %d", len(converted))
	}
	parts := converted[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("multi content parts = %d", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeText || parts[0].Text != "what is this" {
		t.Errorf("text part = %+v", parts[0])
	}
	if parts[1].Type != openai.ChatMessagePartTypeImageURL ||
		parts[1].ImageURL.URL != "data:image/png;base64,QUJD" {
		t.Errorf("image part = %+v", parts[1])
	}
}
