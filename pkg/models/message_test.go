package models

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"flat text", TextMessage(RoleUser, "hello")},
		{"image part", PartsMessage(RoleUser, ImagePart("image/png", "QUJD"))},
		{"tool use", PartsMessage(RoleAssistant,
			TextPart("on it"),
			ToolUsePart("tu_1", "shell", json.RawMessage(`{"command":"ls"}`)),
		)},
		{"tool result", PartsMessage(RoleUser, ToolResultPart("tu_1", "bin\nsrc", false))},
		{"error result", PartsMessage(RoleUser, ToolResultPart("tu_2", "boom", true))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			var back Message
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(tt.msg, back) {
				t.Errorf("round trip mismatch:\n%+v\n%+v", tt.msg, back)
			}
		})
	}
}

func TestMessageAsText(t *testing.T) {
	msg := PartsMessage(RoleAssistant,
		TextPart("before "),
		ToolUsePart("tu_1", "read_file", nil),
		ToolResultPart("tu_1", "contents", false),
		TextPart("after"),
	)
	if got := msg.AsText(); got != "before contentsafter" {
		t.Errorf("AsText = %q", got)
	}
}

func TestToolUsesAndResults(t *testing.T) {
	msg := PartsMessage(RoleAssistant,
		ToolUsePart("a", "x", nil),
		ToolUsePart("b", "y", nil),
	)
	if uses := msg.ToolUses(); len(uses) != 2 || uses[0].ID != "a" {
		t.Errorf("uses = %+v", uses)
	}
	if !msg.HasToolUse() {
		t.Error("HasToolUse = false")
	}

	res := PartsMessage(RoleUser, ToolResultPart("a", "ok", false))
	if results := res.ToolResults(); len(results) != 1 || results[0].ToolUseID != "a" {
		t.Errorf("results = %+v", results)
	}
}

func TestSessionUsageAdd(t *testing.T) {
	var s SessionUsage
	s.Add(Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 2})
	s.Add(Usage{InputTokens: 1, OutputTokens: 1})
	if s.InputTokens != 11 || s.OutputTokens != 6 || s.CacheReadTokens != 2 || s.Requests != 2 {
		t.Errorf("usage = %+v", s)
	}
}

func TestApprovalResponderSingleDecision(t *testing.T) {
	r := NewApprovalResponder()
	r.Respond(true)
	r.Respond(false) // dropped

	if !r.Wait(context.Background()) {
		t.Error("first decision should win")
	}
}

func TestApprovalResponderCancelDenies(t *testing.T) {
	r := NewApprovalResponder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r.Wait(ctx) {
		t.Error("cancelled wait must deny")
	}
	// The slot was consumed by the cancel path; a late response is a
	// no-op rather than a leak.
	r.Respond(true)
}
