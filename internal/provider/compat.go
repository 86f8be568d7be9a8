package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// CompatConfig configures an adapter for OpenAI-compatible endpoints that
// are reached with a bearer token from the credential store (OAuth-backed
// proxies, self-hosted gateways).
type CompatConfig struct {
	ProviderName string
	Token        TokenSource
	BaseURL      string
	DefaultModel string
	Models       []ModelInfo
	HTTPTimeout  time.Duration
}

// CompatProvider speaks the OpenAI chat-completions wire format directly
// over net/http and parses the SSE stream itself. It exists for backends
// the official SDKs cannot reach: the bearer token rotates between
// requests and the endpoint shape is fixed by configuration.
type CompatProvider struct {
	name         string
	token        TokenSource
	baseURL      string
	defaultModel string
	catalog      []ModelInfo
	client       *http.Client
}

// NewCompatProvider creates the adapter. ProviderName, Token, and BaseURL
// are required.
func NewCompatProvider(cfg CompatConfig) (*CompatProvider, error) {
	if cfg.ProviderName == "" {
		return nil, errors.New("compat: provider name is required")
	}
	if cfg.Token == nil {
		return nil, errors.New("compat: token source is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("compat: base URL is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	return &CompatProvider{
		name:         cfg.ProviderName,
		token:        cfg.Token,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		catalog:      cfg.Models,
		client:       &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

// Name returns the configured provider name.
func (p *CompatProvider) Name() string { return p.name }

// SupportedModels returns the configured catalog.
func (p *CompatProvider) SupportedModels() []ModelInfo { return p.catalog }

func (p *CompatProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

// Wire-format payloads for the OpenAI-compatible chat completions stream.
type compatMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []compatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type compatToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type compatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []compatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatStream posts the request and parses the SSE response into typed
// events.
func (p *CompatProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	key, err := p.token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindAuthFailed, Provider: p.name, Model: p.model(req.Model), Cause: err}
	}

	body, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, Classify(p.name, p.model(req.Model), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, Classify(p.name, p.model(req.Model), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		retryAfter, hasRetryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, StatusError(p.name, p.model(req.Model), resp.StatusCode, string(respBody), retryAfter, hasRetryAfter)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		p.processBody(resp.Body, events, p.model(req.Model))
	}()
	return events, nil
}

func (p *CompatProvider) buildBody(req *ChatRequest) ([]byte, error) {
	payload := map[string]any{
		"model":    p.model(req.Model),
		"messages": compatMessages(req.Messages, req.System),
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, spec := range req.Tools {
			var schemaMap map[string]any
			if err := jsonUnmarshalLoose(spec.Schema, &schemaMap); err != nil {
				return nil, fmt.Errorf("%s: tool %s schema: %w", p.name, spec.Name, err)
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        spec.Name,
					"description": spec.Description,
					"parameters":  schemaMap,
				},
			})
		}
		payload["tools"] = tools
	}
	return json.Marshal(payload)
}

func (p *CompatProvider) processBody(body io.Reader, events chan<- StreamEvent, model string) {
	started := make(map[int]bool)
	var usage models.Usage
	sawUsage := false

	err := ParseSSE(body, func(_, data string) error {
		if data == "[DONE]" {
			return errSSEDone
		}
		var chunk compatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip unparseable keep-alive records rather than killing the
			// stream.
			return nil
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			sawUsage = true
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			events <- StreamEvent{TextDelta: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !started[index] && (tc.ID != "" || tc.Function.Name != "") {
				started[index] = true
				events <- StreamEvent{ToolCallStart: &ToolCallStart{
					Index: index,
					ID:    tc.ID,
					Name:  tc.Function.Name,
				}}
			}
			if tc.Function.Arguments != "" {
				events <- StreamEvent{ToolCallDelta: &ToolCallDelta{
					Index:     index,
					ArgsDelta: tc.Function.Arguments,
				}}
			}
		}
		return nil
	})

	if err != nil && !errors.Is(err, errSSEDone) {
		events <- StreamEvent{Err: Classify(p.name, model, err)}
		return
	}
	if sawUsage {
		events <- StreamEvent{Usage: &usage}
	}
	events <- StreamEvent{Done: true}
}

// errSSEDone stops ParseSSE at the [DONE] sentinel.
var errSSEDone = errors.New("sse done")

func compatMessages(messages []models.Message, system string) []compatMessage {
	result := make([]compatMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, compatMessage{Role: "system", Content: system})
	}
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case models.RoleAssistant:
			out := compatMessage{Role: "assistant"}
			text := msg.Content
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					text += part.Text
				case models.PartToolUse:
					tc := compatToolCall{ID: part.ID, Type: "function"}
					tc.Function.Name = part.Name
					tc.Function.Arguments = string(part.Input)
					out.ToolCalls = append(out.ToolCalls, tc)
				}
			}
			if text != "" {
				out.Content = text
			}
			result = append(result, out)

		case models.RoleSystem:
			result = append(result, compatMessage{Role: "system", Content: msg.AsText()})

		default:
			text := msg.Content
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					text += part.Text
				case models.PartToolResult:
					result = append(result, compatMessage{
						Role:       "tool",
						Content:    part.Content,
						ToolCallID: part.ToolUseID,
					})
				}
			}
			if text != "" {
				result = append(result, compatMessage{Role: "user", Content: text})
			}
		}
	}
	return result
}

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		if wait := time.Until(t); wait > 0 {
			return wait, true
		}
		return 0, true
	}
	return 0, false
}
