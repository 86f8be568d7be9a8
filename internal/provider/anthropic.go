package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// TokenSource yields the current access token for a backend. Sources that
// wrap the credential store refresh and rotate accounts transparently, so
// adapters resolve the token per request rather than caching it.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed API key.
func StaticToken(key string) TokenSource {
	return func(context.Context) (string, error) { return key, nil }
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	Token        TokenSource
	BaseURL      string
	DefaultModel string
	HTTPTimeout  time.Duration
}

// AnthropicProvider adapts Anthropic's Messages API to the Provider
// contract using the official SDK's SSE stream.
type AnthropicProvider struct {
	token        TokenSource
	baseURL      string
	defaultModel string
	httpTimeout  time.Duration
}

// NewAnthropicProvider creates the adapter. Token is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.Token == nil {
		return nil, errors.New("anthropic: token source is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	return &AnthropicProvider{
		token:        cfg.Token,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		httpTimeout:  cfg.HTTPTimeout,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportedModels returns the Claude catalog.
func (p *AnthropicProvider) SupportedModels() []ModelInfo {
	return anthropicModels
}

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

// ChatStream sends the request and streams typed events. The returned
// channel closes when the stream completes, errors, or ctx is cancelled.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	key, err := p.token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindAuthFailed, Provider: p.Name(), Model: p.model(req.Model), Cause: err}
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithRequestTimeout(p.httpTimeout),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := anthropic.NewClient(opts...)

	stream := client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		p.processStream(stream, events, p.model(req.Model))
	}()
	return events, nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, spec := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := jsonUnmarshalLoose(spec.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: tool %s schema: %w", spec.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool == nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: tool %s: missing tool definition", spec.Name)
		}
		toolParam.OfTool.Description = anthropic.String(spec.Description)
		params.Tools = append(params.Tools, toolParam)
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := int64(req.Thinking.BudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// maxEmptyStreamEvents caps consecutive no-op events before the stream is
// treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent, model string) {
	var usage models.Usage
	emptyCount := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
			usage.CacheCreationTokens = int(start.Message.Usage.CacheCreationInputTokens)
			processed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				events <- StreamEvent{ToolCallStart: &ToolCallStart{
					Index: int(blockStart.Index),
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}
				processed = true
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					events <- StreamEvent{TextDelta: blockDelta.Delta.Text}
					processed = true
				}
			case "thinking_delta":
				if blockDelta.Delta.Thinking != "" {
					events <- StreamEvent{ThinkingDelta: blockDelta.Delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					events <- StreamEvent{ToolCallDelta: &ToolCallDelta{
						Index:     int(blockDelta.Index),
						ArgsDelta: blockDelta.Delta.PartialJSON,
					}}
					processed = true
				}
			}

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			if msgDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(msgDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			events <- StreamEvent{Usage: &usage}
			events <- StreamEvent{Done: true}
			return

		case "error":
			events <- StreamEvent{Err: Classify(p.Name(), model, errors.New("anthropic stream error"))}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				events <- StreamEvent{Err: Classify(p.Name(), model,
					fmt.Errorf("stream malformed: %d consecutive empty events", emptyCount))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Err: p.wrapError(err, model)}
	}
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if pe, ok := AsError(err); ok {
		return pe
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := StatusError(p.Name(), model, apiErr.StatusCode, apiErr.RawJSON(), 0, false)
		pe.Cause = err
		return pe
	}
	return Classify(p.Name(), model, err)
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for i := range messages {
		msg := &messages[i]
		// The API takes the system prompt in params.System. In-thread
		// system messages (compaction summaries) are sent as user turns.
		if msg.Role == models.RoleSystem {
			if text := msg.AsText(); text != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartImage:
				content = append(content, anthropic.NewImageBlockBase64(part.MediaType, part.Data))
			case models.PartToolUse:
				var input map[string]any
				if err := jsonUnmarshalLoose(part.Input, &input); err != nil {
					return nil, fmt.Errorf("tool use %s: invalid input: %w", part.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(part.ID, input, part.Name))
			case models.PartToolResult:
				content = append(content, anthropic.NewToolResultBlock(part.ToolUseID, part.Content, part.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}
