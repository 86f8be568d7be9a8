package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	Token        TokenSource
	BaseURL      string
	DefaultModel string
	HTTPTimeout  time.Duration
}

// OpenAIProvider adapts the OpenAI chat completions API to the Provider
// contract.
type OpenAIProvider struct {
	token        TokenSource
	baseURL      string
	defaultModel string
	httpTimeout  time.Duration
}

// NewOpenAIProvider creates the adapter. Token is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Token == nil {
		return nil, errors.New("openai: token source is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	return &OpenAIProvider{
		token:        cfg.Token,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		httpTimeout:  cfg.HTTPTimeout,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// SupportedModels returns the GPT catalog.
func (p *OpenAIProvider) SupportedModels() []ModelInfo {
	return openaiModels
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

// ChatStream sends the request and streams typed events.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	key, err := p.token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindAuthFailed, Provider: p.Name(), Model: p.model(req.Model), Cause: err}
	}

	clientCfg := openai.DefaultConfig(key)
	if p.baseURL != "" {
		clientCfg.BaseURL = p.baseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	for _, spec := range req.Tools {
		var schemaMap map[string]any
		if err := jsonUnmarshalLoose(spec.Schema, &schemaMap); err != nil {
			return nil, fmt.Errorf("openai: tool %s schema: %w", spec.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schemaMap,
			},
		})
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.httpTimeout)
	stream, streamErr := client.CreateChatCompletionStream(streamCtx, chatReq)
	if streamErr != nil {
		cancel()
		return nil, p.wrapError(streamErr, p.model(req.Model))
	}

	events := make(chan StreamEvent)
	go func() {
		defer cancel()
		defer close(events)
		p.processStream(streamCtx, stream, events, p.model(req.Model))
	}()
	return events, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent, model string) {
	defer stream.Close()

	// Tool-call metadata seen so far, keyed by choice delta index. Argument
	// fragments are relayed as deltas; starts are emitted once per index.
	started := make(map[int]bool)
	var usage models.Usage

	for {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Err: Classify(p.Name(), model, ctx.Err())}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if usage.InputTokens > 0 || usage.OutputTokens > 0 {
					events <- StreamEvent{Usage: &usage}
				}
				events <- StreamEvent{Done: true}
				return
			}
			events <- StreamEvent{Err: p.wrapError(err, model)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

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
	}
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if pe, ok := AsError(err); ok {
		return pe
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		pe := StatusError(p.Name(), model, apiErr.HTTPStatusCode, body, 0, false)
		pe.Cause = err
		return pe
	}
	return Classify(p.Name(), model, err)
}

func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					oaiMsg.Content += part.Text
				case models.PartToolUse:
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   part.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      part.Name,
							Arguments: string(part.Input),
						},
					})
				}
			}
			result = append(result, oaiMsg)

		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.AsText(),
			})

		default:
			// User-role messages may interleave text, images, and tool
			// results; OpenAI wants one message per tool result.
			var text string
			var imageParts []openai.ChatMessagePart
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					text += part.Text
				case models.PartImage:
					imageParts = append(imageParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:" + part.MediaType + ";base64," + part.Data,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				case models.PartToolResult:
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    part.Content,
						ToolCallID: part.ToolUseID,
					})
				}
			}
			if msg.Content != "" {
				text = msg.Content + text
			}
			if len(imageParts) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(imageParts)+1)
				if text != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: text,
					})
				}
				parts = append(parts, imageParts...)
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else if text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}
	return result
}
