package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nyzhi-com/nyzhi/internal/backoff"
	"github.com/nyzhi-com/nyzhi/internal/bus"
	"github.com/nyzhi-com/nyzhi/internal/contextmgr"
	"github.com/nyzhi-com/nyzhi/internal/conversation"
	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/internal/tools"
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// ErrCancelled reports a turn stopped by its cancel signal.
var ErrCancelled = errors.New("turn cancelled")

// ErrMaxSteps reports a turn that hit its step budget with tools still
// pending.
var ErrMaxSteps = errors.New("max steps reached")

// AccountRotator switches provider accounts on rate limits. Rotated
// reports whether a sibling account was activated.
type AccountRotator interface {
	RotateOnRateLimit(providerID string, wait time.Duration) (rotated bool, err error)
}

// TurnOptions wires one turn's collaborators.
type TurnOptions struct {
	Provider   provider.Provider
	Thread     *conversation.Thread
	Config     *Config
	Bus        *bus.Bus
	Dispatcher *tools.Dispatcher
	ToolCtx    *tools.Context

	// Usage accumulates across turns; may be nil.
	Usage *models.SessionUsage

	// Router optionally picks a tier per step.
	Router Router

	// Rotator optionally rotates accounts on rate limits.
	Rotator AccountRotator

	// StorageDir is the per-session directory for micro-compaction
	// offload; empty disables it.
	StorageDir string

	Logger *slog.Logger
}

// RunTurn consumes one user input and runs the stream→dispatch cycle
// until the assistant produces a message with no tool calls, the step
// budget runs out, or the turn is cancelled. The thread is mutated in
// place; events stream onto the bus.
func RunTurn(ctx context.Context, input string, opts *TurnOptions) error {
	if opts.Provider == nil {
		return errors.New("no provider configured")
	}
	if opts.Thread == nil {
		return errors.New("no thread configured")
	}
	t := &turn{
		opts:   opts,
		cfg:    sanitizeConfig(opts.Config),
		logger: opts.Logger,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With(slog.String("agent", t.cfg.Name))

	err := t.run(ctx, input)
	switch {
	case err == nil:
		t.emit(models.AgentEvent{Type: models.EventTurnComplete})
	case errors.Is(err, ErrCancelled):
		t.emit(models.ErrorEvent("cancelled"))
	default:
		t.emit(models.ErrorEvent(err.Error()))
	}
	return err
}

type turn struct {
	opts   *TurnOptions
	cfg    *Config
	logger *slog.Logger
	model  string
}

func (t *turn) emit(event models.AgentEvent) {
	if t.opts.Bus != nil {
		t.opts.Bus.Publish(event)
	}
}

func (t *turn) run(ctx context.Context, input string) error {
	if input != "" {
		t.appendUserInput(input)
	}
	t.model = t.cfg.Model

	for step := 0; step < t.cfg.MaxSteps; step++ {
		if err := cancelErr(ctx); err != nil {
			return err
		}

		t.route(input)
		req := t.buildRequest()

		result, err := t.streamWithRetry(ctx, req)
		if err != nil {
			return err
		}

		t.appendAssistant(result)
		if len(result.calls) == 0 {
			t.autoCompact(ctx)
			return nil
		}

		if err := t.dispatchCalls(ctx, result.calls); err != nil {
			return err
		}
		if t.opts.StorageDir != "" {
			contextmgr.Microcompact(t.opts.Thread.Messages(), t.opts.StorageDir)
		}
	}

	return fmt.Errorf("%w: %d", ErrMaxSteps, t.cfg.MaxSteps)
}

func (t *turn) appendUserInput(input string) {
	enriched := input
	if t.opts.ToolCtx != nil {
		mentions := contextmgr.ParseMentions(input)
		if len(mentions) > 0 {
			files := contextmgr.ResolveContextFiles(mentions, t.opts.ToolCtx.ProjectRoot, t.opts.ToolCtx.CWD)
			if len(files) > 0 {
				enriched = contextmgr.BuildContextMessage(input, files)
				t.logger.Info(contextmgr.FormatAttachmentSummary(files))
			}
		}
	}
	t.opts.Thread.Append(models.TextMessage(models.RoleUser, enriched))
}

// route lets the policy pick a tier for this step and switches models
// when the tier maps to a different one.
func (t *turn) route(input string) {
	if !t.cfg.RoutingEnabled || t.opts.Router == nil {
		return
	}
	pending := input
	if pending == "" {
		pending = t.opts.Thread.FirstUserText()
	}
	tier, ok := t.opts.Router.Route(pending)
	if !ok {
		return
	}
	info, ok := provider.ModelForTier(t.opts.Provider, tier)
	if !ok || info.ID == t.model {
		return
	}
	t.model = info.ID
	t.emit(models.AgentEvent{
		Type:   models.EventRoutedModel,
		Routed: &models.RoutedEvent{Model: info.ID, Tier: string(tier)},
	})
}

func (t *turn) buildRequest() *provider.ChatRequest {
	req := &provider.ChatRequest{
		Model:     t.model,
		System:    t.cfg.SystemPrompt,
		Messages:  t.opts.Thread.Messages(),
		MaxTokens: t.cfg.MaxTokens,
	}
	if t.cfg.ThinkingEnabled {
		req.Thinking = &provider.ThinkingConfig{
			Enabled:      true,
			BudgetTokens: t.cfg.ThinkingBudget,
		}
	}
	if t.opts.Dispatcher != nil {
		for _, tool := range t.opts.Dispatcher.Registry().All() {
			if t.opts.ToolCtx != nil && !t.opts.ToolCtx.Allows(tool.Name()) {
				continue
			}
			req.Tools = append(req.Tools, provider.ToolSpec{
				Name:        tool.Name(),
				Description: tool.Description(),
				Schema:      tool.Schema(),
			})
		}
	}
	return req
}

type streamResult struct {
	text  string
	calls []models.ToolCall
}

// streamWithRetry runs the stream, retrying rate-limited, transient, and
// network failures with exponential backoff. Rate limits rotate accounts
// before spending a retry; context overflow compacts once without
// spending one. Auth and invalid-request errors are fatal to the turn.
func (t *turn) streamWithRetry(ctx context.Context, req *provider.ChatRequest) (*streamResult, error) {
	policy := t.cfg.Retry.Policy()
	maxRetries := t.cfg.Retry.MaxRetries

	attempt := 0
	rotated := false
	compacted := false

	for {
		result, err := t.streamOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		if cerr := cancelErr(ctx); cerr != nil {
			return nil, cerr
		}

		perr := provider.Classify(t.opts.Provider.Name(), req.Model, err)
		switch perr.Kind {
		case provider.KindContextTooLong:
			if compacted {
				return nil, perr
			}
			compacted = true
			if err := t.compactNow(ctx); err != nil {
				t.logger.Warn("compaction after context overflow failed", slog.String("error", err.Error()))
				return nil, perr
			}
			req.Messages = t.opts.Thread.Messages()
			continue // does not consume a retry

		case provider.KindRateLimited:
			wait := backoff.Compute(policy, attempt)
			if perr.HasRetryAfter {
				wait = perr.RetryAfter
			}
			if !rotated && t.opts.Rotator != nil {
				rotated = true
				didRotate, rerr := t.opts.Rotator.RotateOnRateLimit(t.opts.Provider.Name(), wait)
				if rerr != nil {
					t.logger.Warn("account rotation failed", slog.String("error", rerr.Error()))
				} else if didRotate {
					t.logger.Info("rotated rate-limited account", slog.String("provider", t.opts.Provider.Name()))
					continue // retry immediately, counter unchanged
				}
			}
			if attempt >= maxRetries {
				return nil, perr
			}
			t.emitRetry(attempt+1, maxRetries, wait, string(perr.Kind))
			if err := backoff.SleepFor(ctx, wait); err != nil {
				return nil, ErrCancelled
			}
			attempt++

		case provider.KindTransient, provider.KindNetwork:
			if attempt >= maxRetries {
				return nil, perr
			}
			wait := backoff.Compute(policy, attempt)
			t.emitRetry(attempt+1, maxRetries, wait, string(perr.Kind))
			if err := backoff.SleepFor(ctx, wait); err != nil {
				return nil, ErrCancelled
			}
			attempt++

		default:
			// AuthFailed, Invalid: fatal to the turn.
			return nil, perr
		}
	}
}

func (t *turn) emitRetry(attempt, max int, wait time.Duration, reason string) {
	t.emit(models.AgentEvent{
		Type: models.EventRetrying,
		Retry: &models.RetryEvent{
			Attempt: attempt,
			Max:     max,
			Wait:    wait,
			Reason:  reason,
		},
	})
}

// streamOnce consumes one provider stream to completion, relaying deltas
// to the bus and assembling tool calls.
func (t *turn) streamOnce(ctx context.Context, req *provider.ChatRequest) (*streamResult, error) {
	events, err := t.opts.Provider.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	assembler := provider.NewAssembler()
	var text strings.Builder
	done := false

	for event := range events {
		switch {
		case event.Err != nil:
			return nil, event.Err
		case event.TextDelta != "":
			text.WriteString(event.TextDelta)
			t.emit(models.TextDeltaEvent(event.TextDelta))
		case event.ThinkingDelta != "":
			t.emit(models.AgentEvent{Type: models.EventThinkingDelta, Text: event.ThinkingDelta})
		case event.ToolCallStart != nil:
			assembler.Start(event.ToolCallStart)
			t.emit(models.AgentEvent{
				Type: models.EventToolCallStart,
				Tool: &models.ToolCallEvent{
					Index: event.ToolCallStart.Index,
					ID:    event.ToolCallStart.ID,
					Name:  event.ToolCallStart.Name,
				},
			})
		case event.ToolCallDelta != nil:
			assembler.Delta(event.ToolCallDelta)
			t.emit(models.AgentEvent{
				Type: models.EventToolCallDelta,
				Tool: &models.ToolCallEvent{
					Index:     event.ToolCallDelta.Index,
					ArgsDelta: event.ToolCallDelta.ArgsDelta,
				},
			})
		case event.Usage != nil:
			if t.opts.Usage != nil {
				t.opts.Usage.Add(*event.Usage)
			}
			t.emit(models.AgentEvent{Type: models.EventUsage, Usage: event.Usage})
		case event.Done:
			done = true
		}
	}

	if err := cancelErr(ctx); err != nil {
		// Salvage a complete-text partial: append only when the stream
		// carried no tool calls mid-flight.
		if done || !assembler.HasPending() {
			if partial := text.String(); partial != "" {
				t.opts.Thread.Append(models.TextMessage(models.RoleAssistant, partial))
			}
		}
		return nil, err
	}
	if !done {
		return nil, &provider.Error{
			Kind:     provider.KindNetwork,
			Provider: t.opts.Provider.Name(),
			Model:    req.Model,
			Cause:    errors.New("stream ended without done event"),
		}
	}

	calls, callsErr := assembler.Finish()
	if callsErr != nil {
		t.logger.Warn("tool call arguments malformed", slog.String("error", callsErr.Error()))
	}
	return &streamResult{text: text.String(), calls: calls}, nil
}

// appendAssistant records the assistant message: any non-empty text plus
// each finalized tool use.
func (t *turn) appendAssistant(result *streamResult) {
	if result.text == "" && len(result.calls) == 0 {
		return
	}
	if len(result.calls) == 0 {
		t.opts.Thread.Append(models.TextMessage(models.RoleAssistant, result.text))
		return
	}
	parts := make([]models.ContentPart, 0, len(result.calls)+1)
	if result.text != "" {
		parts = append(parts, models.TextPart(result.text))
	}
	for _, call := range result.calls {
		parts = append(parts, models.ToolUsePart(call.ID, call.Name, call.Input))
	}
	t.opts.Thread.Append(models.PartsMessage(models.RoleAssistant, parts...))
}

// dispatchCalls runs each tool call in order and appends the results as
// one user-role message.
func (t *turn) dispatchCalls(ctx context.Context, calls []models.ToolCall) error {
	parts := make([]models.ContentPart, 0, len(calls))
	for _, call := range calls {
		if err := cancelErr(ctx); err != nil {
			// Close out already-produced results so the thread keeps the
			// tool-pairing invariant before abandoning the turn.
			for _, remaining := range calls[len(parts):] {
				parts = append(parts, models.ToolResultPart(remaining.ID, "cancelled", true))
			}
			t.opts.Thread.Append(models.PartsMessage(models.RoleUser, parts...))
			return err
		}
		result, err := t.opts.Dispatcher.Dispatch(ctx, call, t.opts.ToolCtx, t.emit)
		if err != nil {
			return err
		}
		parts = append(parts, models.ToolResultPart(result.ToolCallID, result.Content, result.IsError))
	}
	t.opts.Thread.Append(models.PartsMessage(models.RoleUser, parts...))
	return nil
}

// autoCompact runs the end-of-turn compaction check. Failures are logged
// and the turn still completes.
func (t *turn) autoCompact(ctx context.Context) {
	if t.cfg.ContextWindow <= 0 {
		return
	}
	estimated := contextmgr.EstimateThreadTokens(t.opts.Thread.Messages(), t.cfg.SystemPrompt)
	if !contextmgr.ShouldCompact(estimated, t.cfg.ContextWindow, t.cfg.AutoCompactRatio) {
		return
	}
	t.emit(models.AgentEvent{
		Type: models.EventAutoCompacting,
		Compact: &models.CompactEvent{
			EstimatedTokens: estimated,
			ContextWindow:   t.cfg.ContextWindow,
		},
	})
	if err := t.compactNow(ctx); err != nil {
		t.logger.Warn("auto-compaction failed", slog.String("error", err.Error()))
	}
}

func (t *turn) compactNow(ctx context.Context) error {
	compactor := NewCompactor(t.opts.Provider, t.model, t.logger)
	return compactor.Compact(ctx, t.opts.Thread, t.cfg.CompactInstructions)
}

func cancelErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return nil
}
