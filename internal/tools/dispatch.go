package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// DeclinedMessage is the tool result text when the user denies approval.
const DeclinedMessage = "user declined"

// Dispatcher runs the per-call pipeline: resolve, filter, approve,
// validate, execute, record. Argument and runtime failures are recovered
// into error Results so the turn continues; an executor panic is the only
// fatal condition and is returned as an error.
type Dispatcher struct {
	registry *Registry
	trust    *TrustManager
}

// NewDispatcher creates a dispatcher over the registry and trust manager.
func NewDispatcher(registry *Registry, trust *TrustManager) *Dispatcher {
	return &Dispatcher{registry: registry, trust: trust}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Trust returns the trust manager.
func (d *Dispatcher) Trust() *TrustManager { return d.trust }

// Dispatch executes one tool call. The emit callback publishes approval
// requests and completion events onto the agent's bus; it must be
// non-nil when any NeedsApproval tool can be reached.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall, tctx *Context, emit func(models.AgentEvent)) (models.ToolResult, error) {
	start := time.Now()
	result, err := d.run(ctx, call, tctx, emit)
	if err != nil {
		return models.ToolResult{}, err
	}

	if emit != nil {
		emit(models.AgentEvent{
			Type: models.EventToolCallDone,
			Tool: &models.ToolCallEvent{
				ID:        call.ID,
				Name:      call.Name,
				Output:    result.Output,
				ElapsedMS: time.Since(start).Milliseconds(),
			},
		})
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    result.Output,
		IsError:    result.IsError,
	}, nil
}

func (d *Dispatcher) run(ctx context.Context, call models.ToolCall, tctx *Context, emit func(models.AgentEvent)) (*Result, error) {
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name)), nil
	}
	if !tctx.Allows(call.Name) {
		return ErrorResult(fmt.Sprintf("tool not allowed in this context: %s", call.Name)), nil
	}

	if tool.Permission() == NeedsApproval && !d.trust.Satisfied(call.Name, call.Input) {
		approved, err := d.requestApproval(ctx, tool, call, emit)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		if !approved {
			return ErrorResult(DeclinedMessage), nil
		}
		d.trust.Remember(call.Name, call.Input)
	}

	if err := d.registry.ValidateArgs(call.Name, call.Input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)), nil
	}

	result, err := d.execute(ctx, tool, call, tctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{Output: ""}
	}
	return result, nil
}

func (d *Dispatcher) requestApproval(ctx context.Context, tool Tool, call models.ToolCall, emit func(models.AgentEvent)) (bool, error) {
	if emit == nil {
		return false, fmt.Errorf("approval required for %s but no approval channel is attached", call.Name)
	}
	responder := models.NewApprovalResponder()
	emit(models.AgentEvent{
		Type: models.EventApprovalRequest,
		Approval: &models.ApprovalEvent{
			ToolName:  call.Name,
			Args:      string(call.Input),
			Summary:   Summarize(tool, call.Input),
			Responder: responder,
		},
	})
	return responder.Wait(ctx), nil
}

// execute isolates the executor. A runtime failure inside the tool is its
// own responsibility to report via Result.IsError; a panic here is
// converted to an error that aborts the turn.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, call models.ToolCall, tctx *Context) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool executor panic in %s: %v\n%s", call.Name, r, debug.Stack())
		}
	}()
	result, err = tool.Execute(ctx, call.Input, tctx)
	if err != nil {
		// Tools report recoverable failures in-band; an error return is
		// downgraded to an error result so the model can self-correct.
		return ErrorResult(fmt.Sprintf("%s failed: %v", call.Name, err)), nil
	}
	return result, nil
}
