package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nyzhi-com/nyzhi/internal/tools"
)

// SpawnAgentTool delegates a task to a new child agent and returns
// immediately with its ID and nickname.
type SpawnAgentTool struct {
	manager *Manager
}

// NewSpawnAgentTool creates the spawn_agent tool over a manager.
func NewSpawnAgentTool(m *Manager) *SpawnAgentTool {
	return &SpawnAgentTool{manager: m}
}

func (*SpawnAgentTool) Name() string { return "spawn_agent" }

func (*SpawnAgentTool) Description() string {
	return "Spawn a child agent to work on a task in the background. Returns the agent id and nickname; use wait_for_agents to collect results."
}

func (*SpawnAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "The task for the child agent"},
			"role": {"type": "string", "description": "Optional role label, e.g. researcher"},
			"tools": {"type": "array", "items": {"type": "string"}, "description": "Restrict the child to these tools"}
		},
		"required": ["prompt"]
	}`)
}

func (*SpawnAgentTool) Permission() tools.Permission { return tools.Trusted }

func (*SpawnAgentTool) Summarize(args json.RawMessage) string {
	var params struct {
		Prompt string `json:"prompt"`
	}
	_ = json.Unmarshal(args, &params)
	if len(params.Prompt) > 80 {
		return params.Prompt[:80] + "..."
	}
	return params.Prompt
}

func (t *SpawnAgentTool) Execute(_ context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	var params struct {
		Prompt string   `json:"prompt"`
		Role   string   `json:"role"`
		Tools  []string `json:"tools"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	var filter []string
	if len(params.Tools) > 0 {
		filter = params.Tools
	}
	id, nickname, err := t.manager.Spawn(params.Prompt, params.Role, tctx.Depth, tctx, filter)
	if err != nil {
		// Cap exceedances go back to the model as tool errors.
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{
		Output: fmt.Sprintf("Spawned agent %s (nickname %s). It is working on the task; use wait_for_agents to collect the result.", id, nickname),
		Title:  "spawn " + nickname,
	}, nil
}

// SendInputTool queues a message for a running child agent.
type SendInputTool struct {
	manager *Manager
}

// NewSendInputTool creates the send_input tool.
func NewSendInputTool(m *Manager) *SendInputTool {
	return &SendInputTool{manager: m}
}

func (*SendInputTool) Name() string { return "send_input" }

func (*SendInputTool) Description() string {
	return "Append a message to a running child agent's conversation."
}

func (*SendInputTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_id": {"type": "string", "description": "Target agent id"},
			"message": {"type": "string", "description": "Message to append"}
		},
		"required": ["agent_id", "message"]
	}`)
}

func (*SendInputTool) Permission() tools.Permission { return tools.Trusted }

func (t *SendInputTool) Execute(_ context.Context, args json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	var params struct {
		AgentID string `json:"agent_id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if err := t.manager.SendInput(params.AgentID, params.Message); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{Output: "Message delivered.", Title: "send_input"}, nil
}

// AgentStatusTool reports a child agent's current status.
type AgentStatusTool struct {
	manager *Manager
}

// NewAgentStatusTool creates the agent_status tool.
func NewAgentStatusTool(m *Manager) *AgentStatusTool {
	return &AgentStatusTool{manager: m}
}

func (*AgentStatusTool) Name() string { return "agent_status" }

func (*AgentStatusTool) Description() string {
	return "Check the status of a child agent."
}

func (*AgentStatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_id": {"type": "string", "description": "Target agent id"}
		},
		"required": ["agent_id"]
	}`)
}

func (*AgentStatusTool) Permission() tools.Permission { return tools.ReadOnly }

func (t *AgentStatusTool) Execute(_ context.Context, args json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	status := t.manager.GetStatus(params.AgentID)
	return &tools.Result{Output: status.String(), Title: "agent_status"}, nil
}

// WaitForAgentsTool blocks until one of the listed agents finishes.
type WaitForAgentsTool struct {
	manager *Manager
}

// NewWaitForAgentsTool creates the wait_for_agents tool.
func NewWaitForAgentsTool(m *Manager) *WaitForAgentsTool {
	return &WaitForAgentsTool{manager: m}
}

func (*WaitForAgentsTool) Name() string { return "wait_for_agents" }

func (*WaitForAgentsTool) Description() string {
	return "Wait until at least one of the listed child agents reaches a final state. Timeout is clamped between 10 and 300 seconds."
}

func (*WaitForAgentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_ids": {"type": "array", "items": {"type": "string"}, "description": "Agent ids to wait on"},
			"timeout_ms": {"type": "integer", "description": "Wait budget in milliseconds"}
		},
		"required": ["agent_ids"]
	}`)
}

func (*WaitForAgentsTool) Permission() tools.Permission { return tools.ReadOnly }

func (t *WaitForAgentsTool) Execute(ctx context.Context, args json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	var params struct {
		AgentIDs  []string `json:"agent_ids"`
		TimeoutMS int64    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	statuses, timedOut, err := t.manager.WaitAny(ctx, params.AgentIDs, params.TimeoutMS)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	if timedOut {
		return &tools.Result{Output: "Timed out waiting; agents are still running.", Title: "wait_for_agents: timeout"}, nil
	}

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		nickname, _, _ := t.manager.AgentInfo(id)
		fmt.Fprintf(&b, "%s (%s): %s\n", id, nickname, statuses[id])
	}
	return &tools.Result{Output: strings.TrimRight(b.String(), "\n"), Title: "wait_for_agents"}, nil
}

// ShutdownAgentTool cancels a child agent.
type ShutdownAgentTool struct {
	manager *Manager
}

// NewShutdownAgentTool creates the shutdown_agent tool.
func NewShutdownAgentTool(m *Manager) *ShutdownAgentTool {
	return &ShutdownAgentTool{manager: m}
}

func (*ShutdownAgentTool) Name() string { return "shutdown_agent" }

func (*ShutdownAgentTool) Description() string {
	return "Cancel a child agent and release its slot."
}

func (*ShutdownAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_id": {"type": "string", "description": "Target agent id"}
		},
		"required": ["agent_id"]
	}`)
}

func (*ShutdownAgentTool) Permission() tools.Permission { return tools.Trusted }

func (t *ShutdownAgentTool) Execute(_ context.Context, args json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	status, err := t.manager.Shutdown(params.AgentID)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{Output: "Agent is now: " + status.String(), Title: "shutdown_agent"}, nil
}

// TaskTool runs a sub-task synchronously on a child agent and returns its
// final answer inline.
type TaskTool struct {
	manager *Manager
}

// NewTaskTool creates the task tool.
func NewTaskTool(m *Manager) *TaskTool {
	return &TaskTool{manager: m}
}

func (*TaskTool) Name() string { return "task" }

func (*TaskTool) Description() string {
	return "Delegate a sub-task to a child agent and wait for its answer. The child runs independently with the same tools. Use for research, analysis, or implementation tasks that benefit from focused attention."
}

func (*TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "The sub-task description for the child agent"},
			"context": {"type": "string", "description": "Additional context to provide to the child agent"}
		},
		"required": ["prompt"]
	}`)
}

func (*TaskTool) Permission() tools.Permission { return tools.Trusted }

func (t *TaskTool) Summarize(args json.RawMessage) string {
	var params struct {
		Prompt string `json:"prompt"`
	}
	_ = json.Unmarshal(args, &params)
	if len(params.Prompt) > 80 {
		return params.Prompt[:80] + "..."
	}
	return params.Prompt
}

func (t *TaskTool) Execute(ctx context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	var params struct {
		Prompt  string `json:"prompt"`
		Context string `json:"context"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}

	prompt := params.Prompt
	if params.Context != "" {
		prompt = prompt + "\n\nAdditional context:\n" + params.Context
	}

	id, nickname, err := t.manager.Spawn(prompt, "sub-task", tctx.Depth, tctx, nil)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	statuses, timedOut, err := t.manager.WaitAny(ctx, []string{id}, maxWaitAnyMS)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	if timedOut {
		return tools.ErrorResult(fmt.Sprintf("sub-task %s (%s) did not finish in time; check agent_status later", id, nickname)), nil
	}

	status := statuses[id]
	switch status.Kind {
	case StatusCompleted:
		output := status.FinalMessage
		if output == "" {
			output = "(sub-task produced no final message)"
		}
		return &tools.Result{Output: output, Title: "task: " + nickname}, nil
	default:
		return tools.ErrorResult(fmt.Sprintf("sub-task %s: %s", nickname, status)), nil
	}
}
