package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// DefaultShellTimeout bounds a shell command when the caller supplies
// none.
const DefaultShellTimeout = 30 * time.Second

const maxShellOutput = 64 * 1024

// ShellTool runs a shell command in the working directory with a
// per-command timeout.
type ShellTool struct{}

func (ShellTool) Name() string { return "shell" }

func (ShellTool) Description() string {
	return "Run a shell command in the working directory. Output is captured; long-running commands are killed at the timeout."
}

func (ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Command line, run via sh -c"},
			"timeout_seconds": {"type": "integer", "description": "Kill the command after this many seconds (default 30)"}
		},
		"required": ["command"]
	}`)
}

func (ShellTool) Permission() Permission { return NeedsApproval }

func (ShellTool) Summarize(args json.RawMessage) string {
	cmd := firstStringArg(args, "command")
	if len(cmd) > 80 {
		cmd = cmd[:80] + "..."
	}
	return cmd
}

func (ShellTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return ErrorResult("command is empty"), nil
	}
	if tctx.Sandbox == SandboxReadOnly {
		return ErrorResult("sandbox is read-only; shell commands are disabled"), nil
	}

	timeout := DefaultShellTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", params.Command)
	cmd.Dir = tctx.CWD
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	output := clipOutput(stdout.String())
	if stderr.Len() > 0 {
		output += "\n--- stderr ---\n" + clipOutput(stderr.String())
	}
	tctx.Emit(models.AgentEvent{Type: models.EventToolOutputDelta, Text: output})

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
	case runErr != nil:
		return &Result{
			Output:  fmt.Sprintf("exit error: %v\n%s", runErr, output),
			Title:   "shell (failed)",
			IsError: true,
		}, nil
	default:
		return &Result{
			Output: output,
			Title:  fmt.Sprintf("shell (%.1fs)", elapsed.Seconds()),
		}, nil
	}
}

func clipOutput(s string) string {
	if len(s) > maxShellOutput {
		return s[:maxShellOutput] + "\n... (truncated)"
	}
	return strings.TrimRight(s, "\n")
}
