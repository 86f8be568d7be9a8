package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	text := strings.TrimRight(out.String(), "\n")
	if runCtx.Err() == context.DeadlineExceeded {
		return text, fmt.Errorf("git %s timed out", args[0])
	}
	if err != nil {
		return text, fmt.Errorf("git %s: %v", args[0], err)
	}
	return text, nil
}

// GitStatusTool shows working tree status.
type GitStatusTool struct{}

func (GitStatusTool) Name() string { return "git_status" }

func (GitStatusTool) Description() string {
	return "Show the git working tree status including branch and staged/unstaged changes."
}

func (GitStatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (GitStatusTool) Permission() Permission { return ReadOnly }

func (GitStatusTool) Execute(ctx context.Context, _ json.RawMessage, tctx *Context) (*Result, error) {
	out, err := runGit(ctx, tctx.CWD, "status", "--short", "--branch")
	if err != nil {
		return ErrorResult(err.Error() + "\n" + out), nil
	}
	if out == "" {
		out = "clean working tree"
	}
	return &Result{Output: out, Title: "git status"}, nil
}

// GitDiffTool shows a diff.
type GitDiffTool struct{}

func (GitDiffTool) Name() string { return "git_diff" }

func (GitDiffTool) Description() string {
	return "Show the diff of unstaged changes, or of a specific path or revision range."
}

func (GitDiffTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Limit the diff to a path"},
			"staged": {"type": "boolean", "description": "Diff staged changes instead"},
			"range": {"type": "string", "description": "Revision range, e.g. main..HEAD"}
		}
	}`)
}

func (GitDiffTool) Permission() Permission { return ReadOnly }

func (GitDiffTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "path") }

func (GitDiffTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Path   string `json:"path"`
		Staged bool   `json:"staged"`
		Range  string `json:"range"`
	}
	if err := json.Unmarshal(normalizeArgs(args), &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}

	gitArgs := []string{"diff"}
	if params.Staged {
		gitArgs = append(gitArgs, "--cached")
	}
	if params.Range != "" {
		gitArgs = append(gitArgs, params.Range)
	}
	if params.Path != "" {
		gitArgs = append(gitArgs, "--", params.Path)
	}
	out, err := runGit(ctx, tctx.CWD, gitArgs...)
	if err != nil {
		return ErrorResult(err.Error() + "\n" + out), nil
	}
	if out == "" {
		out = "no changes"
	}
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput] + "\n... (truncated)"
	}
	return &Result{Output: out, Title: "git diff"}, nil
}

// GitLogTool shows recent history.
type GitLogTool struct{}

func (GitLogTool) Name() string { return "git_log" }

func (GitLogTool) Description() string {
	return "Show recent commit history, optionally limited to a path."
}

func (GitLogTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"count": {"type": "integer", "description": "Number of commits to show (default 10)"},
			"path": {"type": "string", "description": "Limit history to a path"}
		}
	}`)
}

func (GitLogTool) Permission() Permission { return ReadOnly }

func (GitLogTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Count int    `json:"count"`
		Path  string `json:"path"`
	}
	if err := json.Unmarshal(normalizeArgs(args), &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if params.Count <= 0 {
		params.Count = 10
	}
	gitArgs := []string{"log", fmt.Sprintf("-%d", params.Count), "--oneline", "--decorate"}
	if params.Path != "" {
		gitArgs = append(gitArgs, "--", params.Path)
	}
	out, err := runGit(ctx, tctx.CWD, gitArgs...)
	if err != nil {
		return ErrorResult(err.Error() + "\n" + out), nil
	}
	return &Result{Output: out, Title: "git log"}, nil
}

// GitCommitTool stages and commits.
type GitCommitTool struct{}

func (GitCommitTool) Name() string { return "git_commit" }

func (GitCommitTool) Description() string {
	return "Create a git commit with the given message. Stages the listed paths, or everything when none are given."
}

func (GitCommitTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string", "description": "Commit message"},
			"paths": {"type": "array", "items": {"type": "string"}, "description": "Paths to stage; all changes when empty"}
		},
		"required": ["message"]
	}`)
}

func (GitCommitTool) Permission() Permission { return NeedsApproval }

func (GitCommitTool) Summarize(args json.RawMessage) string {
	msg := firstStringArg(args, "message")
	if len(msg) > 80 {
		msg = msg[:80] + "..."
	}
	return msg
}

func (GitCommitTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Message string   `json:"message"`
		Paths   []string `json:"paths"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(params.Message) == "" {
		return ErrorResult("commit message is empty"), nil
	}
	if tctx.Sandbox == SandboxReadOnly {
		return ErrorResult("sandbox is read-only; commits are disabled"), nil
	}

	addArgs := []string{"add"}
	if len(params.Paths) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, params.Paths...)
	}
	if out, err := runGit(ctx, tctx.CWD, addArgs...); err != nil {
		return ErrorResult(err.Error() + "\n" + out), nil
	}
	out, err := runGit(ctx, tctx.CWD, "commit", "-m", params.Message)
	if err != nil {
		return ErrorResult(err.Error() + "\n" + out), nil
	}
	return &Result{Output: out, Title: "git commit"}, nil
}
