package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

func resolvePath(path, cwd string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

func sandboxDenies(tctx *Context, path string) string {
	switch tctx.Sandbox {
	case SandboxReadOnly:
		return "sandbox is read-only; file mutations are disabled"
	case SandboxWorkspace:
		abs := resolvePath(path, tctx.CWD)
		root := tctx.ProjectRoot
		if root != "" && !strings.HasPrefix(abs, filepath.Clean(root)+string(filepath.Separator)) && abs != filepath.Clean(root) {
			return fmt.Sprintf("sandbox confines writes to %s", root)
		}
	}
	return ""
}

// ReadFileTool reads a file, optionally a line range.
type ReadFileTool struct{}

func (ReadFileTool) Name() string { return "read_file" }

func (ReadFileTool) Description() string {
	return "Read a file's contents. Supports an optional line range for large files."
}

func (ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, absolute or relative to the working directory"},
			"start_line": {"type": "integer", "description": "1-based first line to include"},
			"end_line": {"type": "integer", "description": "1-based last line to include"}
		},
		"required": ["path"]
	}`)
}

func (ReadFileTool) Permission() Permission { return ReadOnly }

func (ReadFileTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "path") }

func (ReadFileTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	path := resolvePath(params.Path, tctx.CWD)
	content, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", params.Path, err)), nil
	}

	text := string(content)
	if params.StartLine > 0 || params.EndLine > 0 {
		lines := strings.Split(text, "\n")
		start := params.StartLine
		if start < 1 {
			start = 1
		}
		end := params.EndLine
		if end < start || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return ErrorResult(fmt.Sprintf("start_line %d exceeds file length %d", start, len(lines))), nil
		}
		text = strings.Join(lines[start-1:end], "\n")
	}
	if len(text) > maxReadBytes {
		text = text[:maxReadBytes] + "\n... (truncated)"
	}
	return &Result{Output: text, Title: "read " + params.Path}, nil
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{}

func (WriteFileTool) Name() string { return "write_file" }

func (WriteFileTool) Description() string {
	return "Write content to a file, creating it and any parent directories. Overwrites existing content."
}

func (WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path to write"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["path", "content"]
	}`)
}

func (WriteFileTool) Permission() Permission { return NeedsApproval }

func (WriteFileTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "path") }

func (WriteFileTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if denied := sandboxDenies(tctx, params.Path); denied != "" {
		return ErrorResult(denied), nil
	}
	path := resolvePath(params.Path, tctx.CWD)

	var original *string
	if prev, err := os.ReadFile(path); err == nil {
		s := string(prev)
		original = &s
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create parent dirs: %v", err)), nil
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", params.Path, err)), nil
	}

	if tctx.Changes != nil {
		tctx.Changes.Record(FileChange{
			Path:       path,
			Original:   original,
			NewContent: params.Content,
			ToolName:   "write_file",
		})
	}
	return &Result{
		Output: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.Path),
		Title:  "write " + params.Path,
	}, nil
}

// EditFileTool replaces an exact string in a file.
type EditFileTool struct{}

func (EditFileTool) Name() string { return "edit_file" }

func (EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once unless replace_all is set."
}

func (EditFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path to edit"},
			"old_string": {"type": "string", "description": "Exact text to replace"},
			"new_string": {"type": "string", "description": "Replacement text"},
			"replace_all": {"type": "boolean", "description": "Replace every occurrence"}
		},
		"required": ["path", "old_string", "new_string"]
	}`)
}

func (EditFileTool) Permission() Permission { return NeedsApproval }

func (EditFileTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "path") }

func (EditFileTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if denied := sandboxDenies(tctx, params.Path); denied != "" {
		return ErrorResult(denied), nil
	}
	path := resolvePath(params.Path, tctx.CWD)
	raw, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", params.Path, err)), nil
	}
	content := string(raw)

	count := strings.Count(content, params.OldString)
	if count == 0 {
		return ErrorResult(fmt.Sprintf("old_string not found in %s", params.Path)), nil
	}
	if count > 1 && !params.ReplaceAll {
		return ErrorResult(fmt.Sprintf("old_string appears %d times in %s; pass replace_all or disambiguate", count, params.Path)), nil
	}

	var updated string
	replaced := count
	if params.ReplaceAll {
		updated = strings.ReplaceAll(content, params.OldString, params.NewString)
	} else {
		updated = strings.Replace(content, params.OldString, params.NewString, 1)
		replaced = 1
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", params.Path, err)), nil
	}

	if tctx.Changes != nil {
		tctx.Changes.Record(FileChange{
			Path:       path,
			Original:   &content,
			NewContent: updated,
			ToolName:   "edit_file",
		})
	}
	return &Result{
		Output: fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, params.Path),
		Title:  "edit " + params.Path,
	}, nil
}

// ListDirTool lists a directory.
type ListDirTool struct{}

func (ListDirTool) Name() string { return "list_dir" }

func (ListDirTool) Description() string {
	return "List the entries of a directory. Directories are suffixed with a slash."
}

func (ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path; defaults to the working directory"}
		}
	}`)
}

func (ListDirTool) Permission() Permission { return ReadOnly }

func (ListDirTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "path") }

func (ListDirTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(normalizeArgs(args), &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if params.Path == "" {
		params.Path = "."
	}
	path := resolvePath(params.Path, tctx.CWD)
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", params.Path, err)), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	return &Result{
		Output: strings.Join(lines, "\n"),
		Title:  fmt.Sprintf("list %s (%d entries)", params.Path, len(lines)),
	}, nil
}

// DeleteFileTool removes a file.
type DeleteFileTool struct{}

func (DeleteFileTool) Name() string { return "delete_file" }

func (DeleteFileTool) Description() string {
	return "Delete a file. Directories are refused."
}

func (DeleteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path to delete"}
		},
		"required": ["path"]
	}`)
}

func (DeleteFileTool) Permission() Permission { return NeedsApproval }

func (DeleteFileTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "path") }

func (DeleteFileTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if denied := sandboxDenies(tctx, params.Path); denied != "" {
		return ErrorResult(denied), nil
	}
	path := resolvePath(params.Path, tctx.CWD)

	info, err := os.Stat(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("stat %s: %v", params.Path, err)), nil
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("%s is a directory", params.Path)), nil
	}

	var original *string
	if prev, err := os.ReadFile(path); err == nil {
		s := string(prev)
		original = &s
	}
	if err := os.Remove(path); err != nil {
		return ErrorResult(fmt.Sprintf("delete %s: %v", params.Path, err)), nil
	}
	if tctx.Changes != nil {
		tctx.Changes.Record(FileChange{
			Path:     path,
			Original: original,
			ToolName: "delete_file",
		})
	}
	return &Result{Output: "Deleted " + params.Path, Title: "delete " + params.Path}, nil
}

// MoveFileTool renames or moves a file.
type MoveFileTool struct{}

func (MoveFileTool) Name() string { return "move_file" }

func (MoveFileTool) Description() string {
	return "Move or rename a file. The destination's parent directories are created."
}

func (MoveFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"source": {"type": "string", "description": "Current file path"},
			"destination": {"type": "string", "description": "New file path"}
		},
		"required": ["source", "destination"]
	}`)
}

func (MoveFileTool) Permission() Permission { return NeedsApproval }

func (MoveFileTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "source") }

func (MoveFileTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if denied := sandboxDenies(tctx, params.Destination); denied != "" {
		return ErrorResult(denied), nil
	}
	src := resolvePath(params.Source, tctx.CWD)
	dst := resolvePath(params.Destination, tctx.CWD)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create parent dirs: %v", err)), nil
	}
	if err := os.Rename(src, dst); err != nil {
		return ErrorResult(fmt.Sprintf("move %s: %v", params.Source, err)), nil
	}
	return &Result{
		Output: fmt.Sprintf("Moved %s to %s", params.Source, params.Destination),
		Title:  "move " + params.Source,
	}, nil
}

func firstStringArg(args json.RawMessage, key string) string {
	var parsed map[string]any
	if err := json.Unmarshal(normalizeArgs(args), &parsed); err != nil {
		return ""
	}
	if s, ok := parsed[key].(string); ok {
		return s
	}
	return ""
}
