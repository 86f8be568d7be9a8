package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ApplyPatchTool applies a unified diff atomically across files: every
// target is snapshotted before modification, and any hunk failure rolls
// back all of them, deleting files the patch created.
type ApplyPatchTool struct{}

func (ApplyPatchTool) Name() string { return "apply_patch" }

func (ApplyPatchTool) Description() string {
	return "Apply a unified diff patch atomically. All hunks must succeed or the entire patch is rolled back. Use for multi-file changes expressed as unified diffs."
}

func (ApplyPatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"patch": {"type": "string", "description": "Unified diff string (output of diff -u or git diff)"}
		},
		"required": ["patch"]
	}`)
}

func (ApplyPatchTool) Permission() Permission { return NeedsApproval }

func (ApplyPatchTool) Summarize(args json.RawMessage) string {
	patch := firstStringArg(args, "patch")
	for _, line := range strings.Split(patch, "\n") {
		if target, ok := strings.CutPrefix(line, "+++ "); ok {
			target = strings.TrimSpace(target)
			return strings.TrimPrefix(target, "b/")
		}
	}
	return ""
}

func (ApplyPatchTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var params struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if tctx.Sandbox == SandboxReadOnly {
		return ErrorResult("sandbox is read-only; patches are disabled"), nil
	}

	fileHunks, err := parseUnifiedDiff(params.Patch)
	if err != nil {
		return ErrorResult("parse patch: " + err.Error()), nil
	}
	if len(fileHunks) == 0 {
		return &Result{Output: "No hunks found in patch.", Title: "apply_patch: empty"}, nil
	}

	// Snapshot every target before touching anything. A nil entry marks a
	// file the patch will create.
	backups := make(map[string]*string)
	for _, fh := range fileHunks {
		path := resolvePath(fh.TargetFile, tctx.CWD)
		if _, seen := backups[path]; seen {
			continue
		}
		if raw, err := os.ReadFile(path); err == nil {
			s := string(raw)
			backups[path] = &s
		} else {
			backups[path] = nil
		}
	}

	applied := 0
	var filesChanged []string
	touched := make(map[string]bool)

	for _, fh := range fileHunks {
		path := resolvePath(fh.TargetFile, tctx.CWD)
		content := ""
		if raw, err := os.ReadFile(path); err == nil {
			content = string(raw)
		}

		updated, err := applyHunks(content, fh.Hunks)
		if err != nil {
			rollback(backups)
			if tctx.Changes != nil {
				tctx.Changes.RemoveFor(touched)
			}
			return &Result{
				Output:  fmt.Sprintf("Patch failed and was rolled back.\nErrors:\n%s: %v", fh.TargetFile, err),
				Title:   "apply_patch: failed",
				IsError: true,
			}, nil
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			rollback(backups)
			if tctx.Changes != nil {
				tctx.Changes.RemoveFor(touched)
			}
			return ErrorResult(fmt.Sprintf("Patch failed and was rolled back.\nErrors:\n%s: %v", fh.TargetFile, err)), nil
		}
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			rollback(backups)
			if tctx.Changes != nil {
				tctx.Changes.RemoveFor(touched)
			}
			return ErrorResult(fmt.Sprintf("Patch failed and was rolled back.\nErrors:\n%s: %v", fh.TargetFile, err)), nil
		}

		touched[path] = true
		filesChanged = append(filesChanged, fh.TargetFile)
		applied += len(fh.Hunks)
		if tctx.Changes != nil {
			tctx.Changes.Record(FileChange{
				Path:       path,
				Original:   backups[path],
				NewContent: updated,
				ToolName:   "apply_patch",
			})
		}
	}

	return &Result{
		Output: fmt.Sprintf("Applied %d hunks across %d files: %s",
			applied, len(filesChanged), strings.Join(filesChanged, ", ")),
		Title: fmt.Sprintf("apply_patch: %d files", len(filesChanged)),
	}, nil
}

// rollback restores every snapshot. Files the patch created are deleted.
func rollback(backups map[string]*string) {
	for path, original := range backups {
		if original == nil {
			_ = os.Remove(path)
			continue
		}
		_ = os.WriteFile(path, []byte(*original), 0o644)
	}
}

// FileHunks groups the hunks targeting one file.
type FileHunks struct {
	TargetFile string
	Hunks      []Hunk
}

// Hunk is one @@ block: the old lines it expects and the new lines that
// replace them.
type Hunk struct {
	OldStart int
	OldLines []string
	NewLines []string
}

func parseUnifiedDiff(patch string) ([]FileHunks, error) {
	var result []FileHunks
	var currentFile *FileHunks
	var currentHunk *Hunk

	closeHunk := func() {
		if currentHunk != nil && currentFile != nil {
			currentFile.Hunks = append(currentFile.Hunks, *currentHunk)
		}
		currentHunk = nil
	}
	closeFile := func() {
		closeHunk()
		if currentFile != nil && len(currentFile.Hunks) > 0 {
			result = append(result, *currentFile)
		}
		currentFile = nil
	}

	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			closeFile()
			target := strings.TrimSpace(line[4:])
			target = strings.TrimPrefix(target, "b/")
			currentFile = &FileHunks{TargetFile: target}

		case strings.HasPrefix(line, "--- "):
			continue

		case strings.HasPrefix(line, "@@ "):
			closeHunk()
			start, ok := parseHunkHeader(line)
			if !ok {
				start = 1
			}
			currentHunk = &Hunk{OldStart: start}

		default:
			if currentHunk == nil {
				continue
			}
			if stripped, ok := strings.CutPrefix(line, "-"); ok {
				currentHunk.OldLines = append(currentHunk.OldLines, stripped)
			} else if stripped, ok := strings.CutPrefix(line, "+"); ok {
				currentHunk.NewLines = append(currentHunk.NewLines, stripped)
			} else {
				contextLine := strings.TrimPrefix(line, " ")
				currentHunk.OldLines = append(currentHunk.OldLines, contextLine)
				currentHunk.NewLines = append(currentHunk.NewLines, contextLine)
			}
		}
	}
	closeFile()
	return result, nil
}

// parseHunkHeader extracts the old-start line from "@@ -start[,len] +start[,len] @@".
func parseHunkHeader(header string) (int, bool) {
	rest, ok := strings.CutPrefix(header, "@@ -")
	if !ok {
		return 0, false
	}
	end := strings.IndexAny(rest, ", ")
	if end < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func applyHunks(content string, hunks []Hunk) (string, error) {
	lines := strings.Split(content, "\n")
	// Split of "" yields [""]; treat an empty file as zero lines so hunks
	// against new files apply cleanly.
	if content == "" {
		lines = nil
	}

	offset := 0
	for i, hunk := range hunks {
		start := hunk.OldStart - 1 + offset
		if start < 0 {
			start = 0
		}
		if start > len(lines) {
			return "", fmt.Errorf("hunk %d start %d exceeds file length %d", i+1, hunk.OldStart, len(lines))
		}
		end := start + len(hunk.OldLines)
		if end > len(lines) {
			return "", fmt.Errorf("hunk %d extends past end of file", i+1)
		}
		for j, want := range hunk.OldLines {
			if lines[start+j] != want {
				return "", fmt.Errorf("hunk %d does not match at line %d: expected %q, found %q",
					i+1, start+j+1, want, lines[start+j])
			}
		}

		replaced := make([]string, 0, len(lines)-len(hunk.OldLines)+len(hunk.NewLines))
		replaced = append(replaced, lines[:start]...)
		replaced = append(replaced, hunk.NewLines...)
		replaced = append(replaced, lines[end:]...)
		lines = replaced
		offset += len(hunk.NewLines) - len(hunk.OldLines)
	}
	return strings.Join(lines, "\n"), nil
}
