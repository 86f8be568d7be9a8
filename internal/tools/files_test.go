package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execTool(t *testing.T, tool Tool, tctx *Context, args map[string]any) *Result {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	result, err := tool.Execute(context.Background(), raw, tctx)
	if err != nil {
		t.Fatalf("%s: %v", tool.Name(), err)
	}
	return result
}

func TestWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	tctx := &Context{CWD: dir, ProjectRoot: dir, Changes: NewChangeTracker()}

	write := execTool(t, WriteFileTool{}, tctx, map[string]any{"path": "sub/out.txt", "content": "hello\nworld"})
	if write.IsError {
		t.Fatalf("write failed: %s", write.Output)
	}
	if tctx.Changes.Len() != 1 {
		t.Errorf("change not tracked")
	}

	read := execTool(t, ReadFileTool{}, tctx, map[string]any{"path": "sub/out.txt"})
	if read.IsError || read.Output != "hello\nworld" {
		t.Errorf("read = %+v", read)
	}
}

func TestReadFileLineRange(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "l.txt"), []byte("1\n2\n3\n4\n5"), 0o644); err != nil {
		t.Fatal(err)
	}
	tctx := &Context{CWD: dir}
	result := execTool(t, ReadFileTool{}, tctx, map[string]any{"path": "l.txt", "start_line": 2, "end_line": 4})
	if result.Output != "2\n3\n4" {
		t.Errorf("range read = %q", result.Output)
	}
}

func TestEditFileSingleOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e.txt")
	if err := os.WriteFile(path, []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}
	tctx := &Context{CWD: dir, Changes: NewChangeTracker()}

	ambiguous := execTool(t, EditFileTool{}, tctx, map[string]any{"path": "e.txt", "old_string": "foo", "new_string": "baz"})
	if !ambiguous.IsError {
		t.Error("ambiguous edit should fail without replace_all")
	}

	all := execTool(t, EditFileTool{}, tctx, map[string]any{"path": "e.txt", "old_string": "foo", "new_string": "baz", "replace_all": true})
	if all.IsError {
		t.Fatalf("edit failed: %s", all.Output)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "baz bar baz" {
		t.Errorf("content = %q", got)
	}
}

func TestDeleteFileTrackedForUndo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.txt")
	if err := os.WriteFile(path, []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}
	tctx := &Context{CWD: dir, Changes: NewChangeTracker()}

	result := execTool(t, DeleteFileTool{}, tctx, map[string]any{"path": "d.txt"})
	if result.IsError {
		t.Fatalf("delete failed: %s", result.Output)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists")
	}

	if _, err := tctx.Changes.UndoLast(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "bye" {
		t.Errorf("undo did not restore: %q %v", got, err)
	}
}

func TestListDirMarksDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tctx := &Context{CWD: dir}
	result := execTool(t, ListDirTool{}, tctx, map[string]any{})
	lines := strings.Split(result.Output, "\n")
	if len(lines) != 2 || lines[0] != "f.txt" || lines[1] != "sub/" {
		t.Errorf("listing = %v", lines)
	}
}

func TestSandboxReadOnlyBlocksWrites(t *testing.T) {
	dir := t.TempDir()
	tctx := &Context{CWD: dir, ProjectRoot: dir, Sandbox: SandboxReadOnly}
	result := execTool(t, WriteFileTool{}, tctx, map[string]any{"path": "x.txt", "content": "no"})
	if !result.IsError {
		t.Error("read-only sandbox must block write_file")
	}
}

func TestSandboxWorkspaceConfinesWrites(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	tctx := &Context{CWD: root, ProjectRoot: root, Sandbox: SandboxWorkspace, Changes: NewChangeTracker()}

	inside := execTool(t, WriteFileTool{}, tctx, map[string]any{"path": "ok.txt", "content": "y"})
	if inside.IsError {
		t.Errorf("write inside workspace should pass: %s", inside.Output)
	}
	escaped := execTool(t, WriteFileTool{}, tctx, map[string]any{"path": filepath.Join(outside, "no.txt"), "content": "n"})
	if !escaped.IsError {
		t.Error("write outside workspace must be denied")
	}
}

func TestToolSummaries(t *testing.T) {
	if got := (WriteFileTool{}).Summarize([]byte(`{"path":"x.txt","content":"hi"}`)); got != "x.txt" {
		t.Errorf("write summary = %q", got)
	}
	long := strings.Repeat("a", 120)
	got := (ShellTool{}).Summarize([]byte(`{"command":"` + long + `"}`))
	if len(got) != 83 || !strings.HasSuffix(got, "...") {
		t.Errorf("shell summary = %q (len %d)", got, len(got))
	}
}
