package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// TodoStatus is the lifecycle state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in the session's working list.
type TodoItem struct {
	Content string     `json:"content" jsonschema:"description=The task description"`
	Status  TodoStatus `json:"status" jsonschema:"description=pending, in_progress, or completed"`
}

// TodoStore holds the session todo list, shared across tools and child
// agents.
type TodoStore struct {
	mu    sync.Mutex
	items []TodoItem
}

// NewTodoStore creates an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{}
}

// Replace swaps the whole list.
func (s *TodoStore) Replace(items []TodoItem) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

// Items returns a copy of the list.
func (s *TodoStore) Items() []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TodoItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *TodoStore) render() string {
	items := s.Items()
	if len(items) == 0 {
		return "No todos."
	}
	var b strings.Builder
	for i, item := range items {
		marker := " "
		switch item.Status {
		case TodoInProgress:
			marker = ">"
		case TodoCompleted:
			marker = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, marker, item.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

type todoWriteParams struct {
	Todos []TodoItem `json:"todos" jsonschema:"description=The full todo list; replaces the previous list"`
}

var todoWriteSchema = mustReflectSchema(&todoWriteParams{})

// mustReflectSchema renders a parameter struct to its JSON Schema.
func mustReflectSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return raw
}

// TodoWriteTool replaces the session todo list.
type TodoWriteTool struct{}

func (TodoWriteTool) Name() string { return "todo_write" }

func (TodoWriteTool) Description() string {
	return "Replace the working todo list. Use to plan multi-step tasks and track progress."
}

func (TodoWriteTool) Schema() json.RawMessage { return todoWriteSchema }

func (TodoWriteTool) Permission() Permission { return ReadOnly }

func (TodoWriteTool) Execute(_ context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	if tctx.Todos == nil {
		return ErrorResult("no todo store in context"), nil
	}
	var params todoWriteParams
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	for i := range params.Todos {
		switch params.Todos[i].Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		case "":
			params.Todos[i].Status = TodoPending
		default:
			return ErrorResult(fmt.Sprintf("invalid status %q for todo %d", params.Todos[i].Status, i+1)), nil
		}
	}
	tctx.Todos.Replace(params.Todos)
	return &Result{
		Output: tctx.Todos.render(),
		Title:  fmt.Sprintf("todos (%d)", len(params.Todos)),
	}, nil
}

// TodoReadTool returns the current todo list.
type TodoReadTool struct{}

func (TodoReadTool) Name() string { return "todo_read" }

func (TodoReadTool) Description() string {
	return "Read the current working todo list."
}

func (TodoReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (TodoReadTool) Permission() Permission { return ReadOnly }

func (TodoReadTool) Execute(_ context.Context, _ json.RawMessage, tctx *Context) (*Result, error) {
	if tctx.Todos == nil {
		return ErrorResult("no todo store in context"), nil
	}
	return &Result{Output: tctx.Todos.render(), Title: "todos"}, nil
}
