package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry manages available tools with thread-safe registration and
// lookup. Parameter schemas are compiled on registration so dispatch can
// validate arguments before execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool of the same name.
// A schema that fails to compile leaves the tool registered without
// argument validation; the backend rejects malformed calls anyway.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool

	if schema, err := jsonschema.CompileString(name+".json", string(tool.Schema())); err == nil {
		r.compiled[name] = schema
	} else {
		delete(r.compiled, name)
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// All returns the registered tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ValidateArgs checks args against the tool's compiled schema. Tools
// whose schema did not compile validate as JSON only.
func (r *Registry) ValidateArgs(name string, args []byte) error {
	r.mu.RLock()
	schema := r.compiled[name]
	r.mu.RUnlock()

	var value any
	if err := json.Unmarshal(normalizeArgs(args), &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func normalizeArgs(args []byte) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	return args
}
