package tools

import (
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// SandboxLevel restricts what tool executors may touch.
type SandboxLevel int

const (
	// SandboxOff places no additional restrictions.
	SandboxOff SandboxLevel = iota

	// SandboxWorkspace confines writes to the project root.
	SandboxWorkspace

	// SandboxReadOnly denies all mutations.
	SandboxReadOnly
)

// TeamInfo carries team-feature policy fields. They shape tool filtering
// and the system prompt only; the turn loop has no team states.
type TeamInfo struct {
	TeamName   string
	AgentName  string
	IsTeamLead bool
}

// EventSink lets long-running tools stream incremental output.
type EventSink func(event models.AgentEvent)

// Context is the per-invocation tool context. It is immutable inside a
// single tool call; descending to a child agent clones it with the depth
// incremented.
type Context struct {
	SessionID   string
	CWD         string
	ProjectRoot string
	Depth       int

	// Events is optional; nil sinks drop tool output deltas.
	Events EventSink

	// Changes is shared across tools within one session.
	Changes *ChangeTracker

	// AllowedToolNames, when non-nil, restricts dispatch to the listed
	// tools.
	AllowedToolNames []string

	Team    *TeamInfo
	Todos   *TodoStore
	Sandbox SandboxLevel
}

// Child clones the context for a child agent one ply deeper. The change
// tracker and todo store stay shared; the event sink and tool filter are
// replaced by the spawner.
func (c *Context) Child(toolFilter []string) *Context {
	clone := *c
	clone.Depth = c.Depth + 1
	clone.Events = nil
	clone.AllowedToolNames = toolFilter
	return &clone
}

// Allows reports whether the context's tool filter admits name. A nil
// filter admits everything.
func (c *Context) Allows(name string) bool {
	if c.AllowedToolNames == nil {
		return true
	}
	for _, allowed := range c.AllowedToolNames {
		if allowed == name {
			return true
		}
	}
	return false
}

// Emit sends an event to the context's sink, if any.
func (c *Context) Emit(event models.AgentEvent) {
	if c.Events != nil {
		c.Events(event)
	}
}
