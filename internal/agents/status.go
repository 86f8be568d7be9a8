package agents

import "sync"

// StatusKind enumerates child agent lifecycle states.
type StatusKind string

const (
	StatusPendingInit StatusKind = "pending_init"
	StatusRunning     StatusKind = "running"
	StatusCompleted   StatusKind = "completed"
	StatusErrored     StatusKind = "errored"
	StatusShutdown    StatusKind = "shutdown"
	StatusNotFound    StatusKind = "not_found"
)

// Status is a child agent's lifecycle state with its payload.
type Status struct {
	Kind StatusKind
	// FinalMessage carries the last assistant text for Completed and the
	// reason for Errored.
	FinalMessage string
}

// Final reports whether the status is terminal.
func (s Status) Final() bool {
	return s.Kind != StatusPendingInit && s.Kind != StatusRunning
}

// String renders the status with a clipped payload preview.
func (s Status) String() string {
	switch s.Kind {
	case StatusCompleted:
		if s.FinalMessage == "" {
			return "completed"
		}
		preview := s.FinalMessage
		if len(preview) > 100 {
			preview = preview[:100]
		}
		return "completed: " + preview
	case StatusErrored:
		return "errored: " + s.FinalMessage
	default:
		return string(s.Kind)
	}
}

// statusCell is a watchable status holder: readers snapshot the current
// value and can wait for the next change.
type statusCell struct {
	mu      sync.Mutex
	value   Status
	changed chan struct{}
}

func newStatusCell(initial Status) *statusCell {
	return &statusCell{value: initial, changed: make(chan struct{})}
}

// Get returns the current status.
func (c *statusCell) Get() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores a new status and wakes all waiters.
func (c *statusCell) Set(status Status) {
	c.mu.Lock()
	c.value = status
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Watch returns the current value and a channel closed on the next
// change.
func (c *statusCell) Watch() (Status, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.changed
}
