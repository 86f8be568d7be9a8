package provider

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// Assembler reconstructs tool calls from fragmented stream events. Argument
// JSON arrives across many ToolCallDelta events keyed by block index; the
// assembler concatenates fragments per index and parses at Finish.
type Assembler struct {
	pending map[int]*pendingCall
	order   []int
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

// NewAssembler creates an empty assembler for one stream.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[int]*pendingCall)}
}

// Start opens a tool call at the event's block index.
func (a *Assembler) Start(ev *ToolCallStart) {
	if _, ok := a.pending[ev.Index]; !ok {
		a.order = append(a.order, ev.Index)
	}
	a.pending[ev.Index] = &pendingCall{id: ev.ID, name: ev.Name}
}

// Delta appends an argument fragment to the call at the event's index.
// Fragments for an unknown index are dropped; a well-formed stream always
// starts a call before sending deltas for it.
func (a *Assembler) Delta(ev *ToolCallDelta) {
	if pc, ok := a.pending[ev.Index]; ok {
		pc.args = append(pc.args, ev.ArgsDelta...)
	}
}

// HasPending reports whether any call is open.
func (a *Assembler) HasPending() bool { return len(a.pending) > 0 }

// Finish parses every accumulated call in start order and resets the
// assembler. Empty argument bodies become the empty JSON object. A call
// whose arguments do not parse is returned with the raw bytes preserved
// and an error describing the first failure; callers feed that back to the
// model as a tool error rather than aborting the turn.
func (a *Assembler) Finish() ([]models.ToolCall, error) {
	if len(a.pending) == 0 {
		return nil, nil
	}
	sort.Ints(a.order)

	var firstErr error
	calls := make([]models.ToolCall, 0, len(a.pending))
	for _, idx := range a.order {
		pc := a.pending[idx]
		if pc == nil {
			continue
		}
		raw := pc.args
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		if !json.Valid(raw) && firstErr == nil {
			firstErr = fmt.Errorf("tool call %s (%s): arguments are not valid JSON", pc.id, pc.name)
		}
		calls = append(calls, models.ToolCall{
			ID:    pc.id,
			Name:  pc.name,
			Input: json.RawMessage(raw),
		})
	}

	a.pending = make(map[int]*pendingCall)
	a.order = nil
	return calls, firstErr
}
