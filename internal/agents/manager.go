// Package agents implements the manager for child agents: spawn under
// depth and concurrency caps, status watching, cancellation, and event
// forwarding onto the parent bus.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nyzhi-com/nyzhi/internal/agent"
	"github.com/nyzhi-com/nyzhi/internal/bus"
	"github.com/nyzhi-com/nyzhi/internal/conversation"
	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/internal/tools"
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// Wait-any timeout clamp bounds, in milliseconds.
const (
	minWaitAnyMS = 10_000
	maxWaitAnyMS = 300_000
)

// ErrAgentNotFound reports an unknown agent ID.
var ErrAgentNotFound = errors.New("agent not found")

// handle tracks one live child agent.
type handle struct {
	nickname string
	role     string
	depth    int
	status   *statusCell
	cancel   context.CancelFunc
	done     chan struct{}
	thread   *conversation.Thread
	threadMu sync.Mutex
	toolCtx  *tools.Context

	// releaseOnce guards the slot/nickname release against the child
	// finishing and a shutdown racing each other.
	releaseOnce sync.Once
}

func (m *Manager) releaseHandle(h *handle) {
	h.releaseOnce.Do(func() {
		m.nicknames.release(h.nickname)
		m.guards.release()
	})
}

// guards enforces the concurrency and depth caps. Slot acquisition is a
// CAS loop; release is unconditional.
type guards struct {
	active     atomic.Int64
	maxThreads int64
	maxDepth   int
}

func (g *guards) tryReserve() bool {
	for {
		current := g.active.Load()
		if current >= g.maxThreads {
			return false
		}
		if g.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (g *guards) release() { g.active.Add(-1) }

func (g *guards) exceedsDepth(depth int) bool { return depth > g.maxDepth }

// Config configures a Manager.
type Config struct {
	// MaxThreads caps concurrently live child agents. Default: 4.
	MaxThreads int

	// MaxDepth caps the spawn tree depth. Default: 2.
	MaxDepth int

	// ChildConfig seeds each child's turn loop configuration.
	ChildConfig *agent.Config
}

// Manager schedules child agents. The agent map is guarded by mu; the
// nickname pool has its own mutex and is not guarded by mu. Neither lock
// is held across a child await.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*handle

	guards    *guards
	nicknames *nicknamePool

	provider   provider.Provider
	dispatcher *tools.Dispatcher
	parentBus  *bus.Bus
	childCfg   *agent.Config
	logger     *slog.Logger
}

// NewManager creates a manager that spawns children against the given
// provider and tool dispatcher, forwarding their events to parentBus.
func NewManager(p provider.Provider, dispatcher *tools.Dispatcher, parentBus *bus.Bus, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 4
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.ChildConfig == nil {
		cfg.ChildConfig = agent.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:     make(map[string]*handle),
		guards:     &guards{maxThreads: int64(cfg.MaxThreads), maxDepth: cfg.MaxDepth},
		nicknames:  newNicknamePool(),
		provider:   p,
		dispatcher: dispatcher,
		parentBus:  parentBus,
		childCfg:   cfg.ChildConfig,
		logger:     logger,
	}
}

// ActiveCount returns the number of live child slots in use.
func (m *Manager) ActiveCount() int { return int(m.guards.active.Load()) }

// Spawn creates a child agent one ply below the parent and starts its
// first turn. Returns the agent ID and reserved nickname, or an error
// when a cap is exceeded; cap errors are reported to the model as tool
// errors, not raised.
func (m *Manager) Spawn(prompt, role string, parentDepth int, parentCtx *tools.Context, toolFilter []string) (string, string, error) {
	childDepth := parentDepth + 1
	if m.guards.exceedsDepth(childDepth) {
		return "", "", fmt.Errorf("agent depth limit (%d) reached; solve the task yourself", m.guards.maxDepth)
	}
	if !m.guards.tryReserve() {
		return "", "", fmt.Errorf("agent limit (%d) reached; wait for existing agents to complete or shut them down first", m.guards.maxThreads)
	}

	agentID := uuid.NewString()
	nickname := m.nicknames.reserve()

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		nickname: nickname,
		role:     role,
		depth:    childDepth,
		status:   newStatusCell(Status{Kind: StatusPendingInit}),
		cancel:   cancel,
		done:     make(chan struct{}),
		thread:   conversation.New(),
	}

	m.mu.Lock()
	m.agents[agentID] = h
	m.mu.Unlock()

	m.publishParent(models.AgentEvent{
		Type:     models.EventSubAgentSpawned,
		SubAgent: &models.SubAgentEvent{ID: agentID, Nickname: nickname, Role: role},
	})

	childCtx := parentCtx.Child(toolFilter)
	h.toolCtx = childCtx
	go m.runChild(runCtx, agentID, h, prompt, childCtx)

	return agentID, nickname, nil
}

func (m *Manager) publishParent(event models.AgentEvent) {
	if m.parentBus != nil {
		m.parentBus.Publish(event)
	}
}

// runChild owns the child's lifecycle: status transitions, the forwarder,
// the turn itself, and slot/nickname release.
func (m *Manager) runChild(ctx context.Context, agentID string, h *handle, prompt string, childCtx *tools.Context) {
	defer close(h.done)

	childBus := bus.New(bus.DefaultCapacity)
	forwarderDone := m.startForwarder(childBus, h.nickname)

	h.status.Set(Status{Kind: StatusRunning})
	m.publishParent(models.AgentEvent{
		Type:     models.EventSubAgentStatus,
		SubAgent: &models.SubAgentEvent{ID: agentID, Nickname: h.nickname, Status: string(StatusRunning)},
	})

	cfg := *m.childCfg
	if cfg.Name == "" || cfg.Name == "main" {
		cfg.Name = "sub-" + h.nickname
	}
	childCtx.Events = func(event models.AgentEvent) { childBus.Publish(event) }

	var usage models.SessionUsage
	h.threadMu.Lock()
	err := agent.RunTurn(ctx, prompt, &agent.TurnOptions{
		Provider:   m.provider,
		Thread:     h.thread,
		Config:     &cfg,
		Bus:        childBus,
		Dispatcher: m.dispatcher,
		ToolCtx:    childCtx,
		Usage:      &usage,
		Logger:     m.logger,
	})
	h.threadMu.Unlock()

	var final Status
	if err != nil {
		final = Status{Kind: StatusErrored, FinalMessage: err.Error()}
	} else {
		final = Status{Kind: StatusCompleted, FinalMessage: h.thread.LastAssistantText()}
	}

	childBus.Close()
	<-forwarderDone

	if h.status.Get().Kind != StatusShutdown {
		h.status.Set(final)
	}
	m.releaseHandle(h)

	finalMessage := final.FinalMessage
	if final.Kind == StatusErrored {
		finalMessage = "Error: " + final.FinalMessage
	}
	m.publishParent(models.AgentEvent{
		Type: models.EventSubAgentDone,
		SubAgent: &models.SubAgentEvent{
			ID:           agentID,
			Nickname:     h.nickname,
			FinalMessage: finalMessage,
		},
	})
	m.publishParent(models.AgentEvent{
		Type:     models.EventSubAgentStatus,
		SubAgent: &models.SubAgentEvent{ID: agentID, Nickname: h.nickname, Status: h.status.Get().String()},
	})
}

// startForwarder re-emits child events onto the parent bus with the
// nickname prepended to human-readable fields. It ends at the child's
// TurnComplete (or when the child bus closes).
func (m *Manager) startForwarder(childBus *bus.Bus, nickname string) <-chan struct{} {
	sub := childBus.Subscribe()
	done := make(chan struct{})
	prefix := "[" + nickname + "] "

	go func() {
		defer close(done)
		for {
			event, err := sub.Recv(context.Background())
			if err != nil {
				return
			}
			switch event.Type {
			case models.EventTurnComplete:
				return
			case models.EventTextDelta:
				event.Text = prefix + event.Text
			case models.EventToolCallStart, models.EventToolCallDone:
				if event.Tool != nil {
					toolCopy := *event.Tool
					toolCopy.Name = prefix + toolCopy.Name
					event.Tool = &toolCopy
				}
			}
			m.publishParent(event)
		}
	}()
	return done
}

// SendInput appends a user message to a non-final child's thread. The
// message is consumed on the child's next resumed turn.
func (m *Manager) SendInput(agentID, text string) error {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	status := h.status.Get()
	if status.Final() {
		return fmt.Errorf("agent %s (%s) is in final state: %s", agentID, h.nickname, status)
	}
	h.threadMu.Lock()
	h.thread.Append(models.TextMessage(models.RoleUser, text))
	h.threadMu.Unlock()
	return nil
}

// GetStatus returns the agent's current status; unknown IDs report
// NotFound.
func (m *Manager) GetStatus(agentID string) Status {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return Status{Kind: StatusNotFound}
	}
	return h.status.Get()
}

// SubscribeStatus returns the agent's current status and a channel that
// closes on the next status change, for callers that want to watch
// rather than poll.
func (m *Manager) SubscribeStatus(agentID string) (Status, <-chan struct{}, error) {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return Status{Kind: StatusNotFound}, nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	status, changed := h.status.Watch()
	return status, changed, nil
}

// AgentInfo returns a child's nickname and role.
func (m *Manager) AgentInfo(agentID string) (nickname, role string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, found := m.agents[agentID]
	if !found {
		return "", "", false
	}
	return h.nickname, h.role, true
}

// Shutdown cancels a child, marks it Shutdown, and releases its nickname
// and slot. Repeat calls are no-ops.
func (m *Manager) Shutdown(agentID string) (Status, error) {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return Status{Kind: StatusNotFound}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	if h.status.Get().Kind == StatusShutdown {
		return h.status.Get(), nil
	}

	h.cancel()
	h.status.Set(Status{Kind: StatusShutdown})
	m.releaseHandle(h)
	return h.status.Get(), nil
}

// Resume flips a final child back to Running so another turn can be sent
// with SendInput + RunQueuedTurn. Non-final children are left unchanged.
func (m *Manager) Resume(agentID string) (Status, error) {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return Status{Kind: StatusNotFound}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	status := h.status.Get()
	if !status.Final() {
		return status, nil
	}
	h.status.Set(Status{Kind: StatusRunning})
	return Status{Kind: StatusRunning}, nil
}

// WaitAny blocks until at least one of the agents reaches a final
// status, or the timeout expires. The timeout is clamped to
// [10s, 300s]. Agents already final (or unknown) are returned
// immediately without waiting.
func (m *Manager) WaitAny(ctx context.Context, agentIDs []string, timeoutMS int64) (map[string]Status, bool, error) {
	if len(agentIDs) == 0 {
		return nil, false, errors.New("ids must be non-empty")
	}
	if timeoutMS < minWaitAnyMS {
		timeoutMS = minWaitAnyMS
	}
	if timeoutMS > maxWaitAnyMS {
		timeoutMS = maxWaitAnyMS
	}

	immediate := make(map[string]Status)
	type watcher struct {
		id string
		h  *handle
	}
	var watchers []watcher

	m.mu.Lock()
	for _, id := range agentIDs {
		h, ok := m.agents[id]
		if !ok {
			immediate[id] = Status{Kind: StatusNotFound}
			continue
		}
		if status := h.status.Get(); status.Final() {
			immediate[id] = status
			continue
		}
		watchers = append(watchers, watcher{id: id, h: h})
	}
	m.mu.Unlock()

	if len(immediate) > 0 {
		return immediate, false, nil
	}

	deadline := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer deadline.Stop()

	type result struct {
		id     string
		status Status
	}
	firstFinal := make(chan result, len(watchers))
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	for _, w := range watchers {
		go func(w watcher) {
			for {
				status, changed := w.h.status.Watch()
				if status.Final() {
					select {
					case firstFinal <- result{id: w.id, status: status}:
					case <-watchCtx.Done():
					}
					return
				}
				select {
				case <-changed:
				case <-watchCtx.Done():
					return
				}
			}
		}(w)
	}

	select {
	case r := <-firstFinal:
		return map[string]Status{r.id: r.status}, false, nil
	case <-deadline.C:
		return map[string]Status{}, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// RunQueuedTurn runs one more turn on a resumed child using its queued
// input. Exposed for the send-input/resume flow.
func (m *Manager) RunQueuedTurn(ctx context.Context, agentID string) error {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if h.status.Get().Kind != StatusRunning {
		return fmt.Errorf("agent %s is not running", agentID)
	}

	childBus := bus.New(bus.DefaultCapacity)
	forwarderDone := m.startForwarder(childBus, h.nickname)

	toolCtx := h.toolCtx
	if toolCtx == nil {
		toolCtx = &tools.Context{Depth: h.depth}
	}
	h.threadMu.Lock()
	err := agent.RunTurn(ctx, "", &agent.TurnOptions{
		Provider:   m.provider,
		Thread:     h.thread,
		Config:     m.childCfg,
		Bus:        childBus,
		Dispatcher: m.dispatcher,
		ToolCtx:    toolCtx,
		Logger:     m.logger,
	})
	h.threadMu.Unlock()

	childBus.Close()
	<-forwarderDone

	if err != nil {
		h.status.Set(Status{Kind: StatusErrored, FinalMessage: err.Error()})
		return err
	}
	h.status.Set(Status{Kind: StatusCompleted, FinalMessage: h.thread.LastAssistantText()})
	return nil
}

// HarvestFinished drops final handles from the map, returning how many
// were removed. Join handles are harvested here or on session end.
func (m *Manager) HarvestFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, h := range m.agents {
		if h.status.Get().Final() {
			select {
			case <-h.done:
				delete(m.agents, id)
				removed++
			default:
			}
		}
	}
	return removed
}
