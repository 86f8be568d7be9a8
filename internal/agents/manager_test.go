package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nyzhi-com/nyzhi/internal/bus"
	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/internal/tools"
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// scriptedProvider streams a fixed text reply for every request.
type scriptedProvider struct {
	reply string
	block chan struct{} // when set, streams block until closed
	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SupportedModels() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: "scripted-1", ContextWindow: 100000, Tier: provider.TierMedium}}
}

func (p *scriptedProvider) ChatStream(ctx context.Context, _ *provider.ChatRequest) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		if p.block != nil {
			select {
			case <-p.block:
			case <-ctx.Done():
				events <- provider.StreamEvent{Err: ctx.Err()}
				return
			}
		}
		events <- provider.StreamEvent{TextDelta: p.reply}
		events <- provider.StreamEvent{Usage: &models.Usage{InputTokens: 5, OutputTokens: 3}}
		events <- provider.StreamEvent{Done: true}
	}()
	return events, nil
}

func newTestManager(p provider.Provider, parentBus *bus.Bus, maxThreads, maxDepth int) *Manager {
	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, tools.NewTrustManager(tools.TrustOff, ""))
	return NewManager(p, dispatcher, parentBus, Config{MaxThreads: maxThreads, MaxDepth: maxDepth}, nil)
}

func parentContext() *tools.Context {
	return &tools.Context{SessionID: "s", CWD: ".", Depth: 0, Changes: tools.NewChangeTracker()}
}

func waitFinal(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status := m.GetStatus(id)
		if status.Final() {
			return status
		}
		select {
		case <-deadline:
			t.Fatalf("agent %s never reached a final state (now %s)", id, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	parentBus := bus.New(64)
	sub := parentBus.Subscribe()
	m := newTestManager(&scriptedProvider{reply: "audit finished"}, parentBus, 2, 2)

	id, nickname, err := m.Spawn("audit deps", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if nickname == "" {
		t.Error("nickname not reserved")
	}

	status := waitFinal(t, m, id)
	if status.Kind != StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	if status.FinalMessage != "audit finished" {
		t.Errorf("final message = %q", status.FinalMessage)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("active count = %d after completion, want 0", m.ActiveCount())
	}

	// Parent sees spawned, prefixed deltas, completed.
	var sawSpawned, sawPrefixedDelta, sawCompleted bool
	timeout := time.After(2 * time.Second)
	for !(sawSpawned && sawPrefixedDelta && sawCompleted) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		event, err := sub.Recv(ctx)
		cancel()
		if err != nil {
			select {
			case <-timeout:
				t.Fatalf("missing events: spawned=%v delta=%v completed=%v", sawSpawned, sawPrefixedDelta, sawCompleted)
			default:
				continue
			}
		}
		switch event.Type {
		case models.EventSubAgentSpawned:
			sawSpawned = true
		case models.EventTextDelta:
			if strings.HasPrefix(event.Text, "["+nickname+"] ") {
				sawPrefixedDelta = true
			}
		case models.EventSubAgentDone:
			sawCompleted = true
			if event.SubAgent.FinalMessage != "audit finished" {
				t.Errorf("completed event message = %q", event.SubAgent.FinalMessage)
			}
		}
	}
}

func TestSpawnDepthCap(t *testing.T) {
	m := newTestManager(&scriptedProvider{reply: "x"}, bus.New(8), 4, 2)
	if _, _, err := m.Spawn("deep", "", 2, parentContext(), nil); err == nil {
		t.Fatal("spawn beyond max depth must fail")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("failed spawn leaked a slot: %d", m.ActiveCount())
	}
}

func TestSpawnConcurrencyCap(t *testing.T) {
	block := make(chan struct{})
	p := &scriptedProvider{reply: "x", block: block}
	m := newTestManager(p, bus.New(64), 2, 3)

	id1, _, err := m.Spawn("one", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Spawn("two", "", 0, parentContext(), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Spawn("three", "", 0, parentContext(), nil); err == nil {
		t.Fatal("third spawn should exceed the cap")
	}
	if m.ActiveCount() != 2 {
		t.Errorf("active = %d, want 2", m.ActiveCount())
	}

	close(block)
	waitFinal(t, m, id1)

	// A slot opened; spawning works again.
	deadline := time.After(5 * time.Second)
	for {
		if _, _, err := m.Spawn("four", "", 0, parentContext(), nil); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slot never released")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNicknameUniqueAndReleased(t *testing.T) {
	block := make(chan struct{})
	p := &scriptedProvider{reply: "x", block: block}
	m := newTestManager(p, bus.New(64), 4, 3)

	id1, nick1, err := m.Spawn("a", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, nick2, err := m.Spawn("b", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if nick1 == nick2 {
		t.Errorf("live agents share nickname %q", nick1)
	}

	close(block)
	waitFinal(t, m, id1)
	m.nicknames.mu.Lock()
	released := !m.nicknames.used[nick1]
	m.nicknames.mu.Unlock()
	if !released {
		t.Errorf("nickname %q not released after completion", nick1)
	}
}

func TestSendInputToFinalAgentFails(t *testing.T) {
	m := newTestManager(&scriptedProvider{reply: "done"}, bus.New(8), 2, 2)
	id, _, err := m.Spawn("quick", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFinal(t, m, id)

	before := m.GetStatus(id)
	if err := m.SendInput(id, "more"); err == nil {
		t.Fatal("send_input to a final agent must error")
	}
	if got := m.GetStatus(id); got != before {
		t.Error("failed send_input mutated state")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m := newTestManager(&scriptedProvider{reply: "x", block: block}, bus.New(64), 2, 2)

	id, _, err := m.Spawn("long", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.Shutdown(id)
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != StatusShutdown {
		t.Errorf("status after shutdown = %s", first)
	}
	activeAfterFirst := m.ActiveCount()

	second, err := m.Shutdown(id)
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != StatusShutdown {
		t.Errorf("second shutdown status = %s", second)
	}
	if m.ActiveCount() != activeAfterFirst {
		t.Error("repeated shutdown released the slot twice")
	}
}

func TestWaitAnyClampsTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m := newTestManager(&scriptedProvider{reply: "x", block: block}, bus.New(64), 2, 2)

	id, _, err := m.Spawn("slow", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// 5s clamps up to 10s. Unclamped, the 5s timer would fire first and
	// return timed out with no error; clamped, the 6s context ends the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	start := time.Now()
	_, _, err = m.WaitAny(ctx, []string{id}, 5_000)
	if err == nil {
		t.Fatal("expected context deadline before the clamped 10s timeout")
	}
	if elapsed := time.Since(start); elapsed >= 10*time.Second {
		t.Errorf("wait ran %v", elapsed)
	}
}

func TestWaitAnyImmediateFinalsAndNotFound(t *testing.T) {
	m := newTestManager(&scriptedProvider{reply: "done"}, bus.New(8), 2, 2)
	id, _, err := m.Spawn("quick", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFinal(t, m, id)

	statuses, timedOut, err := m.WaitAny(context.Background(), []string{id, "ghost"}, 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if timedOut {
		t.Error("immediate finals must not time out")
	}
	if statuses[id].Kind != StatusCompleted {
		t.Errorf("status[%s] = %s", id, statuses[id])
	}
	if statuses["ghost"].Kind != StatusNotFound {
		t.Errorf(`status["ghost"] = %s`, statuses["ghost"])
	}
}

func TestWaitAnyReturnsOnFirstFinal(t *testing.T) {
	block := make(chan struct{})
	p := &scriptedProvider{reply: "first done", block: block}
	m := newTestManager(p, bus.New(64), 3, 2)

	id1, _, err := m.Spawn("one", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()

	statuses, timedOut, err := m.WaitAny(context.Background(), []string{id1}, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if timedOut {
		t.Fatal("timed out waiting for a finishing agent")
	}
	if statuses[id1].Kind != StatusCompleted {
		t.Errorf("status = %s", statuses[id1])
	}
}

func TestSubscribeStatusObservesChange(t *testing.T) {
	block := make(chan struct{})
	m := newTestManager(&scriptedProvider{reply: "x", block: block}, bus.New(64), 2, 2)

	id, _, err := m.Spawn("watch me", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}

	status, changed, err := m.SubscribeStatus(id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Final() {
		t.Fatalf("status already final: %s", status)
	}

	close(block)
	for !status.Final() {
		select {
		case <-changed:
			status, changed, err = m.SubscribeStatus(id)
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("status change never observed")
		}
	}
	if status.Kind != StatusCompleted {
		t.Errorf("final = %s", status)
	}

	if _, _, err := m.SubscribeStatus("ghost"); err == nil {
		t.Error("unknown id should error")
	}
}

func TestResumeFlipsFinalToRunning(t *testing.T) {
	m := newTestManager(&scriptedProvider{reply: "done"}, bus.New(8), 2, 2)
	id, _, err := m.Spawn("quick", "", 0, parentContext(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFinal(t, m, id)

	status, err := m.Resume(id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Kind != StatusRunning {
		t.Errorf("resume status = %s, want running", status)
	}
	if err := m.SendInput(id, "follow-up"); err != nil {
		t.Errorf("send_input after resume: %v", err)
	}
}
