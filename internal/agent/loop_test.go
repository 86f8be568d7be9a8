package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nyzhi-com/nyzhi/internal/bus"
	"github.com/nyzhi-com/nyzhi/internal/conversation"
	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/internal/tools"
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// scriptStep is one provider round: either an error returned before the
// stream opens, or a sequence of stream events.
type scriptStep struct {
	err    error
	events []provider.StreamEvent
}

func textStep(text string) scriptStep {
	return scriptStep{events: []provider.StreamEvent{
		{TextDelta: text},
		{Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
		{Done: true},
	}}
}

func toolStep(id, name, args string) scriptStep {
	half := len(args) / 2
	return scriptStep{events: []provider.StreamEvent{
		{TextDelta: "calling " + name},
		{ToolCallStart: &provider.ToolCallStart{Index: 0, ID: id, Name: name}},
		{ToolCallDelta: &provider.ToolCallDelta{Index: 0, ArgsDelta: args[:half]}},
		{ToolCallDelta: &provider.ToolCallDelta{Index: 0, ArgsDelta: args[half:]}},
		{Usage: &models.Usage{InputTokens: 12, OutputTokens: 7}},
		{Done: true},
	}}
}

// scriptedProvider replays steps in order across ChatStream calls.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
	// requests records each request for assertions.
	requests []*provider.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SupportedModels() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "scripted-high", Tier: provider.TierHigh, ContextWindow: 100000},
		{ID: "scripted-medium", Tier: provider.TierMedium, ContextWindow: 100000},
		{ID: "scripted-low", Tier: provider.TierLow, ContextWindow: 100000},
	}
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	reqCopy := *req
	p.requests = append(p.requests, &reqCopy)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.calls++
	p.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		for _, event := range step.events {
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type turnEnv struct {
	provider   *scriptedProvider
	thread     *conversation.Thread
	bus        *bus.Bus
	sub        *bus.Subscription
	dispatcher *tools.Dispatcher
	toolCtx    *tools.Context
	cfg        *Config
}

func newTurnEnv(t *testing.T, steps ...scriptStep) *turnEnv {
	t.Helper()
	b := bus.New(1024)
	dir := t.TempDir()
	registry := tools.NewRegistry()
	registry.Register(tools.ListDirTool{})
	registry.Register(tools.ReadFileTool{})
	registry.Register(tools.WriteFileTool{})

	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond

	return &turnEnv{
		provider:   &scriptedProvider{steps: steps},
		thread:     conversation.New(),
		bus:        b,
		sub:        b.Subscribe(),
		dispatcher: tools.NewDispatcher(registry, tools.NewTrustManager(tools.TrustOff, "")),
		toolCtx: &tools.Context{
			SessionID:   "test",
			CWD:         dir,
			ProjectRoot: dir,
			Changes:     tools.NewChangeTracker(),
			Todos:       tools.NewTodoStore(),
		},
		cfg: cfg,
	}
}

func (e *turnEnv) options() *TurnOptions {
	return &TurnOptions{
		Provider:   e.provider,
		Thread:     e.thread,
		Config:     e.cfg,
		Bus:        e.bus,
		Dispatcher: e.dispatcher,
		ToolCtx:    e.toolCtx,
		Usage:      &models.SessionUsage{},
	}
}

// drain collects every event published so far.
func (e *turnEnv) drain() []models.AgentEvent {
	var events []models.AgentEvent
	for {
		event, ok := e.sub.TryRecv()
		if !ok {
			return events
		}
		events = append(events, event)
	}
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func hasEvent(events []models.AgentEvent, typ models.AgentEventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestSingleReadOnlyToolCallScenario(t *testing.T) {
	env := newTurnEnv(t)
	if err := os.MkdirAll(filepath.Join(env.toolCtx.ProjectRoot, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.toolCtx.ProjectRoot, "src", "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	env.provider.steps = []scriptStep{
		toolStep("tu_1", "list_dir", `{"path":"src"}`),
		textStep("src contains main.go"),
	}

	if err := RunTurn(context.Background(), "list @src", env.options()); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	msgs := env.thread.Messages()
	if len(msgs) != 4 {
		t.Fatalf("thread has %d messages, want 4 (user, assistant+tool_use, user+tool_result, assistant)", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "<context>") || !strings.Contains(msgs[0].Content, "main.go") {
		t.Errorf("mention not resolved into context block: %q", msgs[0].Content)
	}
	if !msgs[1].HasToolUse() {
		t.Error("assistant message missing tool use")
	}
	results := msgs[2].ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "tu_1" {
		t.Errorf("tool result = %+v", results)
	}
	if msgs[3].AsText() != "src contains main.go" {
		t.Errorf("final assistant = %q", msgs[3].AsText())
	}
	if dangling := env.thread.CheckToolPairing(); len(dangling) != 0 {
		t.Errorf("dangling tool uses: %v", dangling)
	}

	events := env.drain()
	if hasEvent(events, models.EventApprovalRequest) {
		t.Error("read-only flow must not prompt for approval")
	}
	for _, want := range []models.AgentEventType{models.EventToolCallStart, models.EventToolCallDone, models.EventTurnComplete} {
		if !hasEvent(events, want) {
			t.Errorf("missing event %s in %v", want, eventTypes(events))
		}
	}
}

func TestApprovalFlowGranted(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{
		toolStep("tu_1", "write_file", `{"path":"x.txt","content":"hi"}`),
		textStep("written"),
	}

	// Respond to the approval request as it arrives.
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			event, err := env.sub.Recv(ctx)
			cancel()
			if err == nil && event.Type == models.EventApprovalRequest {
				if event.Approval.ToolName != "write_file" {
					panic("unexpected approval tool " + event.Approval.ToolName)
				}
				event.Approval.Responder.Respond(true)
				return
			}
			select {
			case <-deadline:
				return
			default:
			}
		}
	}()

	if err := RunTurn(context.Background(), "write it", env.options()); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(env.toolCtx.CWD, "x.txt"))
	if err != nil || string(content) != "hi" {
		t.Errorf("file after approval = %q, %v", content, err)
	}
}

func TestApprovalFlowDenied(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{
		toolStep("tu_1", "write_file", `{"path":"x.txt","content":"hi"}`),
		textStep("understood"),
	}

	go func() {
		deadline := time.After(5 * time.Second)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			event, err := env.sub.Recv(ctx)
			cancel()
			if err == nil && event.Type == models.EventApprovalRequest {
				event.Approval.Responder.Respond(false)
				return
			}
			select {
			case <-deadline:
				return
			default:
			}
		}
	}()

	if err := RunTurn(context.Background(), "write it", env.options()); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.toolCtx.CWD, "x.txt")); !os.IsNotExist(err) {
		t.Error("file written despite denial")
	}
	results := env.thread.Messages()[2].ToolResults()
	if len(results) != 1 || results[0].Content != tools.DeclinedMessage || !results[0].IsError {
		t.Errorf("denial result = %+v", results)
	}
}

type fakeRotator struct {
	mu       sync.Mutex
	calls    int
	rotated  bool
	waitSeen time.Duration
}

func (r *fakeRotator) RotateOnRateLimit(_ string, wait time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.waitSeen = wait
	if !r.rotated {
		r.rotated = true
		return true, nil
	}
	return false, nil
}

func TestRateLimitRotationBeforeRetry(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{
		{err: &provider.Error{Kind: provider.KindRateLimited, RetryAfter: 30 * time.Second, HasRetryAfter: true}},
		textStep("recovered"),
	}
	rotator := &fakeRotator{}
	opts := env.options()
	opts.Rotator = rotator

	start := time.Now()
	if err := RunTurn(context.Background(), "go", opts); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	// Rotation retries immediately; the 30s retry-after must not be slept.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("rotation path slept %v", elapsed)
	}
	if rotator.calls != 1 {
		t.Errorf("rotator calls = %d, want 1", rotator.calls)
	}
	if rotator.waitSeen != 30*time.Second {
		t.Errorf("rotator saw wait %v, want retry_after 30s", rotator.waitSeen)
	}
	if env.provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", env.provider.callCount())
	}
	if hasEvent(env.drain(), models.EventRetrying) {
		t.Error("rotation must not consume a retry")
	}
}

func TestRateLimitBackoffWhenRotationExhausted(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{
		{err: &provider.Error{Kind: provider.KindRateLimited}},
		{err: &provider.Error{Kind: provider.KindRateLimited}},
		textStep("eventually"),
	}
	rotator := &fakeRotator{rotated: true} // no accounts left to rotate to
	opts := env.options()
	opts.Rotator = rotator

	if err := RunTurn(context.Background(), "go", opts); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	retries := 0
	for _, event := range env.drain() {
		if event.Type == models.EventRetrying {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("retry events = %d, want 2", retries)
	}
}

func TestTransientRetriesExhaust(t *testing.T) {
	env := newTurnEnv(t)
	env.cfg.Retry.MaxRetries = 2
	env.provider.steps = []scriptStep{
		{err: &provider.Error{Kind: provider.KindTransient, Status: 503}},
		{err: &provider.Error{Kind: provider.KindTransient, Status: 503}},
		{err: &provider.Error{Kind: provider.KindTransient, Status: 503}},
	}

	err := RunTurn(context.Background(), "go", env.options())
	if err == nil {
		t.Fatal("exhausted retries must fail the turn")
	}
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindTransient {
		t.Errorf("err = %v", err)
	}
	if env.provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want initial + 2 retries", env.provider.callCount())
	}
	if !hasEvent(env.drain(), models.EventError) {
		t.Error("error event not emitted")
	}
}

func TestAuthFailedIsFatalWithoutRetry(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{
		{err: &provider.Error{Kind: provider.KindAuthFailed, Status: 401}},
	}

	if err := RunTurn(context.Background(), "go", env.options()); err == nil {
		t.Fatal("auth failure must be fatal")
	}
	if env.provider.callCount() != 1 {
		t.Errorf("auth failure retried: %d calls", env.provider.callCount())
	}
}

func TestContextTooLongCompactsOnceWithoutRetryCost(t *testing.T) {
	env := newTurnEnv(t)
	// Build a thread long enough to have a compactable prefix.
	env.thread.Append(models.TextMessage(models.RoleUser, "earlier question"))
	env.thread.Append(models.TextMessage(models.RoleAssistant, "earlier answer"))
	env.thread.Append(models.TextMessage(models.RoleUser, "another question"))
	env.thread.Append(models.TextMessage(models.RoleAssistant, "another answer"))

	env.provider.steps = []scriptStep{
		{err: &provider.Error{Kind: provider.KindContextTooLong, Status: 400}},
		textStep("## User Intent\nkeep going"), // the summary request
		textStep("final answer"),
	}

	if err := RunTurn(context.Background(), "go", env.options()); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if env.provider.callCount() != 3 {
		t.Errorf("provider calls = %d", env.provider.callCount())
	}
	if hasEvent(env.drain(), models.EventRetrying) {
		t.Error("compaction after context overflow must not consume a retry")
	}

	var sysCount int
	for _, msg := range env.thread.Messages() {
		if msg.Role == models.RoleSystem && strings.Contains(msg.Content, "## User Intent") {
			sysCount++
			if !strings.HasSuffix(msg.Content, conversation.ContinuationPreamble) {
				t.Error("summary missing continuation preamble")
			}
		}
	}
	if sysCount != 1 {
		t.Errorf("summary system messages = %d, want 1", sysCount)
	}
}

func TestAutoCompactionAfterTurn(t *testing.T) {
	env := newTurnEnv(t)
	env.cfg.ContextWindow = 1000 // tiny window to force the trigger
	big := strings.Repeat("x", 2000)
	env.thread.Append(models.TextMessage(models.RoleUser, big))
	env.thread.Append(models.TextMessage(models.RoleAssistant, big))
	env.thread.Append(models.TextMessage(models.RoleUser, "keep 1"))
	env.thread.Append(models.TextMessage(models.RoleAssistant, "keep 2"))

	env.provider.steps = []scriptStep{
		textStep("turn answer"),
		textStep("## User Intent\nsummarized"),
	}

	if err := RunTurn(context.Background(), "go", env.options()); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	events := env.drain()
	var compactEvent *models.AgentEvent
	for i := range events {
		if events[i].Type == models.EventAutoCompacting {
			compactEvent = &events[i]
		}
	}
	if compactEvent == nil {
		t.Fatal("auto-compacting event not emitted")
	}
	if compactEvent.Compact.ContextWindow != 1000 {
		t.Errorf("compact event window = %d", compactEvent.Compact.ContextWindow)
	}

	first := env.thread.Messages()[0]
	if first.Role != models.RoleSystem || !strings.HasPrefix(first.Content, "## User Intent") {
		t.Errorf("thread[0] after compaction = %+v", first)
	}
}

func TestAutoCompactionFailureKeepsThread(t *testing.T) {
	env := newTurnEnv(t)
	env.cfg.ContextWindow = 1000
	env.thread.Append(models.TextMessage(models.RoleUser, strings.Repeat("x", 4000)))
	env.thread.Append(models.TextMessage(models.RoleAssistant, "a"))
	env.thread.Append(models.TextMessage(models.RoleUser, "b"))

	env.provider.steps = []scriptStep{
		textStep("turn answer"),
		{err: &provider.Error{Kind: provider.KindTransient, Status: 500}},
		{err: &provider.Error{Kind: provider.KindTransient, Status: 500}},
		{err: &provider.Error{Kind: provider.KindTransient, Status: 500}},
		{err: &provider.Error{Kind: provider.KindTransient, Status: 500}},
	}

	before := env.thread.Len() + 2 // +user input +assistant answer
	if err := RunTurn(context.Background(), "go", env.options()); err != nil {
		t.Fatalf("summary failure must not fail the turn: %v", err)
	}
	if env.thread.Len() != before {
		t.Errorf("thread mutated on failed compaction: %d messages, want %d", env.thread.Len(), before)
	}
}

func TestMaxStepsExhausted(t *testing.T) {
	env := newTurnEnv(t)
	env.cfg.MaxSteps = 2
	env.provider.steps = []scriptStep{
		toolStep("tu_1", "list_dir", `{}`),
		toolStep("tu_2", "list_dir", `{}`),
		textStep("never reached"),
	}

	err := RunTurn(context.Background(), "loop forever", env.options())
	if !errors.Is(err, ErrMaxSteps) {
		t.Fatalf("err = %v, want ErrMaxSteps", err)
	}
}

func TestCancellationStopsTurn(t *testing.T) {
	env := newTurnEnv(t)
	release := make(chan struct{})
	env.provider.steps = []scriptStep{{events: nil}}
	// Override with a blocking provider.
	blocking := &blockingProvider{release: release}

	opts := env.options()
	opts.Provider = blocking

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunTurn(ctx, "hang", opts) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not stop on cancel")
	}
	if !hasEvent(env.drain(), models.EventError) {
		t.Error("cancellation must emit an error event")
	}
}

type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) SupportedModels() []provider.ModelInfo { return nil }

func (p *blockingProvider) ChatStream(ctx context.Context, _ *provider.ChatRequest) (<-chan provider.StreamEvent, error) {
	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		select {
		case <-ctx.Done():
			events <- provider.StreamEvent{Err: ctx.Err()}
		case <-p.release:
			events <- provider.StreamEvent{Done: true}
		}
	}()
	return events, nil
}

func TestRoutingEmitsRoutedModel(t *testing.T) {
	env := newTurnEnv(t)
	env.cfg.RoutingEnabled = true
	env.cfg.Model = "scripted-low"
	env.provider.steps = []scriptStep{textStep("ok")}

	opts := env.options()
	opts.Router = HeuristicRouter{}

	if err := RunTurn(context.Background(), "analyze the tradeoffs of this architecture", opts); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	events := env.drain()
	var routed *models.RoutedEvent
	for _, event := range events {
		if event.Type == models.EventRoutedModel {
			routed = event.Routed
		}
	}
	if routed == nil {
		t.Fatal("routed event not emitted")
	}
	if routed.Tier != string(provider.TierHigh) || routed.Model != "scripted-high" {
		t.Errorf("routed = %+v", routed)
	}
	env.provider.mu.Lock()
	lastModel := env.provider.requests[len(env.provider.requests)-1].Model
	env.provider.mu.Unlock()
	if lastModel != "scripted-high" {
		t.Errorf("request model = %q", lastModel)
	}
}

func TestUsageAccumulates(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{
		toolStep("tu_1", "list_dir", `{}`),
		textStep("done"),
	}
	opts := env.options()
	if err := RunTurn(context.Background(), "go", opts); err != nil {
		t.Fatal(err)
	}
	if opts.Usage.Requests != 2 {
		t.Errorf("requests = %d, want 2", opts.Usage.Requests)
	}
	if opts.Usage.InputTokens != 22 || opts.Usage.OutputTokens != 12 {
		t.Errorf("usage = %+v", opts.Usage)
	}
}

func TestToolSpecsSentToProvider(t *testing.T) {
	env := newTurnEnv(t)
	env.provider.steps = []scriptStep{textStep("ok")}
	if err := RunTurn(context.Background(), "go", env.options()); err != nil {
		t.Fatal(err)
	}
	env.provider.mu.Lock()
	req := env.provider.requests[0]
	env.provider.mu.Unlock()

	names := make(map[string]bool)
	for _, spec := range req.Tools {
		names[spec.Name] = true
		var schema map[string]any
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			t.Errorf("tool %s schema invalid: %v", spec.Name, err)
		}
	}
	for _, want := range []string{"list_dir", "read_file", "write_file"} {
		if !names[want] {
			t.Errorf("tool %s missing from request; got %v", want, names)
		}
	}
}

func TestToolFilterLimitsRequestAndDispatch(t *testing.T) {
	env := newTurnEnv(t)
	env.toolCtx.AllowedToolNames = []string{"read_file"}
	env.provider.steps = []scriptStep{
		toolStep("tu_1", "write_file", `{"path":"x","content":"y"}`),
		textStep("ok"),
	}

	if err := RunTurn(context.Background(), "go", env.options()); err != nil {
		t.Fatal(err)
	}

	env.provider.mu.Lock()
	req := env.provider.requests[0]
	env.provider.mu.Unlock()
	if len(req.Tools) != 1 || req.Tools[0].Name != "read_file" {
		t.Errorf("filtered request tools = %+v", req.Tools)
	}

	results := env.thread.Messages()[2].ToolResults()
	if len(results) != 1 || !results[0].IsError {
		t.Errorf("excluded tool call result = %+v", results)
	}
	if !strings.Contains(results[0].Content, "not allowed") {
		t.Errorf("result text = %q", results[0].Content)
	}
}

func TestMicrocompactionDuringTurn(t *testing.T) {
	env := newTurnEnv(t)
	storage := t.TempDir()
	big, err := os.CreateTemp(env.toolCtx.CWD, "big-*.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := big.WriteString(strings.Repeat("z", 5000)); err != nil {
		t.Fatal(err)
	}
	big.Close()
	name := filepath.Base(big.Name())

	// Four read_file calls of the same big file: the first result goes
	// cold once three hotter ones exist.
	env.provider.steps = []scriptStep{
		toolStep("tu_1", "read_file", fmt.Sprintf(`{"path":%q}`, name)),
		toolStep("tu_2", "read_file", fmt.Sprintf(`{"path":%q}`, name)),
		toolStep("tu_3", "read_file", fmt.Sprintf(`{"path":%q}`, name)),
		toolStep("tu_4", "read_file", fmt.Sprintf(`{"path":%q}`, name)),
		textStep("done"),
	}
	opts := env.options()
	opts.StorageDir = storage

	if err := RunTurn(context.Background(), "read it all", opts); err != nil {
		t.Fatal(err)
	}

	var offloaded int
	for _, msg := range env.thread.Messages() {
		for _, part := range msg.Parts {
			if part.Type == models.PartToolResult && strings.Contains(part.Content, "Tool output saved to") {
				offloaded++
			}
		}
	}
	if offloaded == 0 {
		t.Error("no cold tool result was offloaded")
	}
	entries, err := os.ReadDir(storage)
	if err != nil || len(entries) == 0 {
		t.Errorf("offload directory empty: %v", err)
	}
}
