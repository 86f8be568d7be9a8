package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nyzhi-com/nyzhi/internal/agent"
	"github.com/nyzhi-com/nyzhi/internal/agents"
	"github.com/nyzhi-com/nyzhi/internal/auth"
	"github.com/nyzhi-com/nyzhi/internal/bus"
	"github.com/nyzhi-com/nyzhi/internal/config"
	"github.com/nyzhi-com/nyzhi/internal/contextmgr"
	"github.com/nyzhi-com/nyzhi/internal/conversation"
	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/internal/sessions"
	"github.com/nyzhi-com/nyzhi/internal/tools"
	"github.com/nyzhi-com/nyzhi/internal/workspace"
	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// rotatorAdapter bridges the credential store to the turn loop's
// rotation hook.
type rotatorAdapter struct {
	store *auth.Store
}

func (r rotatorAdapter) RotateOnRateLimit(providerID string, wait time.Duration) (bool, error) {
	token, err := r.store.RotateOnRateLimit(providerID, wait)
	if err != nil {
		return false, err
	}
	return token != nil, nil
}

func runChat(cmd *cobra.Command, configPath, resumeID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	ws := workspace.Detect(cwd)

	credStore := auth.NewStore(authPath(cfg))
	backend, err := buildProvider(cfg, credStore)
	if err != nil {
		return err
	}

	modelInfo, _ := provider.FindModel(backend, cfg.Model)
	if modelInfo.ID == "" && cfg.Model != "" {
		// Accept provider-qualified IDs like "anthropic/claude-sonnet-4-5".
		if owner, info, ok := provider.NewRegistry().Find(cfg.Model); ok && owner == backend.Name() {
			modelInfo = info
		}
	}
	if modelInfo.ID == "" {
		if first, ok := provider.ModelForTier(backend, provider.TierMedium); ok {
			modelInfo = first
		}
	}

	// Tool surface.
	registry := tools.NewRegistry()
	registry.Register(tools.ReadFileTool{})
	registry.Register(tools.WriteFileTool{})
	registry.Register(tools.EditFileTool{})
	registry.Register(tools.ListDirTool{})
	registry.Register(tools.DeleteFileTool{})
	registry.Register(tools.MoveFileTool{})
	registry.Register(tools.ShellTool{})
	registry.Register(tools.GitStatusTool{})
	registry.Register(tools.GitDiffTool{})
	registry.Register(tools.GitLogTool{})
	registry.Register(tools.GitCommitTool{})
	registry.Register(tools.ApplyPatchTool{})
	registry.Register(tools.NewWebFetchTool())
	registry.Register(tools.TodoWriteTool{})
	registry.Register(tools.TodoReadTool{})

	trust := tools.NewTrustManager(tools.TrustMode(trustModeFor(cfg)), ws.ProjectRoot)
	dispatcher := tools.NewDispatcher(registry, trust)

	eventBus := bus.New(bus.DefaultCapacity)

	manager := agents.NewManager(backend, dispatcher, eventBus, agents.Config{
		MaxThreads:  cfg.Agents.MaxThreads,
		MaxDepth:    cfg.Agents.MaxDepth,
		ChildConfig: agentConfigFrom(cfg, childSystemPrompt(), modelInfo.ContextWindow),
	}, logger)
	registry.Register(agents.NewTaskTool(manager))
	registry.Register(agents.NewSpawnAgentTool(manager))
	registry.Register(agents.NewSendInputTool(manager))
	registry.Register(agents.NewAgentStatusTool(manager))
	registry.Register(agents.NewWaitForAgentsTool(manager))
	registry.Register(agents.NewShutdownAgentTool(manager))

	sessionStore := sessions.NewStore(cfg.ResolvedDataDir())
	thread := conversation.New()
	if resumeID != "" {
		saved, err := sessionStore.Load(ws.ProjectRoot, resumeID)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		thread = conversation.Restore(saved.ID, saved.Messages, saved.CreatedAt)
		fmt.Fprintf(cmd.OutOrStdout(), "resumed %q (%d messages)\n", saved.Title, len(saved.Messages))
	}
	storageDir := filepath.Join(cfg.ResolvedDataDir(), "tool_results", thread.ID())

	toolCtx := &tools.Context{
		SessionID:   thread.ID(),
		CWD:         cwd,
		ProjectRoot: ws.ProjectRoot,
		Changes:     tools.NewChangeTracker(),
		Todos:       tools.NewTodoStore(),
		Sandbox:     sandboxLevelFor(cfg),
		Events:      func(event models.AgentEvent) { eventBus.Publish(event) },
	}

	usage := &models.SessionUsage{}

	// Renderer: the UI proper is out of scope; this consumer prints
	// deltas and answers approval prompts on stdin.
	renderCtx, stopRender := context.WithCancel(context.Background())
	defer stopRender()
	go renderEvents(renderCtx, eventBus.Subscribe(), cmd.OutOrStdout())

	fmt.Fprintf(cmd.OutOrStdout(), "nyzhi | %s (%s) | project %s\n", backend.Name(), modelInfo.ID, ws.ProjectRoot)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(cmd.OutOrStdout(), "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}
		if input == "/context" {
			breakdown := contextmgr.ComputeBreakdown(thread.Messages(), "", modelInfo.ContextWindow, cfg.AutoCompactRatio)
			fmt.Fprintln(cmd.OutOrStdout(), breakdown.FormatDisplay())
			continue
		}

		systemPrompt := agent.ComposeSystemPrompt(agent.PromptInputs{
			Workspace: ws,
			Rules:     workspace.LoadRules(ws.ProjectRoot),
			Modular:   workspace.LoadModularRules(ws.ProjectRoot, ""),
			Memory:    workspace.LoadMemoryForPrompt(cfg.ResolvedDataDir(), ws.ProjectRoot),
			Tools:     registry.All(),
			Model:     modelInfo,
		})
		agentCfg := agentConfigFrom(cfg, systemPrompt, modelInfo.ContextWindow)

		turnCtx, cancelTurn := signalContext()
		err := agent.RunTurn(turnCtx, input, &agent.TurnOptions{
			Provider:   backend,
			Thread:     thread,
			Config:     agentCfg,
			Bus:        eventBus,
			Dispatcher: dispatcher,
			ToolCtx:    toolCtx,
			Usage:      usage,
			Router:     agent.HeuristicRouter{},
			Rotator:    rotatorAdapter{store: credStore},
			StorageDir: storageDir,
			Logger:     logger,
		})
		cancelTurn()

		switch {
		case err == nil:
			// Only successful turns are persisted.
			session := &models.Session{
				ID:        thread.ID(),
				Provider:  backend.Name(),
				Model:     modelInfo.ID,
				Messages:  thread.Messages(),
				CreatedAt: thread.CreatedAt(),
			}
			if saveErr := sessionStore.Save(ws.ProjectRoot, session); saveErr != nil {
				logger.Warn("session save failed", "error", saveErr)
			}
		case errors.Is(err, agent.ErrCancelled):
			fmt.Fprintln(cmd.OutOrStdout(), "\n(cancelled)")
		default:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nturn failed: %v\n", err)
		}
	}
}

// signalContext cancels on Ctrl-C for the duration of one turn.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func sandboxLevelFor(cfg *config.Config) tools.SandboxLevel {
	switch cfg.Sandbox {
	case "workspace":
		return tools.SandboxWorkspace
	case "read_only":
		return tools.SandboxReadOnly
	default:
		return tools.SandboxOff
	}
}

func childSystemPrompt() string {
	return "You are a focused sub-agent. Complete the assigned task thoroughly " +
		"and return your findings. Be concise but complete. You have access to " +
		"the standard tools."
}

// renderEvents prints the event stream and services approval prompts.
func renderEvents(ctx context.Context, sub *bus.Subscription, out io.Writer) {
	reader := bufio.NewReader(os.Stdin)
	for {
		event, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		switch event.Type {
		case models.EventTextDelta:
			fmt.Fprint(out, event.Text)
		case models.EventThinkingDelta:
			// Hidden by default.
		case models.EventToolCallStart:
			fmt.Fprintf(out, "\n[tool %s]\n", event.Tool.Name)
		case models.EventToolCallDone:
			fmt.Fprintf(out, "[%s done in %dms]\n", event.Tool.Name, event.Tool.ElapsedMS)
		case models.EventApprovalRequest:
			fmt.Fprintf(out, "\nallow %s? (%s) [y/N] ", event.Approval.ToolName, event.Approval.Summary)
			line, _ := reader.ReadString('\n')
			answer := strings.TrimSpace(strings.ToLower(line))
			event.Approval.Responder.Respond(answer == "y" || answer == "yes")
		case models.EventRetrying:
			fmt.Fprintf(out, "\n[retry %d/%d in %s: %s]\n",
				event.Retry.Attempt, event.Retry.Max, event.Retry.Wait, event.Retry.Reason)
		case models.EventAutoCompacting:
			fmt.Fprintf(out, "\n[compacting: ~%d tokens of %d]\n",
				event.Compact.EstimatedTokens, event.Compact.ContextWindow)
		case models.EventRoutedModel:
			fmt.Fprintf(out, "\n[routed to %s (%s)]\n", event.Routed.Model, event.Routed.Tier)
		case models.EventSubAgentSpawned:
			fmt.Fprintf(out, "\n[spawned %s (%s)]\n", event.SubAgent.Nickname, event.SubAgent.ID)
		case models.EventSubAgentDone:
			fmt.Fprintf(out, "\n[%s finished]\n", event.SubAgent.Nickname)
		case models.EventError:
			fmt.Fprintf(out, "\n[error: %s]\n", event.Text)
		case models.EventLagged:
			fmt.Fprintf(out, "\n[%d events dropped]\n", event.Dropped)
		}
	}
}

func newSessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			ws := workspace.Detect(cwd)
			store := sessions.NewStore(cfg.ResolvedDataDir())
			list, err := store.List(ws.ProjectRoot)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			for _, session := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
					session.ID, session.UpdatedAt.Format(time.RFC3339), session.Title)
			}
			return nil
		},
	}
}
