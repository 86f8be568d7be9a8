package agent

import (
	"fmt"
	"strings"

	"github.com/nyzhi-com/nyzhi/internal/provider"
	"github.com/nyzhi-com/nyzhi/internal/tools"
	"github.com/nyzhi-com/nyzhi/internal/workspace"
)

// PromptInputs collects everything that feeds the system prompt.
type PromptInputs struct {
	Workspace workspace.Context
	Rules     string
	Modular   []string
	Memory    string
	Tools     []tools.Tool
	Model     provider.ModelInfo
	PlanMode  bool
}

// ComposeSystemPrompt builds the system prompt from workspace context,
// project rules, memory, and tool summaries. Composition is rerun each
// turn so rules and memory edits take effect immediately.
func ComposeSystemPrompt(in PromptInputs) string {
	var b strings.Builder

	b.WriteString("You are nyzhi, a coding assistant operating in a terminal. ")
	b.WriteString("Work inside the user's project, prefer small verifiable steps, and use tools rather than guessing.\n")

	fmt.Fprintf(&b, "\n## Workspace\n\nWorking directory: %s\nProject root: %s\n",
		in.Workspace.CWD, in.Workspace.ProjectRoot)
	if in.Workspace.ProjectType != "" {
		fmt.Fprintf(&b, "Project type: %s\n", in.Workspace.ProjectType)
	}
	if in.Workspace.GitBranch != "" {
		fmt.Fprintf(&b, "Git branch: %s\n", in.Workspace.GitBranch)
	}

	if in.Model.ID != "" {
		fmt.Fprintf(&b, "\n## Model\n\nActive model: %s (context window %d tokens)\n", in.Model.ID, in.Model.ContextWindow)
		if in.Model.SupportsVision {
			b.WriteString("Vision input is supported; image attachments may appear in messages.\n")
		}
	}

	if len(in.Tools) > 0 {
		b.WriteString("\n## Tools\n\n")
		for _, tool := range in.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name(), firstSentence(tool.Description()))
		}
	}

	if in.PlanMode {
		b.WriteString("\n## Plan mode\n\nYou are planning only: describe the steps you would take, do not mutate files or run commands.\n")
	}

	if in.Rules != "" {
		b.WriteString("\n## Project rules\n\n")
		b.WriteString(in.Rules)
		b.WriteString("\n")
	}
	for _, rule := range in.Modular {
		b.WriteString("\n")
		b.WriteString(rule)
		b.WriteString("\n")
	}

	if in.Memory != "" {
		b.WriteString("\n")
		b.WriteString(in.Memory)
		b.WriteString("\n")
	}

	return b.String()
}

func firstSentence(s string) string {
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[:idx+1]
	}
	return s
}
