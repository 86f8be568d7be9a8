package contextmgr

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

const transcriptClipBytes = 2000

// BuildCompactionPrompt renders the conversation into the standalone
// summary request. The summary's six sections are fixed; downstream code
// recognizes the "## User Intent" opener.
func BuildCompactionPrompt(messages []models.Message, focusHint string) string {
	var transcript strings.Builder
	for i := range messages {
		msg := &messages[i]
		text := msg.AsText()
		if text == "" {
			continue
		}
		if len(text) > transcriptClipBytes {
			text = text[:transcriptClipBytes] + "...[truncated]"
		}
		transcript.WriteString(roleLabel(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(text)
		transcript.WriteString("\n\n")
	}

	focus := ""
	if focusHint != "" {
		focus = "\nPay special attention to: " + focusHint + "\n"
	}

	return fmt.Sprintf(
		"Summarize this conversation into a structured working state that allows "+
			"continuation without re-asking questions. Include these sections:\n\n"+
			"## User Intent\n"+
			"What the user asked for and any changes to the original request.\n\n"+
			"## Key Decisions\n"+
			"Technical decisions made and why.\n\n"+
			"## Files Changed\n"+
			"Files touched with brief description of changes.\n\n"+
			"## Errors & Fixes\n"+
			"Errors encountered and how they were resolved. Skip if none.\n\n"+
			"## Current State\n"+
			"What has been completed and what remains.\n\n"+
			"## Next Step\n"+
			"The immediate next action to continue work.\n"+
			"%s\n---\n\n%s",
		focus, transcript.String())
}

func roleLabel(role models.Role) string {
	switch role {
	case models.RoleUser:
		return "User"
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleSystem:
		return "System"
	case models.RoleTool:
		return "Tool"
	default:
		return string(role)
	}
}

// ExtractRecentFilePaths lists paths touched by recent file tools, newest
// first, for post-compaction context restoration.
func ExtractRecentFilePaths(messages []models.Message, maxFiles int) []string {
	var paths []string
	seen := make(map[string]bool)
	for i := len(messages) - 1; i >= 0 && len(paths) < maxFiles; i-- {
		for _, part := range messages[i].Parts {
			if part.Type != models.PartToolUse {
				continue
			}
			switch part.Name {
			case "read_file", "write_file", "edit_file":
				if path := pathArg(part.Input); path != "" && !seen[path] {
					seen[path] = true
					paths = append(paths, path)
				}
			}
		}
	}
	if len(paths) > maxFiles {
		paths = paths[:maxFiles]
	}
	return paths
}

func pathArg(input []byte) string {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Path == "" {
		return ""
	}
	return filepath.Clean(args.Path)
}
