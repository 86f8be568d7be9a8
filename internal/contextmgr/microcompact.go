package contextmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

const (
	// MicrocompactThreshold is the minimum tool-result size, in bytes,
	// eligible for offload.
	MicrocompactThreshold = 4000

	// HotTailCount is how many trailing tool-result messages stay inline.
	HotTailCount = 3
)

// Microcompact offloads large tool results from cold messages to disk,
// replacing the inline content with a pointer marker. The last
// HotTailCount tool-result messages are kept fully inline. Runs
// independently of summary compaction. Returns the number of results
// offloaded.
func Microcompact(messages []models.Message, storageDir string) int {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return 0
	}

	var toolResultIndices []int
	for i := range messages {
		for _, part := range messages[i].Parts {
			if part.Type == models.PartToolResult {
				toolResultIndices = append(toolResultIndices, i)
				break
			}
		}
	}

	coldCount := len(toolResultIndices) - HotTailCount
	if coldCount <= 0 {
		return 0
	}

	offloaded := 0
	for _, idx := range toolResultIndices[:coldCount] {
		parts := messages[idx].Parts
		for pi := range parts {
			part := &parts[pi]
			if part.Type != models.PartToolResult || len(part.Content) < MicrocompactThreshold {
				continue
			}
			filename := "tool_result_" + sanitizeID(part.ToolUseID) + ".txt"
			path := filepath.Join(storageDir, filename)
			if err := os.WriteFile(path, []byte(part.Content), 0o644); err != nil {
				continue
			}
			chars := len(part.Content)
			part.Content = fmt.Sprintf(
				"[Tool output saved to %s (%d chars). Use read_file to retrieve if needed.]",
				path, chars)
			offloaded++
		}
	}
	return offloaded
}

func sanitizeID(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(id)
}
