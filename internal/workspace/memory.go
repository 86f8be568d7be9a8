package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nyzhi-com/nyzhi/internal/sessions"
)

// MaxMemoryLines caps how much memory content is injected into the
// system prompt.
const MaxMemoryLines = 200

// MemoryDir returns the per-project memory directory under baseDir,
// keyed by the project hash.
func MemoryDir(baseDir, projectRoot string) string {
	return filepath.Join(baseDir, "memory", sessions.ProjectHash(projectRoot))
}

// UserMemoryPath returns the user-level memory file under baseDir.
func UserMemoryPath(baseDir string) string {
	return filepath.Join(baseDir, "memory", "MEMORY.md")
}

// LoadMemoryForPrompt gathers user-level and project-level memory files
// into one block, clipped to MaxMemoryLines. Returns "" when no memory
// exists.
func LoadMemoryForPrompt(baseDir, projectRoot string) string {
	var sections []string

	if content := readNonEmpty(UserMemoryPath(baseDir)); content != "" {
		sections = append(sections, "## User memory\n\n"+content)
	}

	dir := MemoryDir(baseDir, projectRoot)
	if content := readNonEmpty(filepath.Join(dir, "MEMORY.md")); content != "" {
		sections = append(sections, "## Project memory\n\n"+content)
	}
	for _, topic := range ListTopics(baseDir, projectRoot) {
		if content := readNonEmpty(filepath.Join(dir, topic+".md")); content != "" {
			sections = append(sections, fmt.Sprintf("## Memory: %s\n\n%s", topic, content))
		}
	}

	if len(sections) == 0 {
		return ""
	}
	combined := strings.Join(sections, "\n\n")
	lines := strings.Split(combined, "\n")
	if len(lines) > MaxMemoryLines {
		lines = lines[:MaxMemoryLines]
		combined = strings.Join(lines, "\n") + "\n... (memory truncated)"
	}
	return combined
}

// WriteTopic appends to (or replaces) a topic memory file and returns its
// path. The MEMORY.md index is not updated.
func WriteTopic(baseDir, projectRoot, topic, content string, replace bool) (string, error) {
	dir := MemoryDir(baseDir, projectRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	safe := sanitizeTopicName(topic)
	path := filepath.Join(dir, safe+".md")

	if replace {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
	} else {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
		if _, err := f.WriteString(content + "\n"); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
	}
	return path, nil
}

// ReadTopic returns one topic's content.
func ReadTopic(baseDir, projectRoot, topic string) (string, error) {
	path := filepath.Join(MemoryDir(baseDir, projectRoot), sanitizeTopicName(topic)+".md")
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// ListTopics returns the project's topic names, sorted.
func ListTopics(baseDir, projectRoot string) []string {
	entries, err := os.ReadDir(MemoryDir(baseDir, projectRoot))
	if err != nil {
		return nil
	}
	var topics []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || name == "MEMORY.md" {
			continue
		}
		topics = append(topics, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(topics)
	return topics
}

// ClearMemory removes the project's memory directory.
func ClearMemory(baseDir, projectRoot string) error {
	return os.RemoveAll(MemoryDir(baseDir, projectRoot))
}

func sanitizeTopicName(topic string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(topic)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "topic"
	}
	return b.String()
}

func readNonEmpty(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}
