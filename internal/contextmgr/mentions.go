package contextmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxMentionFileSize = 100 * 1024
	maxDirEntries      = 200
)

// ContextFile is one resolved @-mention attachment.
type ContextFile struct {
	Path        string
	DisplayPath string
	Content     string
	IsDir       bool
	LineCount   int
	Truncated   bool
}

var mentionRe = regexp.MustCompile(`@([\w./~-]+)`)

// ParseMentions extracts @path mentions from user input. A mention whose
// @ is directly preceded by an alphanumeric character (or a dot) is
// skipped, which excludes email addresses.
func ParseMentions(input string) []string {
	var mentions []string
	seen := make(map[string]bool)
	for _, loc := range mentionRe.FindAllStringSubmatchIndex(input, -1) {
		start := loc[0]
		if start > 0 {
			prev := rune(input[start-1])
			if isAlnum(prev) || prev == '.' {
				continue
			}
		}
		path := input[loc[2]:loc[3]]
		if !seen[path] {
			seen[path] = true
			mentions = append(mentions, path)
		}
	}
	return mentions
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// ResolveContextFiles resolves mention strings against the project root
// first, then the cwd. Tilde expands to the home directory. Unresolvable
// mentions are silently dropped.
func ResolveContextFiles(mentions []string, projectRoot, cwd string) []ContextFile {
	var files []ContextFile
	for _, mention := range mentions {
		expanded := expandMention(mention, projectRoot, cwd)
		if expanded == "" {
			continue
		}
		info, err := os.Stat(expanded)
		if err != nil {
			continue
		}
		if info.IsDir() {
			if cf := readDirectory(expanded, mention); cf != nil {
				files = append(files, *cf)
			}
		} else {
			if cf := readMentionFile(expanded, mention, info.Size()); cf != nil {
				files = append(files, *cf)
			}
		}
	}
	return files
}

func expandMention(mention, projectRoot, cwd string) string {
	if rest, ok := strings.CutPrefix(mention, "~"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, strings.TrimPrefix(rest, "/"))
	}
	if filepath.IsAbs(mention) {
		return mention
	}
	fromRoot := filepath.Join(projectRoot, mention)
	if _, err := os.Stat(fromRoot); err == nil {
		return fromRoot
	}
	return filepath.Join(cwd, mention)
}

func readMentionFile(path, display string, size int64) *ContextFile {
	if size == 0 {
		return &ContextFile{Path: path, DisplayPath: display}
	}

	truncated := size > maxMentionFileSize
	var raw []byte
	if truncated {
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		raw = make([]byte, maxMentionFileSize)
		n, err := f.Read(raw)
		if err != nil && n == 0 {
			return nil
		}
		raw = raw[:n]
	} else {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil
		}
	}

	content := string(raw)
	if truncated {
		// Cut at the last whole line inside the limit.
		if lastNL := strings.LastIndexByte(content, '\n'); lastNL >= 0 {
			content = content[:lastNL]
		}
		content += "\n... (truncated, file exceeds 100KB)"
	}

	return &ContextFile{
		Path:        path,
		DisplayPath: display,
		Content:     content,
		LineCount:   strings.Count(content, "\n") + 1,
		Truncated:   truncated,
	}
}

var skippedDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"__pycache__":  true,
}

func readDirectory(path, display string) *ContextFile {
	var entries []string
	collectDirEntries(path, path, &entries, maxDirEntries)

	return &ContextFile{
		Path:        path,
		DisplayPath: display,
		Content:     strings.Join(entries, "\n"),
		IsDir:       true,
		LineCount:   len(entries),
		Truncated:   len(entries) >= maxDirEntries,
	}
}

func collectDirEntries(base, dir string, entries *[]string, max int) {
	children, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	for _, child := range children {
		if len(*entries) >= max {
			*entries = append(*entries, "... (truncated)")
			return
		}
		name := child.Name()
		if strings.HasPrefix(name, ".") || skippedDirs[name] {
			continue
		}
		full := filepath.Join(dir, name)
		rel, err := filepath.Rel(base, full)
		if err != nil {
			rel = full
		}
		if child.IsDir() {
			*entries = append(*entries, rel+"/")
			collectDirEntries(base, full, entries, max)
		} else {
			*entries = append(*entries, rel)
		}
	}
}

// BuildContextMessage prepends the XML-framed context block to the
// original user input. With no attachments the input passes through
// unchanged.
func BuildContextMessage(originalInput string, files []ContextFile) string {
	if len(files) == 0 {
		return originalInput
	}
	var b strings.Builder
	b.WriteString("<context>\n")
	for _, f := range files {
		if f.IsDir {
			fmt.Fprintf(&b, "<directory path=%q>\n%s\n</directory>\n", f.DisplayPath, f.Content)
		} else {
			fmt.Fprintf(&b, "<file path=%q lines=%q>\n%s\n</file>\n", f.DisplayPath, fmt.Sprint(f.LineCount), f.Content)
		}
	}
	b.WriteString("</context>\n\n")
	b.WriteString(originalInput)
	return b.String()
}

// FormatAttachmentSummary renders a short human-readable list of attached
// context files.
func FormatAttachmentSummary(files []ContextFile) string {
	var parts []string
	for _, f := range files {
		suffix := ""
		if f.Truncated {
			suffix = " (truncated)"
		}
		if f.IsDir {
			parts = append(parts, fmt.Sprintf("%s (%d entries%s)", f.DisplayPath, f.LineCount, suffix))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%d lines%s)", f.DisplayPath, f.LineCount, suffix))
		}
	}
	return "Attached: " + strings.Join(parts, ", ")
}
