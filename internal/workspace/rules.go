package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ruleFiles is the ordered probe list; the first existing, non-empty file
// wins.
var ruleFiles = []string{
	"AGENTS.md",
	".nyzhi/rules.md",
	".nyzhi/instructions.md",
	"CLAUDE.md",
	".cursorrules",
}

const modularRulesDir = ".nyzhi/rules"

// LoadRules returns the project's base rules content, or "" when none of
// the candidate files exist.
func LoadRules(root string) string {
	for _, name := range ruleFiles {
		content, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(content))
		if text != "" {
			return text
		}
	}
	return ""
}

// RulesSource names the rules file in effect, for diagnostics.
func RulesSource(root string) string {
	for _, name := range ruleFiles {
		content, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(content)) != "" {
			return name
		}
	}
	return ""
}

// LoadModularRules returns the bodies of .nyzhi/rules/*.md in name order,
// one entry per file, skipping conditional
// files whose front-matter globs do not match targetPath. An empty
// targetPath includes unconditional files only.
func LoadModularRules(root, targetPath string) []string {
	dir := filepath.Join(root, modularRulesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rules []string
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		body, globs := splitPathsFrontMatter(string(content))
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		if len(globs) > 0 {
			if targetPath == "" || !anyGlobMatches(globs, targetPath) {
				continue
			}
		}
		rules = append(rules, body)
	}
	return rules
}

// splitPathsFrontMatter strips a leading "---\npaths:\n  - glob\n---"
// block, returning the body and the listed globs.
func splitPathsFrontMatter(content string) (string, []string) {
	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		return content, nil
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, nil
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	var globs []string
	inPaths := false
	for _, line := range strings.Split(front, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "paths:" {
			inPaths = true
			continue
		}
		if !inPaths {
			continue
		}
		if item, ok := strings.CutPrefix(trimmed, "- "); ok {
			globs = append(globs, strings.Trim(item, `"'`))
		} else if trimmed != "" {
			inPaths = false
		}
	}
	if len(globs) == 0 {
		return content, nil
	}
	return body, globs
}

func anyGlobMatches(globs []string, path string) bool {
	for _, g := range globs {
		if globMatches(g, path) {
			return true
		}
	}
	return false
}

// globMatches supports *, ?, and ** over slash-separated paths.
func globMatches(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		// ** swallows zero or more path segments.
		for skip := 0; skip <= len(path); skip++ {
			if matchSegments(pattern[1:], path[skip:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pattern[0], path[0]) {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

func matchSegment(pattern, segment string) bool {
	ok, err := filepath.Match(pattern, segment)
	return err == nil && ok
}
