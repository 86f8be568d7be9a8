package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRule(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRulesAgentsMdFirst(t *testing.T) {
	root := t.TempDir()
	writeRule(t, root, "AGENTS.md", "agents rules")
	writeRule(t, root, "CLAUDE.md", "claude rules")
	if got := LoadRules(root); got != "agents rules" {
		t.Errorf("LoadRules = %q", got)
	}
	if src := RulesSource(root); src != "AGENTS.md" {
		t.Errorf("RulesSource = %q", src)
	}
}

func TestLoadRulesNyzhiOverClaude(t *testing.T) {
	root := t.TempDir()
	writeRule(t, root, ".nyzhi/rules.md", "nyzhi rules")
	writeRule(t, root, "CLAUDE.md", "claude rules")
	if got := LoadRules(root); got != "nyzhi rules" {
		t.Errorf("LoadRules = %q", got)
	}
}

func TestLoadRulesCursorrulesFallback(t *testing.T) {
	root := t.TempDir()
	writeRule(t, root, ".cursorrules", "cursor rules")
	if got := LoadRules(root); got != "cursor rules" {
		t.Errorf("LoadRules = %q", got)
	}
}

func TestLoadRulesEmptyFileSkipped(t *testing.T) {
	root := t.TempDir()
	writeRule(t, root, "AGENTS.md", "   \n")
	writeRule(t, root, "CLAUDE.md", "fallback")
	if got := LoadRules(root); got != "fallback" {
		t.Errorf("LoadRules = %q", got)
	}
}

func TestLoadRulesNoneWhenMissing(t *testing.T) {
	if got := LoadRules(t.TempDir()); got != "" {
		t.Errorf("LoadRules on bare dir = %q", got)
	}
}

func TestModularRulesUnconditional(t *testing.T) {
	root := t.TempDir()
	writeRule(t, root, ".nyzhi/rules/10-style.md", "tabs not spaces")
	writeRule(t, root, ".nyzhi/rules/20-tests.md", "table tests")

	rules := LoadModularRules(root, "")
	if len(rules) != 2 || rules[0] != "tabs not spaces" || rules[1] != "table tests" {
		t.Errorf("rules = %v", rules)
	}
}

func TestModularRulesConditionalGlobs(t *testing.T) {
	root := t.TempDir()
	writeRule(t, root, ".nyzhi/rules/go.md", "---\npaths:\n  - \"**/*.go\"\n---\ngo rules")
	writeRule(t, root, ".nyzhi/rules/web.md", "---\npaths:\n  - \"web/**\"\n---\nweb rules")

	goRules := LoadModularRules(root, "internal/agent/loop.go")
	if len(goRules) != 1 || goRules[0] != "go rules" {
		t.Errorf("go target rules = %v", goRules)
	}
	webRules := LoadModularRules(root, "web/app/index.ts")
	if len(webRules) != 1 || webRules[0] != "web rules" {
		t.Errorf("web target rules = %v", webRules)
	}
	if none := LoadModularRules(root, ""); len(none) != 0 {
		t.Errorf("conditional rules leaked without a target: %v", none)
	}
}

func TestGlobMatches(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/*.go", "a/b/c.go", true},
		{"**/*.go", "main.go", true},
		{"**/*.go", "a/b/c.ts", false},
		{"src/*/util.go", "src/x/util.go", true},
		{"src/*/util.go", "src/x/y/util.go", false},
		{"web/**", "web/app/x.ts", true},
		{"web/**", "api/x.ts", false},
		{"?.md", "a.md", true},
		{"?.md", "ab.md", false},
	}
	for _, tt := range tests {
		if got := globMatches(tt.pattern, tt.path); got != tt.want {
			t.Errorf("globMatches(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestMemoryWriteReadTopics(t *testing.T) {
	base := t.TempDir()
	root := "/proj/x"

	if _, err := WriteTopic(base, root, "API Design", "prefer small interfaces", false); err != nil {
		t.Fatal(err)
	}
	content, err := ReadTopic(base, root, "API Design")
	if err != nil {
		t.Fatal(err)
	}
	if content != "prefer small interfaces\n" {
		t.Errorf("topic content = %q", content)
	}

	topics := ListTopics(base, root)
	if len(topics) != 1 || topics[0] != "api-design" {
		t.Errorf("topics = %v", topics)
	}

	if _, err := WriteTopic(base, root, "API Design", "replaced", true); err != nil {
		t.Fatal(err)
	}
	content, _ = ReadTopic(base, root, "API Design")
	if content != "replaced" {
		t.Errorf("replace mode content = %q", content)
	}
}

func TestLoadMemoryForPrompt(t *testing.T) {
	base := t.TempDir()
	root := "/proj/x"
	if _, err := WriteTopic(base, root, "conventions", "errors are wrapped", false); err != nil {
		t.Fatal(err)
	}

	prompt := LoadMemoryForPrompt(base, root)
	if prompt == "" {
		t.Fatal("memory prompt empty")
	}
	if !strings.Contains(prompt, "errors are wrapped") {
		t.Errorf("prompt missing topic content: %q", prompt)
	}
}
