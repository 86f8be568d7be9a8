package sessions

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

func sampleSession() *models.Session {
	return &models.Session{
		ID:       "11111111-2222-3333-4444-555555555555",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Messages: []models.Message{
			models.TextMessage(models.RoleUser, "refactor the config loader to support env overrides"),
			models.PartsMessage(models.RoleAssistant,
				models.TextPart("Reading the file first."),
				models.ToolUsePart("tu_1", "read_file", []byte(`{"path":"config.go"}`)),
			),
			models.PartsMessage(models.RoleUser,
				models.ToolResultPart("tu_1", "package config\n...", false),
			),
			models.TextMessage(models.RoleAssistant, "Done."),
		},
		CreatedAt: time.Now().Add(-time.Hour).Truncate(time.Second),
	}
}

func TestProjectHashShape(t *testing.T) {
	h := ProjectHash("/some/project")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16 hex chars", len(h))
	}
	if h != ProjectHash("/some/project") {
		t.Error("hash not stable")
	}
	if h == ProjectHash("/other/project") {
		t.Error("distinct roots should not collide")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	root := "/proj/demo"
	session := sampleSession()

	if err := store.Save(root, session); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(root, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded.Messages, session.Messages) {
		t.Errorf("messages do not round-trip:\n%+v\n%+v", loaded.Messages, session.Messages)
	}
	if loaded.Provider != "anthropic" || loaded.Model != "claude-sonnet-4-5" {
		t.Errorf("metadata lost: %+v", loaded)
	}
}

func TestSaveDerivesTitle(t *testing.T) {
	store := NewStore(t.TempDir())
	session := sampleSession()
	if err := store.Save("/proj/demo", session); err != nil {
		t.Fatal(err)
	}
	if session.Title != "refactor the config loader to support env overrides" {
		t.Errorf("title = %q", session.Title)
	}

	long := &models.Session{
		ID:       "x",
		Messages: []models.Message{models.TextMessage(models.RoleUser, strings.Repeat("a", 100))},
	}
	if err := store.Save("/proj/demo", long); err != nil {
		t.Fatal(err)
	}
	if len(long.Title) != 60 {
		t.Errorf("title length = %d, want 60", len(long.Title))
	}
}

func TestSaveAtomicNoTempLeftovers(t *testing.T) {
	base := t.TempDir()
	store := NewStore(base)
	session := sampleSession()
	if err := store.Save("/proj/demo", session); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Dir(store.SessionPath("/proj/demo", session.ID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir())
	root := "/proj/demo"

	older := sampleSession()
	older.ID = "older"
	if err := store.Save(root, older); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	newer := sampleSession()
	newer.ID = "newer"
	if err := store.Save(root, newer); err != nil {
		t.Fatal(err)
	}

	listed, err := store.List(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].ID != "newer" {
		ids := make([]string, len(listed))
		for i, s := range listed {
			ids[i] = s.ID
		}
		t.Errorf("order = %v, want newest first", ids)
	}
}

func TestListEmptyProject(t *testing.T) {
	store := NewStore(t.TempDir())
	listed, err := store.List("/nowhere")
	if err != nil || listed != nil {
		t.Errorf("List on missing dir = %v, %v", listed, err)
	}
}
