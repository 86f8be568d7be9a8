// Package sessions persists conversation threads as JSON files under a
// per-project directory.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

const titleLimit = 60

// ProjectHash identifies a project directory: the first 8 bytes of the
// SHA-256 of its canonical root path, hex-encoded (16 hex chars).
func ProjectHash(projectRoot string) string {
	canonical := filepath.Clean(projectRoot)
	if abs, err := filepath.Abs(canonical); err == nil {
		canonical = abs
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Store reads and writes session files under baseDir/sessions/<hash>/.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir. An empty baseDir uses the
// platform data dir.
func NewStore(baseDir string) *Store {
	if baseDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			baseDir = filepath.Join(dir, "nyzhi")
		} else {
			baseDir = "."
		}
	}
	return &Store{baseDir: baseDir}
}

func (s *Store) projectDir(projectRoot string) string {
	return filepath.Join(s.baseDir, "sessions", ProjectHash(projectRoot))
}

// SessionPath returns the file path for a session ID.
func (s *Store) SessionPath(projectRoot, sessionID string) string {
	return filepath.Join(s.projectDir(projectRoot), sessionID+".json")
}

// Save persists the session atomically (temp + rename). The title is
// derived from the first user message when absent.
func (s *Store) Save(projectRoot string, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	if session.Title == "" {
		session.Title = TitleFrom(session.Messages)
	}
	session.UpdatedAt = time.Now()

	dir := s.projectDir(projectRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	content, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	path := s.SessionPath(projectRoot, session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Load reads a session by ID.
func (s *Store) Load(projectRoot, sessionID string) (*models.Session, error) {
	content, err := os.ReadFile(s.SessionPath(projectRoot, sessionID))
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	var session models.Session
	if err := json.Unmarshal(content, &session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &session, nil
}

// List returns the project's sessions, newest first.
func (s *Store) List(projectRoot string) ([]*models.Session, error) {
	entries, err := os.ReadDir(s.projectDir(projectRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []*models.Session
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		session, err := s.Load(projectRoot, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Delete removes a session file.
func (s *Store) Delete(projectRoot, sessionID string) error {
	return os.Remove(s.SessionPath(projectRoot, sessionID))
}

// TitleFrom derives a session title: the first user message's text
// clipped to 60 chars.
func TitleFrom(messages []models.Message) string {
	for i := range messages {
		if messages[i].Role != models.RoleUser {
			continue
		}
		text := strings.TrimSpace(messages[i].AsText())
		if text == "" {
			continue
		}
		if idx := strings.IndexByte(text, '\n'); idx >= 0 {
			text = text[:idx]
		}
		if len(text) > titleLimit {
			text = text[:titleLimit]
		}
		return text
	}
	return "untitled"
}
