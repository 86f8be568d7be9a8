package tools

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileChange is one recorded file mutation.
type FileChange struct {
	Path string
	// Original is nil when the file did not exist before the change.
	Original   *string
	NewContent string
	ToolName   string
	Timestamp  time.Time
}

// ChangeTracker is the ordered log of file mutations within a session,
// enabling undo. It is shared across concurrent tools; the mutex is held
// only during record and read.
type ChangeTracker struct {
	mu      sync.Mutex
	changes []FileChange
}

// NewChangeTracker creates an empty tracker.
func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{}
}

// Record appends a change to the log.
func (t *ChangeTracker) Record(change FileChange) {
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	t.mu.Lock()
	t.changes = append(t.changes, change)
	t.mu.Unlock()
}

// Changes returns a copy of the log.
func (t *ChangeTracker) Changes() []FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileChange, len(t.changes))
	copy(out, t.changes)
	return out
}

// Len returns the number of recorded changes.
func (t *ChangeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes)
}

// UndoLast reverts the most recent change and removes it from the log.
// Files that did not exist before their change are deleted.
func (t *ChangeTracker) UndoLast() (*FileChange, error) {
	t.mu.Lock()
	if len(t.changes) == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	change := t.changes[len(t.changes)-1]
	t.changes = t.changes[:len(t.changes)-1]
	t.mu.Unlock()

	if change.Original == nil {
		if err := os.Remove(change.Path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("undo %s: %w", change.Path, err)
		}
		return &change, nil
	}
	if err := os.WriteFile(change.Path, []byte(*change.Original), 0o644); err != nil {
		return nil, fmt.Errorf("undo %s: %w", change.Path, err)
	}
	return &change, nil
}

// DropAll clears the log without touching any file.
func (t *ChangeTracker) DropAll() {
	t.mu.Lock()
	t.changes = nil
	t.mu.Unlock()
}

// RemoveFor drops all recorded changes for the given paths, used when a
// multi-file operation rolls itself back.
func (t *ChangeTracker) RemoveFor(paths map[string]bool) {
	t.mu.Lock()
	kept := t.changes[:0]
	for _, c := range t.changes {
		if !paths[c.Path] {
			kept = append(kept, c)
		}
	}
	t.changes = kept
	t.mu.Unlock()
}
