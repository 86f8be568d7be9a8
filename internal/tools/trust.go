package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TrustMode is the session-wide policy controlling whether NeedsApproval
// tools prompt.
type TrustMode string

const (
	// TrustOff prompts for every NeedsApproval tool.
	TrustOff TrustMode = "off"

	// TrustSession remembers the first approval for a (tool, args)
	// signature for the rest of the session.
	TrustSession TrustMode = "session"

	// TrustProject persists remembered approvals across sessions under
	// the project root.
	TrustProject TrustMode = "project"

	// TrustAlways auto-approves unconditionally.
	TrustAlways TrustMode = "always"
)

// ArgSignature is a stable hash over the normalized argument JSON. Object
// keys are canonicalized before hashing so formatting differences do not
// defeat remembered approvals.
func ArgSignature(args json.RawMessage) string {
	var value any
	if err := json.Unmarshal(normalizeArgs(args), &value); err != nil {
		sum := sha256.Sum256(args)
		return hex.EncodeToString(sum[:])
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		sum := sha256.Sum256(args)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

const trustFileName = ".nyzhi/trusted.json"

// TrustManager decides whether a NeedsApproval tool may skip prompting
// and records grants per the active mode.
type TrustManager struct {
	mu          sync.Mutex
	mode        TrustMode
	session     map[string]bool
	projectRoot string
}

// NewTrustManager creates a manager in the given mode. projectRoot backs
// TrustProject persistence and may be empty otherwise.
func NewTrustManager(mode TrustMode, projectRoot string) *TrustManager {
	if mode == "" {
		mode = TrustOff
	}
	return &TrustManager{
		mode:        mode,
		session:     make(map[string]bool),
		projectRoot: projectRoot,
	}
}

// Mode returns the active trust mode.
func (m *TrustManager) Mode() TrustMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches the trust mode for the rest of the session.
func (m *TrustManager) SetMode(mode TrustMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func trustKey(toolName string, args json.RawMessage) string {
	return toolName + ":" + ArgSignature(args)
}

// Satisfied reports whether the mode auto-approves this call without
// prompting.
func (m *TrustManager) Satisfied(toolName string, args json.RawMessage) bool {
	m.mu.Lock()
	mode := m.mode
	key := trustKey(toolName, args)
	remembered := m.session[key]
	m.mu.Unlock()

	switch mode {
	case TrustAlways:
		return true
	case TrustSession:
		return remembered
	case TrustProject:
		if remembered {
			return true
		}
		return m.projectGranted(key)
	default:
		return false
	}
}

// Remember records an approval so equivalent future calls skip the
// prompt. Only Session and Project modes record anything.
func (m *TrustManager) Remember(toolName string, args json.RawMessage) {
	m.mu.Lock()
	mode := m.mode
	key := trustKey(toolName, args)
	if mode == TrustSession || mode == TrustProject {
		m.session[key] = true
	}
	m.mu.Unlock()

	if mode == TrustProject {
		m.persistGrant(key)
	}
}

func (m *TrustManager) trustFilePath() string {
	if m.projectRoot == "" {
		return ""
	}
	return filepath.Join(m.projectRoot, trustFileName)
}

func (m *TrustManager) projectGranted(key string) bool {
	path := m.trustFilePath()
	if path == "" {
		return false
	}
	grants, err := loadGrants(path)
	if err != nil {
		return false
	}
	return grants[key]
}

func (m *TrustManager) persistGrant(key string) {
	path := m.trustFilePath()
	if path == "" {
		return
	}
	grants, err := loadGrants(path)
	if err != nil {
		grants = map[string]bool{}
	}
	if grants[key] {
		return
	}
	grants[key] = true

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	content, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func loadGrants(path string) (map[string]bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	grants := map[string]bool{}
	if err := json.Unmarshal(content, &grants); err != nil {
		return nil, fmt.Errorf("parse trust file: %w", err)
	}
	return grants, nil
}
