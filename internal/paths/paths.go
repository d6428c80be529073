package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds every filesystem location the orchestrator uses. It is
// constructed once at startup and passed by reference to the components
// that need a file path; nothing looks up an ambient global directory.
type Paths struct {
	// DataRoot is the application data directory, e.g. ~/.agentdeck
	DataRoot string
}

// New creates a Paths rooted at dataRoot. An empty dataRoot resolves to
// ".agentdeck" under the user's home directory.
func New(dataRoot string) (*Paths, error) {
	if dataRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataRoot = filepath.Join(home, ".agentdeck")
	}
	return &Paths{DataRoot: dataRoot}, nil
}

// Initialize creates the data directories with 0700 permissions.
// Idempotent - safe to call multiple times.
func (p *Paths) Initialize() error {
	for _, dir := range []string{p.DataRoot, p.SessionLogDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SessionLogDir returns the directory holding per-session durable logs.
func (p *Paths) SessionLogDir() string {
	return filepath.Join(p.DataRoot, "logs")
}

// SessionLogFile returns the durable JSONL log path for a session.
func (p *Paths) SessionLogFile(sessionID string) string {
	return filepath.Join(p.SessionLogDir(), sessionID+".jsonl")
}

// DatabaseFile returns the SQLite database path for tasks and nodes.
func (p *Paths) DatabaseFile() string {
	return filepath.Join(p.DataRoot, "agentdeck.db")
}

// ConfigFile returns the tool configuration file path.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.DataRoot, "config.yaml")
}
