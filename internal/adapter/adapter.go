package adapter

import (
	"fmt"
	"sort"
	"sync"

	"agentdeck/internal/msgstore"
)

// CompletionStatus is an adapter-signaled terminal outcome.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionFailure CompletionStatus = "failure"
)

// Completion is an authoritative early completion signal. When an adapter
// returns one, it pre-empts the process exit code: many agent CLIs emit a
// terminal JSON event before the process actually exits.
type Completion struct {
	Status CompletionStatus
	Reason string
}

// SpawnSpec is the resolved input to BuildCommand. Config is the merged
// flat key/value tool configuration (library defaults < persisted tool
// config < named profile < per-call overrides). Absent keys mean "use the
// adapter default", never an error.
type SpawnSpec struct {
	SessionID string
	Workdir   string
	Prompt    string
	Model     string
	Config    map[string]any
	Env       map[string]string
}

// CommandSpec describes the child process an adapter wants spawned.
type CommandSpec struct {
	Command      string
	Args         []string
	Dir          string
	Env          map[string]string
	InitialInput string
}

// Adapter is the per-tool strategy: command construction, completion and
// error detection, and output normalization.
type Adapter interface {
	// ID is the tool id the adapter is registered under.
	ID() string

	// BuildCommand produces the command line for a new session.
	BuildCommand(spec SpawnSpec) CommandSpec

	// DetectCompletion examines one parsed stdout line and may return an
	// authoritative completion. nil means the line carries no signal.
	DetectCompletion(line string) *Completion

	// Normalize converts one stdout line into zero or more semantic entries.
	Normalize(line string) []msgstore.NormalizedEntry
}

// StderrDetector is an optional adapter capability for tools that report
// unrecoverable conditions only on stderr with no structured signal.
type StderrDetector interface {
	// DetectStderrFailure pattern-matches known failure phrases. A non-nil
	// result forces a failure status with a synthesized entry.
	DetectStderrFailure(line string) *Completion
}

// ResumeTracker is an optional adapter capability for tools whose sessions
// can be resumed. The adapter scans outgoing events for a thread or
// conversation id, caches it per orchestrator session id, and injects it on
// the next BuildCommand call for the same id.
type ResumeTracker interface {
	TrackLine(sessionID, line string)
	ResumeID(sessionID string) string
}

// Registry maps tool ids to adapters. Adding a tool means adding one
// implementation and one Register call, not modifying the orchestrator.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its tool id, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a tool id.
func (r *Registry) Get(toolID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[toolID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for tool %q", toolID)
	}
	return a, nil
}

// ToolIDs returns the registered tool ids in sorted order.
func (r *Registry) ToolIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Safe JSON extraction helpers shared by the adapters ---

// getString safely extracts a string field from a map.
func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// getMap safely extracts a nested map from a map.
func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// getFloat safely extracts a float64 field from a map.
// JSON numbers are decoded as float64 by encoding/json.
func getFloat(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}
