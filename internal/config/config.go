package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"agentdeck/internal/fsutil"
)

// defaultConfig is the starter file written on first run. Everything in it
// is commented out; adapter defaults apply until the user uncomments.
const defaultConfig = `# agentdeck tool configuration
#
# tools:
#   claude:
#     model: sonnet
#     env:
#       ANTHROPIC_API_KEY: sk-...
#   codex:
#     model: gpt-5
#
# profiles:
#   - id: plan
#     name: Plan Mode
#     tool_id: claude
#     config: '{"permission-mode": "plan"}'
`

// EnsureDefault writes a commented starter config if none exists yet. The
// write is atomic so a concurrent server start never sees a partial file.
func EnsureDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	return fsutil.AtomicWrite(path, []byte(defaultConfig))
}

// Profile is a named, flat key/value override for one tool. The config
// payload is stored as a JSON object string; a malformed payload is
// skipped with a logged warning so a bad profile cannot block a session.
type Profile struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	ToolID string `yaml:"tool_id" json:"tool_id"`
	Config string `yaml:"config" json:"config,omitempty"`
}

// File is the on-disk configuration shape (config.yaml).
type File struct {
	// Tools maps tool id to its persisted flat configuration.
	Tools map[string]map[string]any `yaml:"tools"`
	// Profiles are named per-tool overrides referenced by tasks.
	Profiles []Profile `yaml:"profiles"`
}

// Store holds the loaded configuration and supports atomic reload. A
// malformed file on reload keeps the last good configuration in effect.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	file File
}

// Load reads the config file into a Store. A missing file is not an
// error: everything falls back to adapter defaults.
func Load(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the config file. On failure the previous configuration
// stays in effect and the error is returned for the caller to log.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", s.path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.file = file
	s.mu.Unlock()

	s.logger.Info("configuration loaded", "path", s.path, "tools", len(file.Tools), "profiles", len(file.Profiles))
	return nil
}

// ToolConfig returns a copy of the persisted configuration for a tool.
// An unknown tool yields an empty map, never an error.
func (s *Store) ToolConfig(toolID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.file.Tools[toolID]))
	for k, v := range s.file.Tools[toolID] {
		out[k] = v
	}
	return out
}

// Profiles returns a snapshot of the configured profiles.
func (s *Store) Profiles() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, len(s.file.Profiles))
	copy(out, s.file.Profiles)
	return out
}

// ProfileConfig resolves a named profile's override map. A missing
// profile or malformed JSON payload degrades to nil with a warning; the
// session still starts on the remaining layers.
func (s *Store) ProfileConfig(profileID string) map[string]any {
	if profileID == "" {
		return nil
	}

	s.mu.RLock()
	var profile *Profile
	for i := range s.file.Profiles {
		if s.file.Profiles[i].ID == profileID {
			profile = &s.file.Profiles[i]
			break
		}
	}
	s.mu.RUnlock()

	if profile == nil {
		s.logger.Warn("profile not found", "profile", profileID)
		return nil
	}
	if profile.Config == "" {
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(profile.Config), &out); err != nil {
		s.logger.Warn("ignoring malformed profile config", "profile", profileID, "error", err)
		return nil
	}
	return out
}

// MergeConfig merges flat config layers in increasing priority: a later
// layer's key replaces an earlier one, except "env", which merges
// additively so an override can add variables without wiping the base.
func MergeConfig(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	env := make(map[string]string)

	for _, layer := range layers {
		for k, v := range layer {
			if k == "env" {
				mergeEnvValue(env, v)
				continue
			}
			out[k] = v
		}
	}
	if len(env) > 0 {
		out["env"] = env
	}
	return out
}

// EnvFromConfig extracts the "env" key of a merged config as a string map.
func EnvFromConfig(config map[string]any) map[string]string {
	env := make(map[string]string)
	mergeEnvValue(env, config["env"])
	return env
}

// mergeEnvValue folds an "env" value into the accumulator. YAML and JSON
// both decode nested maps as map[string]any; map[string]string shows up
// when a caller passes an already-merged layer back in.
func mergeEnvValue(env map[string]string, v any) {
	switch val := v.(type) {
	case map[string]string:
		for k, s := range val {
			env[k] = s
		}
	case map[string]any:
		for k, item := range val {
			if s, ok := item.(string); ok {
				env[k] = s
			}
		}
	}
}
