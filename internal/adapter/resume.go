package adapter

import (
	"encoding/json"
	"reflect"
	"sync"
)

// maxScanDepth bounds the recursive resume-id walk. Agent CLIs nest the
// session identifier at most a couple of levels deep; six is generous.
const maxScanDepth = 6

// FindResumeID scans a decoded JSON value for the first string field whose
// key matches one of keys, recursing through nested objects and arrays.
// The walk is depth-bounded and cycle-guarded so self-referential
// structures (possible when values come from sources other than
// encoding/json) cannot loop forever.
func FindResumeID(v any, keys ...string) string {
	seen := make(map[uintptr]bool)
	return findResumeID(v, keys, 0, seen)
}

func findResumeID(v any, keys []string, depth int, seen map[uintptr]bool) string {
	if depth > maxScanDepth {
		return ""
	}

	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return ""
		}
		seen[ptr] = true

		for _, key := range keys {
			if s, ok := val[key].(string); ok && s != "" {
				return s
			}
		}
		for _, nested := range val {
			if id := findResumeID(nested, keys, depth+1, seen); id != "" {
				return id
			}
		}
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return ""
		}
		seen[ptr] = true

		for _, item := range val {
			if id := findResumeID(item, keys, depth+1, seen); id != "" {
				return id
			}
		}
	}
	return ""
}

// resumeCache stores the extracted resume id per orchestrator session id.
// Stateful adapters embed it to satisfy ResumeTracker.
type resumeCache struct {
	keys []string

	mu  sync.Mutex
	ids map[string]string
}

func newResumeCache(keys ...string) resumeCache {
	return resumeCache{keys: keys, ids: make(map[string]string)}
}

// TrackLine extracts a resume id from one output line and caches it.
// The first extracted id wins; later lines cannot overwrite it.
func (c *resumeCache) TrackLine(sessionID, line string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return
	}
	id := FindResumeID(raw, c.keys...)
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.ids[sessionID]; !exists {
		c.ids[sessionID] = id
	}
}

// ResumeID returns the cached id for a session, or empty when none was seen.
func (c *resumeCache) ResumeID(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[sessionID]
}
