package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindResumeID(t *testing.T) {
	t.Run("top level", func(t *testing.T) {
		v := map[string]any{"session_id": "abc"}
		assert.Equal(t, "abc", FindResumeID(v, "session_id"))
	})

	t.Run("nested object", func(t *testing.T) {
		v := map[string]any{"data": map[string]any{"thread_id": "t-1"}}
		assert.Equal(t, "t-1", FindResumeID(v, "thread_id"))
	})

	t.Run("inside array", func(t *testing.T) {
		v := map[string]any{"items": []any{map[string]any{"session_id": "s-9"}}}
		assert.Equal(t, "s-9", FindResumeID(v, "session_id"))
	})

	t.Run("first matching key wins", func(t *testing.T) {
		v := map[string]any{"sessionId": "camel", "conversation_id": "conv"}
		assert.Equal(t, "camel", FindResumeID(v, "sessionId", "conversation_id"))
	})

	t.Run("empty string does not match", func(t *testing.T) {
		v := map[string]any{"session_id": ""}
		assert.Equal(t, "", FindResumeID(v, "session_id"))
	})

	t.Run("depth bound", func(t *testing.T) {
		deep := map[string]any{"session_id": "buried"}
		v := any(deep)
		for i := 0; i < 7; i++ {
			v = map[string]any{"wrap": v}
		}
		assert.Equal(t, "", FindResumeID(v, "session_id"))

		shallow := map[string]any{"wrap": map[string]any{"wrap": map[string]any{"session_id": "found"}}}
		assert.Equal(t, "found", FindResumeID(shallow, "session_id"))
	})

	t.Run("cyclic structure terminates", func(t *testing.T) {
		v := map[string]any{}
		v["self"] = v
		assert.Equal(t, "", FindResumeID(v, "session_id"))
	})
}

func TestResumeCacheFirstIDWins(t *testing.T) {
	cache := newResumeCache("session_id")

	cache.TrackLine("s1", `{"type":"system","session_id":"first"}`)
	cache.TrackLine("s1", `{"type":"system","session_id":"second"}`)
	assert.Equal(t, "first", cache.ResumeID("s1"))

	// Separate orchestrator sessions keep separate ids.
	cache.TrackLine("s2", `{"session_id":"other"}`)
	assert.Equal(t, "other", cache.ResumeID("s2"))
	assert.Equal(t, "first", cache.ResumeID("s1"))
}

func TestResumeCacheIgnoresNoise(t *testing.T) {
	cache := newResumeCache("session_id")

	cache.TrackLine("s1", "plain text, not json")
	cache.TrackLine("s1", `{"type":"assistant"}`)
	assert.Equal(t, "", cache.ResumeID("s1"))
}
