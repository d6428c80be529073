package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/internal/msgstore"
)

func TestClaudeBuildCommand(t *testing.T) {
	c := NewClaude()

	t.Run("with prompt", func(t *testing.T) {
		spec := c.BuildCommand(SpawnSpec{
			SessionID: "s1",
			Workdir:   "/work",
			Prompt:    "fix the bug",
			Model:     "opus",
		})
		assert.Equal(t, "claude", spec.Command)
		assert.Equal(t, "/work", spec.Dir)
		assert.Equal(t, []string{
			"-p", "--verbose", "--output-format", "stream-json",
			"--model", "opus",
			"fix the bug",
		}, spec.Args)
	})

	t.Run("without prompt switches to stream-json input", func(t *testing.T) {
		spec := c.BuildCommand(SpawnSpec{SessionID: "s2"})
		assert.Contains(t, spec.Args, "--input-format")
	})

	t.Run("config flags and executable override", func(t *testing.T) {
		spec := c.BuildCommand(SpawnSpec{
			SessionID: "s3",
			Config: map[string]any{
				"executablePath":               "/opt/claude",
				"dangerously-skip-permissions": true,
			},
		})
		assert.Equal(t, "/opt/claude", spec.Command)
		assert.Contains(t, spec.Args, "--dangerously-skip-permissions")
	})
}

func TestClaudeResumeInjection(t *testing.T) {
	c := NewClaude()

	first := c.BuildCommand(SpawnSpec{SessionID: "s1", Prompt: "hi"})
	assert.NotContains(t, first.Args, "--resume")

	c.TrackLine("s1", `{"type":"system","subtype":"init","session_id":"claude-abc"}`)

	second := c.BuildCommand(SpawnSpec{SessionID: "s1", Prompt: "continue"})
	require.Contains(t, second.Args, "--resume")
	idx := indexOf(second.Args, "--resume")
	require.Less(t, idx+1, len(second.Args))
	assert.Equal(t, "claude-abc", second.Args[idx+1])

	// A different orchestrator session never inherits the id.
	other := c.BuildCommand(SpawnSpec{SessionID: "s2", Prompt: "hi"})
	assert.NotContains(t, other.Args, "--resume")
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func TestClaudeDetectCompletion(t *testing.T) {
	c := NewClaude()

	assert.Nil(t, c.DetectCompletion(`{"type":"assistant"}`))
	assert.Nil(t, c.DetectCompletion("not json"))

	done := c.DetectCompletion(`{"type":"result","subtype":"success","result":"all done"}`)
	require.NotNil(t, done)
	assert.Equal(t, CompletionSuccess, done.Status)
	assert.Equal(t, "all done", done.Reason)

	failed := c.DetectCompletion(`{"type":"result","subtype":"error_max_turns"}`)
	require.NotNil(t, failed)
	assert.Equal(t, CompletionFailure, failed.Status)
	assert.Equal(t, "error_max_turns", failed.Reason)
}

func TestClaudeDetectStderrFailure(t *testing.T) {
	c := NewClaude()

	assert.Nil(t, c.DetectStderrFailure("some harmless warning"))

	for _, line := range []string{
		"Invalid API key. Please run /login",
		"Error: OAuth token has expired",
		"Your credit balance is too low",
	} {
		completion := c.DetectStderrFailure(line)
		require.NotNil(t, completion, "line: %s", line)
		assert.Equal(t, CompletionFailure, completion.Status)
		assert.Contains(t, completion.Reason, "authentication failure")
	}
}

func TestClaudeNormalize(t *testing.T) {
	c := NewClaude()

	t.Run("system init", func(t *testing.T) {
		entries := c.Normalize(`{"type":"system","subtype":"init","model":"opus"}`)
		require.Len(t, entries, 1)
		assert.Equal(t, msgstore.EntrySystemMessage, entries[0].Type)
		assert.Equal(t, "session started (model opus)", entries[0].Content)
	})

	t.Run("assistant message with tool use", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[` +
			`{"type":"text","text":"Let me check. "},` +
			`{"type":"text","text":"Running now."},` +
			`{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`
		entries := c.Normalize(line)
		require.Len(t, entries, 2)
		assert.Equal(t, msgstore.EntryAssistantMessage, entries[0].Type)
		assert.Equal(t, "Let me check. Running now.", entries[0].Content)
		assert.Equal(t, msgstore.EntryToolUse, entries[1].Type)
		assert.Equal(t, "Bash", entries[1].ToolName)
		assert.JSONEq(t, `{"command":"ls"}`, string(entries[1].ToolInput))
	})

	t.Run("user tool result", func(t *testing.T) {
		line := `{"type":"user","message":{"content":[` +
			`{"type":"tool_result","tool_use_id":"t1","content":"file.txt"}]}}`
		entries := c.Normalize(line)
		require.Len(t, entries, 1)
		assert.Equal(t, msgstore.EntryToolResult, entries[0].Type)
		assert.Equal(t, "t1", entries[0].ToolUseID)
		assert.Equal(t, "file.txt", entries[0].Content)
	})

	t.Run("failed result becomes error entry", func(t *testing.T) {
		entries := c.Normalize(`{"type":"result","subtype":"error_during_execution"}`)
		require.Len(t, entries, 1)
		assert.Equal(t, msgstore.EntryError, entries[0].Type)
	})

	t.Run("noise skipped", func(t *testing.T) {
		assert.Nil(t, c.Normalize("npm WARN deprecated"))
		assert.Nil(t, c.Normalize(""))
	})
}
