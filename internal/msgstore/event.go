package msgstore

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every persisted event so future readers can
// skip or migrate lines they do not understand.
const SchemaVersion = 1

// EventType distinguishes the output event variants.
type EventType string

const (
	// EventStdout is a batch of raw stdout bytes from the child process.
	EventStdout EventType = "stdout"
	// EventStderr is a batch of raw stderr bytes from the child process.
	EventStderr EventType = "stderr"
	// EventNormalized is an adapter-derived semantic entry.
	EventNormalized EventType = "normalized"
	// EventFinished marks the end of a session's output.
	EventFinished EventType = "finished"
)

// EntryType classifies a normalized entry.
type EntryType string

const (
	EntryAssistantMessage EntryType = "assistant_message"
	EntryUserMessage      EntryType = "user_message"
	EntrySystemMessage    EntryType = "system_message"
	EntryToolUse          EntryType = "tool_use"
	EntryToolResult       EntryType = "tool_result"
	EntryCommandRun       EntryType = "command_run"
	EntryFileEdit         EntryType = "file_edit"
	EntryFileRead         EntryType = "file_read"
	EntryError            EntryType = "error"
)

// NormalizedEntry is a semantic event produced by an adapter from a tool's
// native streaming format. It is derived data: never authoritative for
// completion unless the adapter also signals a completion override.
type NormalizedEntry struct {
	Type      EntryType       `json:"type"`
	Content   string          `json:"content"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// Event is one append-only unit in a session's output store.
// Exactly one of Content, Entry, or ExitCode is meaningful, selected by Type.
type Event struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	TaskID        string           `json:"task_id,omitempty"`
	Type          EventType        `json:"type"`
	Content       string           `json:"content,omitempty"`
	Entry         *NormalizedEntry `json:"entry,omitempty"`
	ExitCode      *int             `json:"exit_code,omitempty"`
	Timestamp     time.Time        `json:"ts"`
	CreatedAt     time.Time        `json:"created_at"`
	SchemaVersion int              `json:"schema_version"`
}

// maxFieldBytes caps each payload field when an event must be shrunk to
// fit the durable log's line limit. Kept well under the limit because JSON
// escaping can inflate a string several times over.
const maxFieldBytes = 64 * 1024

const truncationMarker = "\n... [output truncated]"

// truncateOversized shrinks the payload fields in place so the encoded
// event fits on one log line. Returns true when anything was cut.
func (e *Event) truncateOversized() bool {
	cut := false
	if len(e.Content) > maxFieldBytes {
		e.Content = e.Content[:maxFieldBytes] + truncationMarker
		cut = true
	}
	if e.Entry != nil {
		if len(e.Entry.Content) > maxFieldBytes {
			e.Entry.Content = e.Entry.Content[:maxFieldBytes] + truncationMarker
			cut = true
		}
		if len(e.Entry.ToolInput) > maxFieldBytes {
			e.Entry.ToolInput = json.RawMessage(`"[tool input truncated]"`)
			cut = true
		}
	}
	return cut
}

// size approximates the in-memory weight of an event for the byte budget.
func (e *Event) size() int {
	n := len(e.Content)
	if e.Entry != nil {
		n += len(e.Entry.Content) + len(e.Entry.ToolInput)
	}
	if n == 0 {
		n = 1
	}
	return n
}
