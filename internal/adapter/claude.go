package adapter

import (
	"encoding/json"
	"strings"

	"agentdeck/internal/msgstore"
)

// claudeAuthFailures are stderr phrases that mean the CLI cannot proceed.
// Claude Code reports missing or expired credentials on stderr with no
// structured JSON signal, so these are matched case-insensitively.
var claudeAuthFailures = []string{
	"invalid api key",
	"please run /login",
	"authentication_error",
	"oauth token has expired",
	"credit balance is too low",
}

// Claude drives the Claude Code CLI in stream-json mode. It detects the
// terminal "result" event ahead of process exit, tracks the session id for
// resumption, and surfaces auth failures buried in stderr.
type Claude struct {
	resumeCache
}

var (
	_ Adapter        = (*Claude)(nil)
	_ StderrDetector = (*Claude)(nil)
	_ ResumeTracker  = (*Claude)(nil)
)

// NewClaude creates the Claude Code adapter.
func NewClaude() *Claude {
	return &Claude{resumeCache: newResumeCache("session_id", "sessionId", "conversation_id")}
}

// ID returns "claude".
func (c *Claude) ID() string { return "claude" }

// BuildCommand assembles the stream-json command line. When the session has
// a prompt it is passed as the final positional argument; without one the
// session runs long-lived with --input-format stream-json and reads turns
// from stdin. A cached resume id for the session is injected as --resume.
func (c *Claude) BuildCommand(spec SpawnSpec) CommandSpec {
	args := []string{"-p", "--verbose", "--output-format", "stream-json"}
	if spec.Prompt == "" {
		args = append(args, "--input-format", "stream-json")
	}
	if id := c.ResumeID(spec.SessionID); id != "" {
		args = append(args, "--resume", id)
	}
	if m := model(spec); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, BuildFlags(spec.Config)...)
	if spec.Prompt != "" {
		args = append(args, spec.Prompt)
	}
	return CommandSpec{
		Command: executable(spec.Config, "claude"),
		Args:    args,
		Dir:     spec.Workdir,
		Env:     spec.Env,
	}
}

// DetectCompletion recognizes the terminal "result" event. Claude emits it
// before exiting, and in stream-json input mode the process then idles, so
// the session must treat this as authoritative and stop the process itself.
func (c *Claude) DetectCompletion(line string) *Completion {
	raw, ok := decodeLine(line)
	if !ok || getString(raw, "type") != "result" {
		return nil
	}

	subtype := getString(raw, "subtype")
	if subtype == "success" {
		return &Completion{Status: CompletionSuccess, Reason: getString(raw, "result")}
	}

	reason := getString(raw, "result")
	if reason == "" {
		reason = subtype
	}
	return &Completion{Status: CompletionFailure, Reason: reason}
}

// DetectStderrFailure matches known unrecoverable stderr phrases.
func (c *Claude) DetectStderrFailure(line string) *Completion {
	lower := strings.ToLower(line)
	for _, phrase := range claudeAuthFailures {
		if strings.Contains(lower, phrase) {
			return &Completion{
				Status: CompletionFailure,
				Reason: "authentication failure: " + strings.TrimSpace(line),
			}
		}
	}
	return nil
}

// Normalize maps Claude stream-json events to normalized entries.
func (c *Claude) Normalize(line string) []msgstore.NormalizedEntry {
	raw, ok := decodeLine(line)
	if !ok {
		return nil
	}

	switch getString(raw, "type") {
	case "system":
		return claudeSystem(raw)
	case "assistant":
		return claudeMessage(raw, msgstore.EntryAssistantMessage)
	case "user":
		return claudeMessage(raw, msgstore.EntryUserMessage)
	case "result":
		return claudeResult(raw)
	case "error":
		return []msgstore.NormalizedEntry{errorEntry(raw)}
	}
	return nil
}

func claudeSystem(raw map[string]any) []msgstore.NormalizedEntry {
	content := getString(raw, "subtype")
	if content == "init" {
		if m := getString(raw, "model"); m != "" {
			content = "session started (model " + m + ")"
		} else {
			content = "session started"
		}
	}
	if content == "" {
		content = flatContent(raw)
	}
	return []msgstore.NormalizedEntry{{Type: msgstore.EntrySystemMessage, Content: content}}
}

// claudeMessage walks the content block array of an assistant or user
// message: text blocks concatenate into one message entry, tool_use and
// tool_result blocks each become their own entry.
func claudeMessage(raw map[string]any, textType msgstore.EntryType) []msgstore.NormalizedEntry {
	message := getMap(raw, "message")
	if message == nil {
		if content := flatContent(raw); content != "" {
			return []msgstore.NormalizedEntry{{Type: textType, Content: content}}
		}
		return nil
	}

	blocks, ok := message["content"].([]any)
	if !ok {
		if content := flatContent(message); content != "" {
			return []msgstore.NormalizedEntry{{Type: textType, Content: content}}
		}
		return nil
	}

	var entries []msgstore.NormalizedEntry
	var text strings.Builder
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch getString(block, "type") {
		case "text":
			text.WriteString(getString(block, "text"))
		case "tool_use":
			entries = append(entries, toolUseEntry(block))
		case "tool_result":
			entries = append(entries, msgstore.NormalizedEntry{
				Type:      msgstore.EntryToolResult,
				Content:   blockResultContent(block),
				ToolUseID: getString(block, "tool_use_id"),
			})
		}
	}
	if text.Len() > 0 {
		entries = append([]msgstore.NormalizedEntry{{Type: textType, Content: text.String()}}, entries...)
	}
	return entries
}

// blockResultContent renders a tool_result content field, which may be a
// plain string or a nested block array.
func blockResultContent(block map[string]any) string {
	if s, ok := block["content"].(string); ok {
		return s
	}
	if arr, ok := block["content"].([]any); ok {
		var b strings.Builder
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				b.WriteString(getString(m, "text"))
			}
		}
		return b.String()
	}
	if data, err := json.Marshal(block["content"]); err == nil {
		return string(data)
	}
	return ""
}

func claudeResult(raw map[string]any) []msgstore.NormalizedEntry {
	subtype := getString(raw, "subtype")
	entry := msgstore.NormalizedEntry{
		Type:    msgstore.EntrySystemMessage,
		Content: getString(raw, "result"),
		Status:  subtype,
	}
	if subtype != "success" {
		entry.Type = msgstore.EntryError
		if entry.Content == "" {
			entry.Content = subtype
		}
	}
	return []msgstore.NormalizedEntry{entry}
}
