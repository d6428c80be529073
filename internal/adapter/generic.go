package adapter

import (
	"encoding/json"
	"strings"

	"agentdeck/internal/msgstore"
)

// Generic handles the common "spawn a CLI, parse one JSON object per stdout
// line" pattern shared by most agent tools. It never signals completion:
// for a generic tool the process exit code is the only truth, so a zero
// exit maps to stopped and a non-zero exit to error.
//
// Tools that need resume tracking or early completion detection get their
// own adapter (claude, codex) and typically embed this one's parsing.
type Generic struct {
	id     string
	binary string
	base   []string
}

// NewGeneric creates a generic JSON-lines adapter for a tool id and binary.
// base args are prepended before config-derived flags.
func NewGeneric(id, binary string, base ...string) *Generic {
	return &Generic{id: id, binary: binary, base: base}
}

// ID returns the tool id.
func (g *Generic) ID() string { return g.id }

// BuildCommand assembles binary, base args, config flags, and the prompt as
// the final positional argument.
func (g *Generic) BuildCommand(spec SpawnSpec) CommandSpec {
	args := append([]string{}, g.base...)
	if m := model(spec); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, BuildFlags(spec.Config)...)
	if spec.Prompt != "" {
		args = append(args, spec.Prompt)
	}
	return CommandSpec{
		Command: executable(spec.Config, g.binary),
		Args:    args,
		Dir:     spec.Workdir,
		Env:     spec.Env,
	}
}

// DetectCompletion always returns nil: the generic adapter opts out of
// signaling, leaving the exit code authoritative.
func (g *Generic) DetectCompletion(string) *Completion { return nil }

// Normalize maps common JSON line shapes to normalized entries. Unparsable
// lines are skipped (nil), never an error: protocol noise must not abort
// the stream.
func (g *Generic) Normalize(line string) []msgstore.NormalizedEntry {
	raw, ok := decodeLine(line)
	if !ok {
		return nil
	}

	switch getString(raw, "type") {
	case "assistant", "message":
		if content := flatContent(raw); content != "" {
			return []msgstore.NormalizedEntry{{Type: msgstore.EntryAssistantMessage, Content: content}}
		}
	case "user":
		if content := flatContent(raw); content != "" {
			return []msgstore.NormalizedEntry{{Type: msgstore.EntryUserMessage, Content: content}}
		}
	case "system":
		return []msgstore.NormalizedEntry{{Type: msgstore.EntrySystemMessage, Content: flatContent(raw)}}
	case "tool_use":
		return []msgstore.NormalizedEntry{toolUseEntry(raw)}
	case "tool_result":
		return []msgstore.NormalizedEntry{{
			Type:      msgstore.EntryToolResult,
			Content:   flatContent(raw),
			ToolUseID: getString(raw, "tool_use_id"),
		}}
	case "error":
		return []msgstore.NormalizedEntry{errorEntry(raw)}
	}
	return nil
}

// decodeLine parses one stdout line as a JSON object.
func decodeLine(line string) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// flatContent extracts free-form text from the usual field names.
func flatContent(raw map[string]any) string {
	for _, key := range []string{"content", "text", "message"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toolUseEntry(raw map[string]any) msgstore.NormalizedEntry {
	entry := msgstore.NormalizedEntry{
		Type:      msgstore.EntryToolUse,
		ToolName:  getString(raw, "name"),
		ToolUseID: getString(raw, "id"),
	}
	if input, ok := raw["input"]; ok {
		if data, err := json.Marshal(input); err == nil {
			entry.ToolInput = data
		}
	}
	entry.Content = entry.ToolName
	return entry
}

func errorEntry(raw map[string]any) msgstore.NormalizedEntry {
	content := flatContent(raw)
	if content == "" {
		content = "unknown error"
	}
	if code := getString(raw, "code"); code != "" {
		content = code + ": " + content
	}
	return msgstore.NormalizedEntry{Type: msgstore.EntryError, Content: content}
}
