package adapter

import (
	"strings"

	"agentdeck/internal/msgstore"
)

// Codex drives the Codex CLI via "codex exec --json". Each session is a
// thread; the thread id arrives in the first thread.started event and a
// later start for the same orchestrator session resumes that thread with
// "codex exec resume".
type Codex struct {
	resumeCache
}

var (
	_ Adapter       = (*Codex)(nil)
	_ ResumeTracker = (*Codex)(nil)
)

// NewCodex creates the Codex CLI adapter.
func NewCodex() *Codex {
	return &Codex{resumeCache: newResumeCache("thread_id")}
}

// ID returns "codex".
func (c *Codex) ID() string { return "codex" }

// BuildCommand assembles the exec command line. With a cached thread id the
// subcommand switches to "exec resume"; the POSIX "--" separator keeps the
// thread id and prompt from being parsed as flags.
func (c *Codex) BuildCommand(spec SpawnSpec) CommandSpec {
	resumeID := c.ResumeID(spec.SessionID)

	args := []string{"exec"}
	if resumeID != "" {
		args = append(args, "resume")
	}
	args = append(args, "--json")
	if m := model(spec); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, BuildFlags(spec.Config)...)
	if resumeID != "" {
		args = append(args, "--", resumeID)
	}
	if spec.Prompt != "" {
		args = append(args, spec.Prompt)
	}
	return CommandSpec{
		Command: executable(spec.Config, "codex"),
		Args:    args,
		Dir:     spec.Workdir,
		Env:     spec.Env,
	}
}

// DetectCompletion recognizes turn.completed and turn.failed as the
// authoritative end of an exec run.
func (c *Codex) DetectCompletion(line string) *Completion {
	raw, ok := decodeLine(line)
	if !ok {
		return nil
	}

	switch getString(raw, "type") {
	case "turn.completed":
		return &Completion{Status: CompletionSuccess}
	case "turn.failed":
		reason := "turn failed"
		if errObj := getMap(raw, "error"); errObj != nil {
			if m := getString(errObj, "message"); m != "" {
				reason = m
			}
		}
		return &Completion{Status: CompletionFailure, Reason: reason}
	}
	return nil
}

// Normalize maps codex exec --json events to normalized entries.
// turn.started and item.started carry no content and are skipped.
func (c *Codex) Normalize(line string) []msgstore.NormalizedEntry {
	raw, ok := decodeLine(line)
	if !ok {
		return nil
	}

	switch getString(raw, "type") {
	case "thread.started":
		content := "thread started"
		if tid := getString(raw, "thread_id"); tid != "" {
			content = "thread started: " + tid
		}
		return []msgstore.NormalizedEntry{{Type: msgstore.EntrySystemMessage, Content: content}}
	case "item.completed":
		return codexItem(getMap(raw, "item"))
	case "turn.failed":
		reason := "turn failed"
		if errObj := getMap(raw, "error"); errObj != nil {
			if m := getString(errObj, "message"); m != "" {
				reason = m
			}
		}
		return []msgstore.NormalizedEntry{{Type: msgstore.EntryError, Content: reason}}
	case "error":
		return []msgstore.NormalizedEntry{errorEntry(raw)}
	}
	return nil
}

// codexItem maps one completed item to a normalized entry.
func codexItem(item map[string]any) []msgstore.NormalizedEntry {
	if item == nil {
		return nil
	}

	switch getString(item, "type") {
	case "agent_message":
		return []msgstore.NormalizedEntry{{
			Type:    msgstore.EntryAssistantMessage,
			Content: getString(item, "text"),
		}}
	case "reasoning":
		return []msgstore.NormalizedEntry{{
			Type:    msgstore.EntrySystemMessage,
			Content: getString(item, "text"),
		}}
	case "command_execution":
		entry := msgstore.NormalizedEntry{
			Type:    msgstore.EntryCommandRun,
			Content: getString(item, "command"),
		}
		if _, ok := item["exit_code"]; ok {
			code := int(getFloat(item, "exit_code"))
			entry.ExitCode = &code
		}
		entry.Status = getString(item, "status")
		return []msgstore.NormalizedEntry{entry}
	case "file_change", "file_changes":
		return []msgstore.NormalizedEntry{{
			Type:    msgstore.EntryFileEdit,
			Content: codexFileChanges(item),
		}}
	case "error":
		content := getString(item, "message")
		if content == "" {
			content = getString(item, "text")
		}
		if content == "" {
			content = "unknown error"
		}
		return []msgstore.NormalizedEntry{{Type: msgstore.EntryError, Content: content}}
	}
	return nil
}

// codexFileChanges renders a file_changes item as "kind path" lines.
func codexFileChanges(item map[string]any) string {
	changes, ok := item["changes"].([]any)
	if !ok {
		return getString(item, "text")
	}

	var parts []string
	for _, c := range changes {
		change, ok := c.(map[string]any)
		if !ok {
			continue
		}
		kind := getString(change, "kind")
		path := getString(change, "path")
		if path == "" {
			continue
		}
		if kind == "" {
			kind = "edit"
		}
		parts = append(parts, kind+" "+path)
	}
	return strings.Join(parts, "\n")
}
