package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentdeck/internal/adapter"
	"agentdeck/internal/msgstore"
)

// DefaultGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Status is the session lifecycle state. running is the only non-terminal
// state; stopped and error are terminal.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// CloseInfo describes how a session ended.
type CloseInfo struct {
	Status   Status
	ExitCode *int
	// ErrorMessage is set for error status: process failure, detected
	// authentication failure, or adapter-signaled protocol failure.
	ErrorMessage string
}

// Callbacks are the event surface a Handle reports through. Nil fields are
// skipped. Callbacks fire from session goroutines; they must not block.
type Callbacks struct {
	OnStatus func(Status)
	OnClose  func(CloseInfo)
	OnError  func(error)
}

// Config carries everything needed to start one session.
type Config struct {
	SessionID string
	ToolID    string
	Spec      adapter.SpawnSpec
	Store     *msgstore.Store
	Logger    *slog.Logger
	Callbacks Callbacks

	FlushInterval time.Duration
	FlushBytes    int
	GracePeriod   time.Duration
}

// Handle supervises one spawned child process: it turns the raw byte
// streams into line events, runs the adapter's completion and stderr
// detectors per line, batches raw output, and owns the process lifecycle.
type Handle struct {
	id        string
	toolID    string
	workdir   string
	adapter   adapter.Adapter
	store     *msgstore.Store
	logger    *slog.Logger
	callbacks Callbacks
	grace     time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser

	outBatch *batcher
	errBatch *batcher

	mu        sync.Mutex
	status    Status
	override  *adapter.Completion
	startTime time.Time
	exited    bool

	stopOnce sync.Once
	done     chan struct{} // closed when the process has exited and pumps drained
}

// ID returns the orchestrator session id.
func (h *Handle) ID() string { return h.id }

// ToolID returns the adapter id the session was started with.
func (h *Handle) ToolID() string { return h.toolID }

// Workdir returns the session working directory.
func (h *Handle) Workdir() string { return h.workdir }

// StartTime returns when the process was spawned.
func (h *Handle) StartTime() time.Time { return h.startTime }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Store returns the session's output store.
func (h *Handle) Store() *msgstore.Store { return h.store }

// Done is closed once the session has fully terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start spawns the adapter's command and begins pumping its output.
// A spawn failure is pushed to the store as an error entry plus a finished
// event, and the returned handle is already terminal with status error.
func Start(cfg Config, a adapter.Adapter) (*Handle, error) {
	spec := a.BuildCommand(cfg.Spec)

	h := &Handle{
		id:        cfg.SessionID,
		toolID:    cfg.ToolID,
		workdir:   spec.Dir,
		adapter:   a,
		store:     cfg.Store,
		logger:    cfg.Logger,
		callbacks: cfg.Callbacks,
		grace:     cfg.GracePeriod,
		status:    StatusRunning,
		startTime: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	if h.grace <= 0 {
		h.grace = DefaultGracePeriod
	}
	h.outBatch = newBatcher(cfg.FlushInterval, cfg.FlushBytes, func(content string) {
		h.push(msgstore.Event{Type: msgstore.EventStdout, Content: content})
	})
	h.errBatch = newBatcher(cfg.FlushInterval, cfg.FlushBytes, func(content string) {
		h.push(msgstore.Event{Type: msgstore.EventStderr, Content: content})
	})

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		h.failBeforeStart(fmt.Errorf("failed to start %s: %w", spec.Command, err))
		return h, nil
	}

	h.cmd = cmd
	h.stdin = stdin

	h.logger.Info("session started",
		"session", h.id,
		"tool", h.toolID,
		"pid", cmd.Process.Pid,
		"command", spec.Command)

	if spec.InitialInput != "" {
		if _, err := io.WriteString(stdin, spec.InitialInput); err != nil {
			h.logger.Warn("failed to write initial input", "session", h.id, "error", err)
		}
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.pump(stdout, &pumps, true)
	go h.pump(stderr, &pumps, false)
	go h.waitForExit(&pumps)

	return h, nil
}

// failBeforeStart records a spawn failure: error entry, finished event,
// terminal error status. The process never ran so there is no exit code.
func (h *Handle) failBeforeStart(err error) {
	h.logger.Error("session spawn failed", "session", h.id, "tool", h.toolID, "error", err)

	h.mu.Lock()
	h.status = StatusError
	h.exited = true
	h.mu.Unlock()

	h.push(msgstore.Event{
		Type:  msgstore.EventNormalized,
		Entry: &msgstore.NormalizedEntry{Type: msgstore.EntryError, Content: err.Error()},
	})
	h.push(msgstore.Event{Type: msgstore.EventFinished})
	close(h.done)

	if h.callbacks.OnError != nil {
		h.callbacks.OnError(err)
	}
	if h.callbacks.OnStatus != nil {
		h.callbacks.OnStatus(StatusError)
	}
	if h.callbacks.OnClose != nil {
		h.callbacks.OnClose(CloseInfo{Status: StatusError, ErrorMessage: err.Error()})
	}
}

// push writes an event to the store, logging rather than propagating
// persistence failures: output handling must never kill the pump.
func (h *Handle) push(evt msgstore.Event) {
	if err := h.store.Push(evt); err != nil {
		h.logger.Error("failed to push event", "session", h.id, "error", err)
	}
}

// pump reads one stream until EOF. Bytes go to the batcher verbatim; in
// parallel the stream is split on '\n' with the trailing partial fragment
// retained across reads, and every complete line runs through the
// adapter's detectors and normalizer.
func (h *Handle) pump(r io.Reader, pumps *sync.WaitGroup, isStdout bool) {
	defer pumps.Done()

	batch := h.errBatch
	if isStdout {
		batch = h.outBatch
	}

	var pending string
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			batch.Write(chunk)

			pending += string(chunk)
			for {
				idx := strings.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				h.handleLine(line, isStdout)
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("stream read ended", "session", h.id, "stdout", isStdout, "error", err)
			}
			break
		}
	}
	if pending != "" {
		h.handleLine(pending, isStdout)
	}
}

// handleLine runs adapter detection and normalization for one line.
func (h *Handle) handleLine(line string, isStdout bool) {
	if !isStdout {
		if detector, ok := h.adapter.(adapter.StderrDetector); ok {
			if completion := detector.DetectStderrFailure(line); completion != nil {
				h.applyCompletion(completion, true)
			}
		}
		return
	}

	if tracker, ok := h.adapter.(adapter.ResumeTracker); ok {
		tracker.TrackLine(h.id, line)
	}

	if completion := h.adapter.DetectCompletion(line); completion != nil {
		h.applyCompletion(completion, false)
	}

	for _, entry := range h.adapter.Normalize(line) {
		e := entry
		h.push(msgstore.Event{Type: msgstore.EventNormalized, Entry: &e})
	}
}

// applyCompletion records the first adapter completion override. The
// override fixes the terminal status immediately and triggers the
// session's only self-initiated kill: agent CLIs can mark logical
// completion and then idle instead of exiting.
func (h *Handle) applyCompletion(completion *adapter.Completion, synthesize bool) {
	h.mu.Lock()
	if h.override != nil || h.exited {
		h.mu.Unlock()
		return
	}
	h.override = completion
	if completion.Status == adapter.CompletionSuccess {
		h.status = StatusStopped
	} else {
		h.status = StatusError
	}
	status := h.status
	h.mu.Unlock()

	h.logger.Info("adapter signaled completion",
		"session", h.id,
		"status", completion.Status,
		"reason", completion.Reason)

	if synthesize && completion.Reason != "" {
		h.push(msgstore.Event{
			Type:  msgstore.EventNormalized,
			Entry: &msgstore.NormalizedEntry{Type: msgstore.EntryError, Content: completion.Reason},
		})
	}

	if h.callbacks.OnStatus != nil {
		h.callbacks.OnStatus(status)
	}

	go h.Stop()
}

// waitForExit reaps the process after both pumps drain, flushes the
// batchers, resolves the final status, and emits the finished event.
func (h *Handle) waitForExit(pumps *sync.WaitGroup) {
	pumps.Wait()
	err := h.cmd.Wait()

	h.outBatch.Flush()
	h.errBatch.Flush()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	h.exited = true
	var errorMessage string
	if h.override != nil {
		// Status already fixed by the adapter; exit code is advisory.
		if h.status == StatusError {
			errorMessage = h.override.Reason
		}
	} else if exitCode == 0 {
		h.status = StatusStopped
	} else {
		h.status = StatusError
		errorMessage = fmt.Sprintf("process exited with code %d", exitCode)
	}
	status := h.status
	h.mu.Unlock()

	h.push(msgstore.Event{Type: msgstore.EventFinished, ExitCode: &exitCode})
	close(h.done)

	h.logger.Info("session finished",
		"session", h.id,
		"status", status,
		"exit_code", exitCode)

	if h.callbacks.OnStatus != nil {
		h.callbacks.OnStatus(status)
	}
	if h.callbacks.OnClose != nil {
		h.callbacks.OnClose(CloseInfo{
			Status:       status,
			ExitCode:     &exitCode,
			ErrorMessage: errorMessage,
		})
	}
}

// SendInput writes text to the child's stdin. Whitespace-only input is
// ignored, and writes after exit are a no-op rather than an error.
func (h *Handle) SendInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(h.stdin, text); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	return nil
}

// Stop terminates the process: close stdin, SIGTERM, and after the grace
// window SIGKILL. Safe to call multiple times; blocks until the session is
// fully drained.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if exited {
			return
		}

		h.logger.Info("stopping session", "session", h.id)

		if h.stdin != nil {
			h.stdin.Close()
		}
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-h.done:
			return
		case <-time.After(h.grace):
		}

		h.logger.Warn("session did not stop gracefully, killing", "session", h.id)
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
	<-h.done
}
