package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdeck/internal/adapter"
	"agentdeck/internal/config"
	"agentdeck/internal/msgstore"
	"agentdeck/internal/paths"
	"agentdeck/internal/session"
	"agentdeck/internal/task"
)

var (
	// ErrSessionExists is returned when a session id is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned by operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownTool is returned when no adapter is registered for a tool.
	ErrUnknownTool = errors.New("unknown tool")
)

// StartOptions carries everything a caller can specify for a new session.
// SessionID may be empty, in which case one is generated.
type StartOptions struct {
	SessionID string
	ToolID    string
	Workdir   string
	Prompt    string
	Model     string
	Env       map[string]string
	// Config is the per-call override layer, highest priority in the merge.
	Config map[string]any
	// ConfigID names a profile whose overrides sit between the tool config
	// and the per-call layer.
	ConfigID string

	ProjectID  string
	TaskID     string
	TaskNodeID string
}

// SessionInfo is a point-in-time snapshot of a live session. It carries no
// reference to the underlying handle; mutation goes through the service.
type SessionInfo struct {
	ID        string         `json:"id"`
	ToolID    string         `json:"tool_id"`
	Workdir   string         `json:"workdir"`
	Status    session.Status `json:"status"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// NoticeType tags the fan-out notifications a Service emits.
type NoticeType string

const (
	NoticeEvent  NoticeType = "event"
	NoticeStatus NoticeType = "status"
	NoticeClosed NoticeType = "closed"
	NoticeError  NoticeType = "error"
)

// Notice is one fan-out notification, always tagged with the session id so
// a single subscriber can watch every session.
type Notice struct {
	Type      NoticeType
	SessionID string

	Event  *msgstore.Event
	Status session.Status
	Close  *session.CloseInfo
	Err    string
}

// liveSession tracks one registered session. handle is nil between the id
// reservation and the spawn; closed flags a session that terminated before
// registration finished.
type liveSession struct {
	handle     *session.Handle
	store      *msgstore.Store
	info       SessionInfo
	manualStop bool
	closed     bool
	unsubStore func()
}

// Service is the session orchestrator: it owns the registry of live
// sessions, resolves tool configuration, starts and stops processes, and
// fans session events out to subscribers.
type Service struct {
	adapters *adapter.Registry
	configs  *config.Store
	tasks    *task.Service
	paths    *paths.Paths
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	subs     map[string]func(Notice)
}

// NewService creates the orchestrator. tasks may be nil when task routing
// is not wanted (standalone sessions only).
func NewService(adapters *adapter.Registry, configs *config.Store, tasks *task.Service, p *paths.Paths, logger *slog.Logger) *Service {
	return &Service{
		adapters: adapters,
		configs:  configs,
		tasks:    tasks,
		paths:    p,
		logger:   logger,
		sessions: make(map[string]*liveSession),
		subs:     make(map[string]func(Notice)),
	}
}

// ToolIDs lists the registered adapter ids.
func (s *Service) ToolIDs() []string {
	return s.adapters.ToolIDs()
}

// Subscribe registers a fan-out listener for all sessions and returns its
// unsubscribe function. Listeners must not block.
func (s *Service) Subscribe(fn func(Notice)) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) publish(n Notice) {
	s.mu.Lock()
	fns := make([]func(Notice), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

// resolveConfig merges the configuration layers for a start request in
// increasing priority: persisted tool config, named profile, per-call.
// The profile is the caller's, falling back to the linked task's when the
// caller names none.
func (s *Service) resolveConfig(opts StartOptions) (map[string]any, map[string]string) {
	configID := opts.ConfigID
	if configID == "" && s.tasks != nil && opts.TaskID != "" {
		t, err := s.tasks.Repo().GetTask(opts.TaskID)
		if err != nil {
			s.logger.Warn("failed to load task for profile lookup", "task", opts.TaskID, "error", err)
		} else if t != nil {
			configID = t.ConfigID
		}
	}

	merged := config.MergeConfig(
		s.configs.ToolConfig(opts.ToolID),
		s.configs.ProfileConfig(configID),
		opts.Config,
	)

	env := config.EnvFromConfig(merged)
	for k, v := range opts.Env {
		env[k] = v
	}
	return merged, env
}

// StartSession resolves configuration, spawns the tool process, and
// registers the session. A duplicate session id or unregistered tool is
// rejected before anything is spawned.
func (s *Service) StartSession(opts StartOptions) (*SessionInfo, error) {
	a, err := s.adapters.Get(opts.ToolID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, opts.ToolID)
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	ls := &liveSession{
		info: SessionInfo{
			ID:        id,
			ToolID:    opts.ToolID,
			Workdir:   opts.Workdir,
			Status:    session.StatusRunning,
			ProjectID: opts.ProjectID,
			TaskID:    opts.TaskID,
			StartedAt: time.Now().UTC(),
		},
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s.sessions[id] = ls
	s.mu.Unlock()

	store, err := msgstore.New(s.paths.SessionLogFile(id), id, opts.TaskID, s.logger)
	if err != nil {
		s.deregister(id)
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	ls.store = store
	ls.unsubStore = store.Subscribe(func(evt msgstore.Event) {
		e := evt
		s.publish(Notice{Type: NoticeEvent, SessionID: id, Event: &e})
	})

	if s.tasks != nil && opts.TaskNodeID != "" {
		if err := s.tasks.LinkSession(opts.TaskNodeID, id); err != nil {
			s.logger.Error("failed to link session to node", "session", id, "node", opts.TaskNodeID, "error", err)
		}
	}

	cfg, env := s.resolveConfig(opts)
	spec := adapter.SpawnSpec{
		SessionID: id,
		Workdir:   opts.Workdir,
		Prompt:    opts.Prompt,
		Model:     opts.Model,
		Config:    cfg,
		Env:       env,
	}

	h, err := session.Start(session.Config{
		SessionID: id,
		ToolID:    opts.ToolID,
		Spec:      spec,
		Store:     store,
		Logger:    s.logger,
		Callbacks: session.Callbacks{
			OnStatus: func(st session.Status) {
				s.setStatus(id, st)
				s.publish(Notice{Type: NoticeStatus, SessionID: id, Status: st})
			},
			OnClose: func(info session.CloseInfo) {
				s.handleClose(id, info)
			},
			OnError: func(err error) {
				s.publish(Notice{Type: NoticeError, SessionID: id, Err: err.Error()})
			},
		},
	}, a)
	if err != nil {
		ls.unsubStore()
		store.Close()
		s.deregister(id)
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	s.mu.Lock()
	if !ls.closed {
		ls.handle = h
	}
	ls.info.Status = h.Status()
	info := ls.info
	s.mu.Unlock()

	s.logger.Info("session registered", "session", id, "tool", opts.ToolID, "workdir", opts.Workdir)
	return &info, nil
}

func (s *Service) setStatus(id string, st session.Status) {
	s.mu.Lock()
	if ls, ok := s.sessions[id]; ok {
		ls.info.Status = st
	}
	s.mu.Unlock()
}

// handleClose deregisters a finished session, releases its store, routes
// node completion, and publishes the close notice last.
func (s *Service) handleClose(id string, info session.CloseInfo) {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	var manualStop bool
	var startedAt time.Time
	if ok {
		ls.closed = true
		manualStop = ls.manualStop
		startedAt = ls.info.StartedAt
		if ls.unsubStore != nil {
			ls.unsubStore()
		}
		if ls.store != nil {
			defer ls.store.Close()
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.logger.Info("session deregistered", "session", id, "status", info.Status)

	s.routeNodeCompletion(id, info, manualStop, startedAt)

	ci := info
	s.publish(Notice{Type: NoticeClosed, SessionID: id, Status: info.Status, Close: &ci})
}

// StopSession stops a live session and blocks until it has drained. The
// stop is recorded as manual so a linked conversation node can complete.
func (s *Service) StopSession(id string) error {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	var h *session.Handle
	if ok {
		ls.manualStop = true
		h = ls.handle
	}
	s.mu.Unlock()

	if !ok || h == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	h.Stop()
	return nil
}

// SendInput forwards text to a live session's stdin.
func (s *Service) SendInput(id, text string) error {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	var h *session.Handle
	if ok {
		h = ls.handle
	}
	s.mu.Unlock()

	if !ok || h == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return h.SendInput(text)
}

// GetSession returns a snapshot of one live session.
func (s *Service) GetSession(id string) (*SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.sessions[id]
	if !ok || ls.handle == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	info := ls.info
	info.Status = ls.handle.Status()
	return &info, nil
}

// GetAllSessions returns snapshots of every live session, oldest first.
func (s *Service) GetAllSessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, ls := range s.sessions {
		if ls.handle == nil {
			continue
		}
		info := ls.info
		info.Status = ls.handle.Status()
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns the bounded event window for a session: the live window
// when the session is running, otherwise a replay of its durable log.
func (s *Service) History(id string) ([]msgstore.Event, error) {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	var h *session.Handle
	if ok {
		h = ls.handle
	}
	s.mu.Unlock()

	if ok && h != nil {
		return h.Store().History(), nil
	}
	return msgstore.LoadHistory(s.paths.SessionLogFile(id), s.logger)
}

// StopAll stops every live session, used at shutdown.
func (s *Service) StopAll() {
	s.mu.Lock()
	handles := make([]*session.Handle, 0, len(s.sessions))
	for _, ls := range s.sessions {
		ls.manualStop = true
		if ls.handle != nil {
			handles = append(handles, ls.handle)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *session.Handle) {
			defer wg.Done()
			h.Stop()
		}(h)
	}
	wg.Wait()
}

func (s *Service) deregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
