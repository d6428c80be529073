package msgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdeck/internal/ndjson"
)

const (
	// DefaultMaxEvents bounds the in-memory window by entry count.
	DefaultMaxEvents = 1000
	// DefaultMaxBytes bounds the in-memory window by payload bytes.
	DefaultMaxBytes = 2 * 1024 * 1024
)

// Store is the per-session output event log: a bounded in-memory window,
// a durable append-only JSONL file, and a set of live subscribers.
//
// Every Push is appended to disk before it is broadcast. Eviction applies
// only to the in-memory window; the durable log grows append-only.
type Store struct {
	sessionID string
	taskID    string
	logger    *slog.Logger

	file    *os.File
	encoder *ndjson.Encoder

	mu        sync.Mutex
	events    []Event
	bytes     int
	maxEvents int
	maxBytes  int
	subs      map[string]func(Event)
}

// Option customizes a Store at construction time.
type Option func(*Store)

// WithMaxEvents sets the entry-count budget. Values <= 0 are ignored.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// WithMaxBytes sets the byte budget. Values <= 0 are ignored.
func WithMaxBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// New creates a store for a session, opening its durable log for appending.
func New(logPath, sessionID, taskID string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	s := &Store{
		sessionID: sessionID,
		taskID:    taskID,
		logger:    logger,
		file:      file,
		encoder:   ndjson.NewEncoder(file, logger),
		maxEvents: DefaultMaxEvents,
		maxBytes:  DefaultMaxBytes,
		subs:      make(map[string]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Push stamps, persists, windows, and broadcasts an event, in that order.
// The disk append happens before any subscriber sees the event.
func (s *Store) Push(evt Event) error {
	evt.ID = uuid.New().String()
	evt.SessionID = s.sessionID
	evt.TaskID = s.taskID
	evt.CreatedAt = time.Now().UTC()
	evt.SchemaVersion = SchemaVersion
	if evt.Timestamp.IsZero() {
		evt.Timestamp = evt.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.encoder.Encode(&evt); err != nil {
		// A single huge line must not vanish from history: cut the
		// payload down and persist the truncated event instead.
		if errors.Is(err, ndjson.ErrLineTooLong) && evt.truncateOversized() {
			s.logger.Warn("truncated oversized event", "session", s.sessionID, "type", evt.Type)
			err = s.encoder.Encode(&evt)
		}
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
	}

	s.events = append(s.events, evt)
	s.bytes += evt.size()
	s.evictLocked()

	// Fan-out under the lock preserves per-session ordering across
	// subscribers. Callbacks must not call back into the store.
	for _, fn := range s.subs {
		fn(evt)
	}
	return nil
}

// evictLocked drops oldest entries until both budgets are satisfied.
func (s *Store) evictLocked() {
	drop := 0
	for drop < len(s.events)-1 &&
		(len(s.events)-drop > s.maxEvents || s.bytes > s.maxBytes) {
		s.bytes -= s.events[drop].size()
		drop++
	}
	if drop > 0 {
		s.events = append([]Event(nil), s.events[drop:]...)
	}
}

// Subscribe registers a live listener and returns its unsubscribe function.
// A subscriber sees only events pushed after registration; use History to
// replay the current window first.
func (s *Store) Subscribe(fn func(Event)) func() {
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

// History returns a copy of the in-memory window in insertion order.
func (s *Store) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Close closes the durable log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// LoadHistory reconstructs the bounded in-memory window for a session that
// is not currently live by scanning its durable log. Malformed lines are
// skipped. The returned slice matches what a live store with the same
// budgets would hold after the same pushes.
func LoadHistory(logPath string, logger *slog.Logger, opts ...Option) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()

	replay := &Store{
		logger:    logger,
		maxEvents: DefaultMaxEvents,
		maxBytes:  DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(replay)
	}

	err = ndjson.Scan(file, logger, func(raw []byte) bool {
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			logger.Warn("skipping undecodable event", "path", logPath, "error", err)
			return true
		}
		replay.events = append(replay.events, evt)
		replay.bytes += evt.size()
		replay.evictLocked()
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan session log: %w", err)
	}
	return replay.events, nil
}
