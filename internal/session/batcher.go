package session

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultFlushInterval is the raw-output coalescing window.
	DefaultFlushInterval = 50 * time.Millisecond
	// DefaultFlushBytes is the byte ceiling that forces an early flush.
	DefaultFlushBytes = 8 * 1024
)

// batcher coalesces raw output chunks over a short interval so that a
// chatty child process cannot generate one store push per read. A flush
// happens when the byte ceiling is hit or the interval elapses, whichever
// comes first.
type batcher struct {
	interval time.Duration
	maxBytes int
	emit     func(string)

	mu    sync.Mutex
	buf   strings.Builder
	timer *time.Timer
}

func newBatcher(interval time.Duration, maxBytes int, emit func(string)) *batcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBytes <= 0 {
		maxBytes = DefaultFlushBytes
	}
	return &batcher{interval: interval, maxBytes: maxBytes, emit: emit}
}

// Write appends a chunk, flushing immediately once the ceiling is reached.
func (b *batcher) Write(p []byte) {
	b.mu.Lock()
	b.buf.Write(p)
	if b.buf.Len() >= b.maxBytes {
		b.flushLocked()
		b.mu.Unlock()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
	b.mu.Unlock()
}

// Flush emits any buffered bytes.
func (b *batcher) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

func (b *batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.buf.Len() == 0 {
		return
	}
	content := b.buf.String()
	b.buf.Reset()
	b.emit(content)
}
