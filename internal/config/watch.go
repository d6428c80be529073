package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 300 * time.Millisecond

// Watcher reloads the store when its config file changes on disk.
// Editors tend to fire several events per save, so reloads are debounced.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
	done   chan struct{}
}

// Watch starts watching the store's config file. The parent directory is
// watched rather than the file itself so atomic rename saves keep working.
func Watch(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(store.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		store:   store,
		watcher: fw,
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	close(w.cancel)
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case <-w.cancel:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.store.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Error("config watcher error", "error", err)
		}
	}
}

// scheduleReload resets the debounce timer so a burst of save events
// produces a single reload after things settle.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, func() {
		if err := w.store.Reload(); err != nil {
			w.store.logger.Warn("config reload failed, keeping previous configuration", "error", err)
		}
	})
}
