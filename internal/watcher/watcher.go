// Package watcher reloads the configuration file when it changes on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/funnyzak/tapkit/internal/logger"
)

// DefaultDebounce is the quiet period before a change is applied.
const DefaultDebounce = 200 * time.Millisecond

// ErrRunning is returned when Run is called twice.
var ErrRunning = errors.New("watcher already running")

// Watcher follows a single file. It watches the parent directory so editors
// that save through rename are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   logger.Logger
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// New creates a watcher for path. A non-positive debounce uses DefaultDebounce.
func New(path string, debounce time.Duration, log logger.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("watch path cannot be empty")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{path: abs, debounce: debounce, logger: log, fs: fs}, nil
}

// Run blocks until ctx is done, calling onChange once per burst of writes.
// Errors from onChange are logged and the watch continues.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context) error) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrRunning
	}
	w.running = true
	w.mu.Unlock()
	defer w.close()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("Config watcher started", "path", w.path, "debounce_ms", w.debounce.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Config file event", "path", event.Name, "op", event.Op.String())
			w.trigger(func() {
				if ctx.Err() != nil {
					return
				}
				if err := onChange(ctx); err != nil {
					w.logger.Error("Config reload failed", "error", err)
				}
			})

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.path
}

// trigger restarts the debounce timer; only the last callback of a burst runs.
func (w *Watcher) trigger(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, fn)
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.running = false
	w.mu.Unlock()
	if err := w.fs.Close(); err != nil {
		w.logger.Warn("Failed to close config watcher", "error", err)
	}
}
