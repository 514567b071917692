package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the re-validated configuration after the watched
// file changes.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file on change and hands the result to a
// handler. Invalid edits are logged and dropped; the previous configuration
// stays in effect.
type Watcher struct {
	path    string
	handler ChangeHandler
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	lastLoad time.Time
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, handler ChangeHandler, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		handler: handler,
		watcher: fsw,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched rather than the
// file itself so that editors replacing the file atomically are still seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	w.started = true
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops watching for configuration changes.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	close(w.stopCh)
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Error closing file watcher", zap.Error(err))
	}
	w.started = false
}

func (w *Watcher) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	// Editors commonly emit bursts of events per save.
	w.mu.Lock()
	if time.Since(w.lastLoad) < 100*time.Millisecond {
		w.mu.Unlock()
		return
	}
	w.lastLoad = time.Now()
	w.mu.Unlock()

	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
	if w.handler != nil {
		w.handler(cfg)
	}
}
