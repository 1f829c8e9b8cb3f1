package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watcher watches the configuration file and reloads it on change.
// The parent directory is watched so editors that replace the file by
// rename are still seen.
type Watcher struct {
	path     string
	cfg      atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	mu       sync.Mutex
	onChange []func(old, next *Config)
}

// NewWatcher loads path and prepares a watcher for it
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fsw,
		logger:  logger,
	}
	w.cfg.Store(cfg)
	return w, nil
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	return w.cfg.Load()
}

// OnChange registers a callback run after every successful reload
func (w *Watcher) OnChange(fn func(old, next *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start watches until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounce.C:
			if err := w.reload(); err != nil {
				w.logger.Error("Failed to reload config, keeping previous", "error", err)
			}
		}
	}
}

// reload replaces the current configuration and notifies callbacks.
// A file that fails to load or validate leaves the current one in place.
func (w *Watcher) reload() error {
	next, err := Load(w.path)
	if err != nil {
		return err
	}
	old := w.cfg.Swap(next)
	w.logger.Info("Config reloaded successfully")

	w.mu.Lock()
	callbacks := append([]func(old, next *Config){}, w.onChange...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, next)
	}
	return nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
