package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when the file changes. A reload produces
// a fresh Config value handed to the onChange callback; in-flight exchanges
// keep the snapshot they started with.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger}, nil
}

// Watch blocks until the watcher is set up, then reloads in the background
// on every write to the file until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.logger.Info("watching config file for changes", slog.String("path", w.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}

				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error("failed to reload config",
						slog.String("error", err.Error()),
						slog.String("path", w.path))
					continue
				}

				w.logger.Info("config reloaded", slog.String("path", w.path))
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
