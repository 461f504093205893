// Package watcher re-admits config-declared jobs when the configuration
// file changes on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc re-reads the configuration. Failures leave the previous
// configuration in effect.
type ReloadFunc func() error

// Watcher debounces filesystem events on a single config file.
type Watcher struct {
	path     string
	reload   ReloadFunc
	logger   *slog.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu         sync.Mutex
	lastReload time.Time
}

// New builds a watcher for path. Debounce defaults to one second.
func New(path string, reload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		reload:   reload,
		logger:   logger.With("component", "watcher"),
		fs:       fs,
		debounce: time.Second,
	}, nil
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("watching config file", slog.String("path", w.path))
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.onChange(event)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) onChange(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Editors produce bursts of events per save; collapse them.
	if time.Since(w.lastReload) < w.debounce {
		return
	}
	w.logger.Info("config file changed, reloading", slog.String("op", event.Op.String()))
	if err := w.reload(); err != nil {
		w.logger.Error("config reload failed", slog.Any("error", err))
		return
	}
	w.lastReload = time.Now()
}
