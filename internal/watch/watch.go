// Package watch re-runs an import whenever its source document changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RunFunc performs one import. It is never called concurrently.
type RunFunc func(ctx context.Context) error

// Watcher monitors a single source document.
type Watcher struct {
	path     string
	debounce time.Duration
	run      RunFunc
	logger   *slog.Logger
}

// New creates a watcher for path. Changes closer together than debounce
// collapse into one run.
func New(path string, debounce time.Duration, run RunFunc, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		run:      run,
		logger:   logger,
	}, nil
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// rather than the file so editors that save by rename are still seen.
// A failed run is logged and watching continues.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("watching source", slog.String("path", w.path), slog.Duration("debounce", w.debounce))

	// Armed only by a relevant event.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !w.relevant(event) {
				continue
			}

			w.logger.Debug("source changed", slog.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}

	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

func (w *Watcher) runOnce(ctx context.Context) {
	start := time.Now()

	err := w.run(ctx)

	switch {
	case err == nil:
		w.logger.Info("import finished", slog.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
		w.logger.Debug("import cancelled")
	default:
		w.logger.Warn("import failed", slog.String("error", err.Error()))
	}
}
