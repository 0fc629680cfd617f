package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events an editor emits
// for one save.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	logger   *slog.Logger
	debounce time.Duration
}

// WithWatchLogger sets the logger for reload failures.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(c *watchConfig) {
		c.logger = logger
	}
}

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		c.debounce = d
	}
}

// Watch reloads the settings file whenever it changes and hands the
// result to fn. Files that fail to parse or validate are logged and
// skipped; fn only ever sees valid settings. Watch blocks until ctx is
// cancelled.
//
// The parent directory is watched rather than the file, so editors that
// save by rename are picked up.
func Watch(ctx context.Context, path string, fn func(Settings), opts ...WatchOption) error {
	cfg := watchConfig{logger: slog.Default(), debounce: DefaultWatchDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	reload := func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		s, err := LoadSettings(path)
		if err != nil {
			cfg.logger.Warn("config reload failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		cfg.logger.Debug("config reloaded", slog.String("path", path))
		fn(s)
	}
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		wg.Add(1)
		timer = time.AfterFunc(cfg.debounce, reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cfg.logger.Warn("config watch error",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
}
