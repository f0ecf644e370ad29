package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	Holder *Holder

	// Reload reads the file again. Defaults to LoadOrDefault.
	Reload func(path string) (*Config, error)

	// OnChange runs after a successful reload with the previous and new
	// configs.
	OnChange func(old, cur *Config)

	Logger   *slog.Logger
	Debounce time.Duration
}

// Run blocks until ctx is cancelled. The parent directory is watched
// instead of the file so editors that save by rename are seen. A reload
// that fails keeps the current config.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reload := w.Reload
	if reload == nil {
		reload = LoadOrDefault
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	path := filepath.Clean(w.Holder.Path())

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path || (ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write)) {
				continue
			}

			timer.Reset(debounce)

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-timer.C:
			cfg, err := reload(path)
			if err != nil {
				logger.Warn("config reload failed, keeping current config",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)

				continue
			}

			old := w.Holder.Update(cfg)
			logger.Info("config reloaded", slog.String("path", path))

			if w.OnChange != nil {
				w.OnChange(old, cfg)
			}
		}
	}
}
