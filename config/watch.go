package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/logging"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*Config)

// Watch reloads the configuration whenever the file changes and hands
// valid results to onReload. A reload that fails to parse or validate is
// logged and dropped; the previous configuration stays in force. Watch
// blocks until the context ends.
//
// The parent directory is watched rather than the file itself: editors
// that write-and-rename would otherwise detach the watch.
func Watch(ctx context.Context, path string, logger *logging.Logger, onReload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.InvalidInput("resolve configuration path: " + err.Error())
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrap(err, "watch config directory")
	}

	// Debounce: editors emit bursts of events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Warn("config watch error", map[string]interface{}{"error": err.Error()})
			}

		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				if logger != nil {
					logger.Warn("config reload rejected", map[string]interface{}{
						"path":  abs,
						"error": err.Error(),
					})
				}
				continue
			}
			if logger != nil {
				logger.Info("configuration reloaded", map[string]interface{}{"path": abs})
			}
			onReload(cfg)
		}
	}
}
