package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teslashibe/go-scan/pkg/scan"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// watchSessionFile calls onChange with the reloaded configuration each
// time path is written or replaced, until ctx is done. Unparseable files
// are logged and skipped.
func watchSessionFile(ctx context.Context, path string, logger *slog.Logger, onChange func(scan.SessionConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("watching session file", "path", path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("session file watcher error", "error", err)

		case <-debounce:
			debounce = nil
			cfg, err := scan.LoadSessionConfig(path)
			if err != nil {
				logger.Warn("ignoring invalid session file", "path", path, "error", err)
				continue
			}
			onChange(cfg)
		}
	}
}
