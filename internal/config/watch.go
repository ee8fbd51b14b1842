package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an atomic rename produces.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the configuration whenever the config file changes and calls
// onChange with the new value. Invalid edits are logged and ignored. Watch
// blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file because atomic saves
// replace the file's inode.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.paths.ConfigDir); err != nil {
		return fmt.Errorf("watch %s: %w", m.paths.ConfigDir, err)
	}

	target := filepath.Clean(m.paths.ConfigFile)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(watchDebounce)
			}

		case <-debounce:
			debounce = nil
			cfg, err := m.Reload()
			if err != nil {
				slog.Warn("Ignoring invalid config change", "path", target, "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "path", target)
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
