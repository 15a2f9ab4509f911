package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the policy file into e whenever it changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are still observed. A file that fails to parse leaves the current policy in
// place.
func Watch(ctx context.Context, path string, base Policy, e *Evaluator, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("trigger policy watcher error", "error", err)
		case <-pending:
			pending = nil
			policy, err := LoadPolicy(path, base)
			if err != nil {
				logger.Warn("trigger policy reload failed; keeping previous policy", "path", path, "error", err)
				continue
			}
			e.SetPolicy(policy)
			logger.Info("trigger policy reloaded", "path", path)
		}
	}
}
