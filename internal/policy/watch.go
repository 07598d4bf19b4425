package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy document when it changes on disk, so edits made
// outside the admin API (or by another process) take effect without a
// restart. The watch is on the containing directory: atomic rename-into-place
// replaces the inode, and watching the file itself would go stale.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(200*time.Millisecond, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watch error", "err", err)
		case <-reload:
			if err := s.Reload(); err != nil {
				slog.Warn("policy reload failed", "file", s.path, "err", err)
				continue
			}
			slog.Info("policy document reloaded", "file", s.path, "version", s.Version())
		}
	}
}
