package keyindex

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of events produced by atomic renames.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads idx whenever file (the blob backing it in an FS store) is
// rewritten by another process. It blocks until ctx is cancelled and calls
// onReload (if non-nil) after every successful reload.
//
// The parent directory is watched rather than the file itself because atomic
// writes replace the inode.
func Watch(ctx context.Context, idx *Index, file string, logger *slog.Logger, onReload func(n int)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(file)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(file)

	logger.Info("keyindex watcher: started", slog.String("file", target))

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("keyindex watcher: stopped")
			return nil

		case <-timerCh:
			timerCh = nil
			if err := idx.Reload(); err != nil {
				logger.Warn("keyindex watcher: reload failed", slog.String("error", err.Error()))
				continue
			}
			n := idx.Len()
			logger.Debug("keyindex watcher: reloaded", slog.Int("keys", n))
			if onReload != nil {
				onReload(n)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("keyindex watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
