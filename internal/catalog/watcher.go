package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 100 * time.Millisecond

// Watch reloads the override file at path whenever it is written or
// replaced, until ctx is cancelled. The parent directory is watched so that
// editors that save by rename are picked up. A failed reload keeps the
// previous types. onReload, if non-nil, runs after each successful reload.
func (c *Catalog) Watch(ctx context.Context, path string, onReload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}
	c.logger.Info("catalog watcher: started", slog.String("path", target))

	var timer *time.Timer
	var reloadCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			c.logger.Info("catalog watcher: stopped")
			return nil

		case <-reloadCh:
			if err := c.Load(target); err != nil {
				c.logger.Warn("catalog watcher: reload failed", slog.String("error", err.Error()))
				continue
			}
			if onReload != nil {
				onReload()
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce bursts of writes from a single save.
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
				reloadCh = timer.C
			} else {
				timer.Reset(reloadDelay)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("catalog watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
