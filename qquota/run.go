package qquota

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Run refreshes the limits every RefreshInterval and applies operator reset
// requests until ctx is done.
func (g *Governor) Run(ctx context.Context) error {
	marker := filepath.Join(g.cfg.Dir, ResetMarker)
	g.checkMarker(marker)

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		err = watcher.Add(g.cfg.Dir)
	}
	if err != nil {
		g.log.Warn("reset marker watch unavailable", "dir", g.cfg.Dir, "error", err)
	} else {
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(g.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Refresh(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != ResetMarker {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create || ev.Op&fsnotify.Write == fsnotify.Write {
				g.checkMarker(marker)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			g.log.Warn("reset marker watch error", "error", err)
		}
	}
}

// checkMarker resets the counters if the marker exists and then removes it.
func (g *Governor) checkMarker(marker string) {
	if _, err := os.Stat(marker); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			g.log.Warn("stat reset marker", "error", err)
		}
		return
	}
	if err := g.ResetUsage(); err != nil {
		g.log.Warn("operator reset failed", "error", err)
		return
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		g.log.Warn("remove reset marker", "error", err)
	}
}
