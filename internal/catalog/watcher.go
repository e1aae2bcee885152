package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Artifact-Virtual/satx/internal/logging"
)

// Watch observes the directory holding the TLE files and invokes onChange
// after the external fetcher rewrites them. Bursts of filesystem events
// from one refresh collapse into a single callback via the debounce
// interval. Watch blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context, dir string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.log.Info(ctx, "watching catalog directory", logging.String("dir", dir))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			c.log.Debug(ctx, "catalog file event",
				logging.String("file", ev.Name),
				logging.String("op", ev.Op.String()),
			)
			pending = time.After(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn(ctx, "catalog watcher error", logging.Err(err))
		case <-pending:
			pending = nil
			onChange()
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	switch strings.ToLower(filepath.Ext(ev.Name)) {
	case ".txt", ".tle":
		return true
	}
	return false
}
