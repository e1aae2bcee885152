// Package catalog maintains the station's view of the orbital element
// catalog: parsing TLE files written by the external fetcher, merging
// duplicate objects, judging freshness, and watching for refreshes.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/model"
)

// Catalog is a thread-safe map of catalog id to the newest known element
// set. Element sets are immutable; a refresh replaces entries wholesale.
type Catalog struct {
	mu   sync.RWMutex
	sets map[string]model.OrbitalElementSet

	log logging.Logger
}

// New constructs an empty catalog.
func New(log logging.Logger) *Catalog {
	if log == nil {
		log = logging.Noop()
	}
	return &Catalog{
		sets: make(map[string]model.OrbitalElementSet),
		log:  log,
	}
}

// Upsert merges element sets into the catalog, keeping the newer epoch
// when an object is already present. It returns how many entries were
// added or replaced.
func (c *Catalog) Upsert(sets ...model.OrbitalElementSet) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, s := range sets {
		if s.CatalogID == "" {
			continue
		}
		if cur, ok := c.sets[s.CatalogID]; ok && !s.Epoch.After(cur.Epoch) {
			continue
		}
		c.sets[s.CatalogID] = s
		changed++
	}
	return changed
}

// Get returns the element set for one object.
func (c *Catalog) Get(id string) (model.OrbitalElementSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sets[id]
	return s, ok
}

// Snapshot returns a copy of the current catalog contents. Callers own
// the returned map; later refreshes never mutate it.
func (c *Catalog) Snapshot() map[string]model.OrbitalElementSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]model.OrbitalElementSet, len(c.sets))
	for id, s := range c.sets {
		out[id] = s
	}
	return out
}

// Len returns the number of tracked objects.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sets)
}

// StaleCount reports how many element sets are older than maxAge.
func (c *Catalog) StaleCount(maxAge time.Duration, now time.Time) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, s := range c.sets {
		if s.Stale(maxAge, now) {
			n++
		}
	}
	return n
}

// LoadFile parses one TLE file into the catalog and returns the number of
// entries added or replaced.
func (c *Catalog) LoadFile(ctx context.Context, path string) (int, error) {
	sets, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	n := c.Upsert(sets...)
	c.log.Info(ctx, "catalog file loaded",
		logging.String("path", path),
		logging.Int("parsed", len(sets)),
		logging.Int("merged", n),
		logging.Int("objects", c.Len()),
	)
	return n, nil
}

// LoadDir parses every .tle/.txt file in dir. Unreadable files are
// skipped with a warning so one bad download cannot empty the catalog.
func (c *Catalog) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read catalog dir: %w", err)
	}

	total := 0
	for _, de := range entries {
		if de.IsDir() || de.Name() == lastUpdateFile {
			continue
		}
		switch strings.ToLower(filepath.Ext(de.Name())) {
		case ".tle", ".txt":
		default:
			continue
		}
		n, err := c.LoadFile(ctx, filepath.Join(dir, de.Name()))
		if err != nil {
			c.log.Warn(ctx, "skipping unreadable catalog file",
				logging.String("file", de.Name()),
				logging.Err(err),
			)
			continue
		}
		total += n
	}
	return total, nil
}

// LoadPath loads a single TLE file or, when path is a directory, every
// TLE file inside it.
func (c *Catalog) LoadPath(ctx context.Context, path string) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat catalog path: %w", err)
	}
	if fi.IsDir() {
		return c.LoadDir(ctx, path)
	}
	return c.LoadFile(ctx, path)
}
