package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/model"
)

const sampleTLE = `ISS (ZARYA)
1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990
2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760
NOAA 19
1 33591U 09005A   21275.51782528  .00000076  00000-0  65843-4 0  9992
2 33591  99.1735 305.1696 0013406 176.8207 183.3073 14.12500909651616
`

func TestParseThreeLineGroups(t *testing.T) {
	fetched := time.Date(2021, time.October, 2, 18, 0, 0, 0, time.UTC)

	sets, err := Parse(strings.NewReader(sampleTLE), fetched)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("Parse returned %d sets, want 2", len(sets))
	}

	iss := sets[0]
	if iss.CatalogID != "25544" {
		t.Fatalf("CatalogID = %q, want 25544", iss.CatalogID)
	}
	if iss.Name != "ISS (ZARYA)" {
		t.Fatalf("Name = %q, want ISS (ZARYA)", iss.Name)
	}
	if !iss.FetchedAt.Equal(fetched) {
		t.Fatalf("FetchedAt = %v, want %v", iss.FetchedAt, fetched)
	}

	// Epoch 21275.59097222: day 275 of 2021.
	if iss.Epoch.Year() != 2021 || iss.Epoch.YearDay() != 275 {
		t.Fatalf("Epoch = %v, want day 275 of 2021", iss.Epoch)
	}
}

func TestParseTwoLineGroupWithoutName(t *testing.T) {
	raw := strings.Join(strings.Split(sampleTLE, "\n")[1:3], "\n") + "\n"

	sets, err := Parse(strings.NewReader(raw), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("Parse returned %d sets, want 1", len(sets))
	}
	if sets[0].Name != "" {
		t.Fatalf("Name = %q, want empty", sets[0].Name)
	}
}

func TestParseSkipsMalformedGroups(t *testing.T) {
	raw := "GARBAGE\n1 25544U truncated\n2 25544 also truncated\n" + sampleTLE

	sets, err := Parse(strings.NewReader(raw), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("Parse returned %d sets, want 2 (malformed group skipped)", len(sets))
	}
}

func TestParseEpochCentury(t *testing.T) {
	line := "1 05398U 71067E   57001.00000000  .00000063  00000-0  00000+0 0  9999"
	epoch, err := parseEpoch(line)
	if err != nil {
		t.Fatalf("parseEpoch failed: %v", err)
	}
	if epoch.Year() != 1957 {
		t.Fatalf("epoch year = %d, want 1957 for two-digit year 57", epoch.Year())
	}
}

func TestUpsertKeepsNewestEpoch(t *testing.T) {
	c := New(logging.Noop())

	older := model.OrbitalElementSet{CatalogID: "25544", Epoch: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), Line1: "old"}
	newer := model.OrbitalElementSet{CatalogID: "25544", Epoch: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC), Line1: "new"}

	if n := c.Upsert(newer); n != 1 {
		t.Fatalf("Upsert(newer) = %d, want 1", n)
	}
	if n := c.Upsert(older); n != 0 {
		t.Fatalf("Upsert(older) = %d, want 0 (stale epoch must not replace)", n)
	}

	got, ok := c.Get("25544")
	if !ok || got.Line1 != "new" {
		t.Fatalf("Get returned %+v, want the newer set", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New(logging.Noop())
	c.Upsert(model.OrbitalElementSet{CatalogID: "1", Epoch: time.Now()})

	snap := c.Snapshot()
	delete(snap, "1")

	if c.Len() != 1 {
		t.Fatalf("mutating a snapshot changed the catalog")
	}
}

func TestStaleCount(t *testing.T) {
	now := time.Date(2021, time.October, 10, 0, 0, 0, 0, time.UTC)
	c := New(logging.Noop())
	c.Upsert(
		model.OrbitalElementSet{CatalogID: "fresh", Epoch: now, FetchedAt: now.Add(-24 * time.Hour)},
		model.OrbitalElementSet{CatalogID: "stale", Epoch: now, FetchedAt: now.Add(-8 * 24 * time.Hour)},
	)

	if n := c.StaleCount(model.DefaultMaxElementAge, now); n != 1 {
		t.Fatalf("StaleCount = %d, want 1", n)
	}
}

func TestLoadFileUsesLastUpdateSidecar(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2021, time.October, 2, 18, 30, 0, 0, time.UTC)

	if err := os.WriteFile(filepath.Join(dir, "weather.txt"), []byte(sampleTLE), 0o644); err != nil {
		t.Fatalf("write tle file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, lastUpdateFile), []byte(stamp.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	c := New(logging.Noop())
	n, err := c.LoadFile(context.Background(), filepath.Join(dir, "weather.txt"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("LoadFile merged %d, want 2", n)
	}

	got, _ := c.Get("25544")
	if !got.FetchedAt.Equal(stamp) {
		t.Fatalf("FetchedAt = %v, want sidecar stamp %v", got.FetchedAt, stamp)
	}
}

func TestLoadDirSkipsNonCatalogFiles(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "weather.txt"), []byte(sampleTLE), 0o644); err != nil {
		t.Fatalf("write tle file: %v", err)
	}
	// Only the ISS group, under the other accepted extension.
	issOnly := strings.Join(strings.Split(sampleTLE, "\n")[:3], "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "stations.tle"), []byte(issOnly), 0o644); err != nil {
		t.Fatalf("write tle file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, lastUpdateFile), []byte("not a tle"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	c := New(logging.Noop())
	n, err := c.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	// weather.txt merges two objects; stations.tle re-offers the same ISS
	// epoch, which is not newer, so it merges nothing.
	if n != 2 {
		t.Fatalf("LoadDir merged %d, want 2", n)
	}
	if c.Len() != 2 {
		t.Fatalf("catalog holds %d objects, want 2", c.Len())
	}
}

func TestLoadPathHandlesFileAndDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active.txt")
	if err := os.WriteFile(path, []byte(sampleTLE), 0o644); err != nil {
		t.Fatalf("write tle file: %v", err)
	}

	c := New(logging.Noop())
	if n, err := c.LoadPath(context.Background(), path); err != nil || n != 2 {
		t.Fatalf("LoadPath(file) = (%d, %v), want (2, nil)", n, err)
	}

	c2 := New(logging.Noop())
	if n, err := c2.LoadPath(context.Background(), dir); err != nil || n != 2 {
		t.Fatalf("LoadPath(dir) = (%d, %v), want (2, nil)", n, err)
	}

	if _, err := c.LoadPath(context.Background(), filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatalf("LoadPath on a missing path must fail")
	}
}

func TestWatchInvokesCallbackOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active.txt")
	if err := os.WriteFile(path, []byte(sampleTLE), 0o644); err != nil {
		t.Fatalf("write tle file: %v", err)
	}

	c := New(logging.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx, dir, 50*time.Millisecond, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(sampleTLE), 0o644); err != nil {
		t.Fatalf("rewrite tle file: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher never reported the rewrite")
	}

	cancel()
	<-done
}
