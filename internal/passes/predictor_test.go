package passes

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/orbit"
	"github.com/Artifact-Virtual/satx/model"
)

// arcProp synthesizes one sinusoidal elevation arc per object. Elevation
// is below the horizon outside [start, start+duration] and peaks at the
// arc midpoint.
type arcProp struct {
	arcs    map[string]arc
	failing map[string]bool
}

type arc struct {
	start    time.Time
	duration time.Duration
	peakDeg  float64
	sunlit   bool
}

func (p arcProp) StateAt(set model.OrbitalElementSet, at time.Time) (orbit.State, error) {
	if p.failing[set.CatalogID] {
		return orbit.State{}, errors.New("synthetic propagation failure")
	}
	a, ok := p.arcs[set.CatalogID]
	if !ok {
		return orbit.State{ElevationDeg: -10}, nil
	}

	dt := at.Sub(a.start).Seconds()
	span := a.duration.Seconds()
	el := -10.0
	if dt >= 0 && dt <= span {
		el = a.peakDeg * math.Sin(math.Pi*dt/span)
	}
	return orbit.State{
		AzimuthDeg:   math.Mod(dt, 360),
		ElevationDeg: el,
		RangeKm:      1000,
		Sunlit:       a.sunlit,
	}, nil
}

func element(id string, fetched time.Time) model.OrbitalElementSet {
	return model.OrbitalElementSet{CatalogID: id, Epoch: fetched, FetchedAt: fetched}
}

func TestPredictFindsSinglePass(t *testing.T) {
	now := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	prop := arcProp{arcs: map[string]arc{
		"100": {start: now.Add(10 * time.Minute), duration: 10 * time.Minute, peakDeg: 45, sunlit: true},
	}}

	p := NewPredictor(prop, Config{MinElevationDeg: 10, Horizon: 2 * time.Hour}, logging.Noop(), nil)
	windows := p.Predict(context.Background(), map[string]model.OrbitalElementSet{
		"100": element("100", now),
	}, now)

	if len(windows) != 1 {
		t.Fatalf("Predict returned %d windows, want 1", len(windows))
	}
	w := windows[0]
	if !w.Rise.Before(w.TimeOfMax) || !w.TimeOfMax.Before(w.Set) {
		t.Fatalf("window ordering violated: rise=%v max=%v set=%v", w.Rise, w.TimeOfMax, w.Set)
	}
	if w.MaxElevationDeg < 44 || w.MaxElevationDeg > 45.01 {
		t.Fatalf("MaxElevationDeg = %v, want ~45", w.MaxElevationDeg)
	}
	if !w.Sunlit {
		t.Fatalf("Sunlit not carried from the propagator state at max")
	}
	if w.StaleSource {
		t.Fatalf("fresh element set tagged stale")
	}
}

func TestPredictMaxIsMaximumOfSampledCurve(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	prop := arcProp{arcs: map[string]arc{
		"7": {start: now.Add(5 * time.Minute), duration: 8 * time.Minute, peakDeg: 72},
	}}

	p := NewPredictor(prop, Config{MinElevationDeg: 5, Horizon: time.Hour}, logging.Noop(), nil)
	windows := p.Predict(context.Background(), map[string]model.OrbitalElementSet{
		"7": element("7", now),
	}, now)
	if len(windows) != 1 {
		t.Fatalf("Predict returned %d windows, want 1", len(windows))
	}
	w := windows[0]

	// Re-sample the curve at the predictor's own step: no sample inside
	// the window may beat the reported maximum.
	for ts := w.Rise; !ts.After(w.Set); ts = ts.Add(10 * time.Second) {
		st, err := prop.StateAt(element("7", now), ts)
		if err != nil {
			t.Fatalf("StateAt failed: %v", err)
		}
		if st.ElevationDeg > w.MaxElevationDeg+1e-9 {
			t.Fatalf("sample at %v has elevation %v above reported max %v", ts, st.ElevationDeg, w.MaxElevationDeg)
		}
	}
}

func TestPredictTagsStaleSources(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	prop := arcProp{arcs: map[string]arc{
		"old": {start: now.Add(time.Minute), duration: 6 * time.Minute, peakDeg: 30},
	}}

	p := NewPredictor(prop, Config{MinElevationDeg: 10, Horizon: time.Hour}, logging.Noop(), nil)
	windows := p.Predict(context.Background(), map[string]model.OrbitalElementSet{
		"old": element("old", now.Add(-8*24*time.Hour)),
	}, now)

	if len(windows) != 1 {
		t.Fatalf("Predict returned %d windows, want 1", len(windows))
	}
	if !windows[0].StaleSource {
		t.Fatalf("window from 8-day-old elements not tagged stale")
	}
}

func TestPredictSkipsFailingObjectAndContinues(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	prop := arcProp{
		arcs: map[string]arc{
			"good": {start: now.Add(time.Minute), duration: 6 * time.Minute, peakDeg: 30},
		},
		failing: map[string]bool{"bad": true},
	}

	p := NewPredictor(prop, Config{MinElevationDeg: 10, Horizon: time.Hour}, logging.Noop(), nil)
	windows := p.Predict(context.Background(), map[string]model.OrbitalElementSet{
		"good": element("good", now),
		"bad":  element("bad", now),
	}, now)

	if len(windows) != 1 {
		t.Fatalf("Predict returned %d windows, want 1 (failing object skipped)", len(windows))
	}
	if windows[0].CatalogID != "good" {
		t.Fatalf("surviving window belongs to %q, want good", windows[0].CatalogID)
	}
}

func TestPredictMultiplePassesSortedByRise(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	prop := arcProp{arcs: map[string]arc{
		"late":  {start: now.Add(40 * time.Minute), duration: 10 * time.Minute, peakDeg: 25},
		"early": {start: now.Add(5 * time.Minute), duration: 10 * time.Minute, peakDeg: 60},
	}}

	p := NewPredictor(prop, Config{MinElevationDeg: 10, Horizon: 2 * time.Hour}, logging.Noop(), nil)
	windows := p.Predict(context.Background(), map[string]model.OrbitalElementSet{
		"late":  element("late", now),
		"early": element("early", now),
	}, now)

	if len(windows) != 2 {
		t.Fatalf("Predict returned %d windows, want 2", len(windows))
	}
	if windows[0].CatalogID != "early" || windows[1].CatalogID != "late" {
		t.Fatalf("windows not sorted by rise: %q then %q", windows[0].CatalogID, windows[1].CatalogID)
	}
	for _, w := range windows {
		if !w.Rise.Before(w.TimeOfMax) || !w.TimeOfMax.Before(w.Set) {
			t.Fatalf("window %s ordering violated", w.CatalogID)
		}
	}
}

func TestPredictRiseStableAcrossScanTimes(t *testing.T) {
	now := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	prop := arcProp{arcs: map[string]arc{
		"100": {start: now.Add(20 * time.Minute), duration: 10 * time.Minute, peakDeg: 45},
	}}
	elems := map[string]model.OrbitalElementSet{"100": element("100", now)}

	p := NewPredictor(prop, Config{MinElevationDeg: 10, Horizon: 2 * time.Hour}, logging.Noop(), nil)

	first := p.Predict(context.Background(), elems, now)
	if len(first) != 1 {
		t.Fatalf("first Predict returned %d windows, want 1", len(first))
	}

	// A rebuild seven seconds later lands off the 10s sampling grid; the
	// pass itself has not moved, so neither may its window.
	second := p.Predict(context.Background(), elems, now.Add(7*time.Second))
	if len(second) != 1 {
		t.Fatalf("second Predict returned %d windows, want 1", len(second))
	}
	if !first[0].Rise.Equal(second[0].Rise) || !first[0].Set.Equal(second[0].Set) {
		t.Fatalf("window moved between scans: [%v, %v] then [%v, %v]",
			first[0].Rise, first[0].Set, second[0].Rise, second[0].Set)
	}
	if model.EntryID(first[0], 1) != model.EntryID(second[0], 1) {
		t.Fatalf("entry id changed between scans: %q then %q",
			model.EntryID(first[0], 1), model.EntryID(second[0], 1))
	}
}

func TestPredictNothingBelowThreshold(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	prop := arcProp{arcs: map[string]arc{
		"low": {start: now.Add(time.Minute), duration: 10 * time.Minute, peakDeg: 8},
	}}

	p := NewPredictor(prop, Config{MinElevationDeg: 10, Horizon: time.Hour}, logging.Noop(), nil)
	windows := p.Predict(context.Background(), map[string]model.OrbitalElementSet{
		"low": element("low", now),
	}, now)

	if len(windows) != 0 {
		t.Fatalf("Predict returned %d windows for a pass peaking below threshold, want 0", len(windows))
	}
}
