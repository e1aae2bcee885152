package doppler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/orbit"
	"github.com/Artifact-Virtual/satx/model"
	"github.com/Artifact-Virtual/satx/timectrl"
)

type rateProp struct {
	fn  func(at time.Time) float64
	err error
}

func (p rateProp) StateAt(_ model.OrbitalElementSet, at time.Time) (orbit.State, error) {
	if p.err != nil {
		return orbit.State{}, p.err
	}
	return orbit.State{ElevationDeg: 45, RangeRateKmS: p.fn(at)}, nil
}

type scriptTuner struct {
	mu    sync.Mutex
	calls []float64
	// failFirst makes the first n calls return an error.
	failFirst int
}

func (s *scriptTuner) SetCenterFrequency(_ context.Context, hz float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, hz)
	if len(s.calls) <= s.failFirst {
		return errors.New("device rejected retune")
	}
	return nil
}

func (s *scriptTuner) applied() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.calls))
	copy(out, s.calls)
	return out
}

type recorder struct {
	mu       sync.Mutex
	events   []model.RetuneEvent
	degraded int
}

func (r *recorder) onRetune(ev model.RetuneEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onDegraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded++
}

func (r *recorder) snapshot() ([]model.RetuneEvent, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RetuneEvent, len(r.events))
	copy(out, r.events)
	return out, r.degraded
}

// waitPending blocks until the tick loop has re-armed its timer, which
// also means the previous tick's callbacks have completed.
func waitPending(t *testing.T, clock *timectrl.SimClock, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clock.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("tick loop never re-armed (pending=%d, want %d)", clock.Pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func startTrack(t *testing.T, clock *timectrl.SimClock, prop orbit.Propagator, tuner Tuner, rec *recorder, nominal float64) (cancel func()) {
	t.Helper()
	ctrl := NewController(prop, clock, Config{TickPeriod: 2 * time.Second}, logging.Noop(), nil)
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Track(ctx, model.OrbitalElementSet{CatalogID: "25544"}, nominal, tuner, rec.onRetune, rec.onDegraded)
	}()
	waitPending(t, clock, 1)
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("Track did not exit after cancel")
		}
	}
}

func TestShiftSign(t *testing.T) {
	if s := ShiftHz(437e6, -7.0); s <= 0 {
		t.Fatalf("approaching object shift = %v, want positive", s)
	}
	if s := ShiftHz(437e6, 7.0); s >= 0 {
		t.Fatalf("receding object shift = %v, want negative", s)
	}

	// 7 km/s at 437 MHz is a little over 10 kHz.
	want := 437e6 * 7000.0 / 299792458.0
	if got := ShiftHz(437e6, -7.0); math.Abs(got-want) > 0.1 {
		t.Fatalf("ShiftHz = %v, want %v", got, want)
	}
}

func TestTrackTargetsDecreaseThroughCulmination(t *testing.T) {
	start := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	culmination := start.Add(10 * time.Second)
	// Range rate sweeps from negative to positive with a single zero
	// crossing at culmination.
	prop := rateProp{fn: func(at time.Time) float64 {
		return 0.05 * at.Sub(culmination).Seconds()
	}}

	clock := timectrl.NewSimClock(start)
	tuner := &scriptTuner{}
	rec := &recorder{}
	stop := startTrack(t, clock, prop, tuner, rec, 437e6)
	defer stop()

	for i := 0; i < 10; i++ {
		clock.Advance(2 * time.Second)
		waitPending(t, clock, 1)
	}

	events, degraded := rec.snapshot()
	if degraded != 0 {
		t.Fatalf("healthy track reported degraded")
	}
	if len(events) != 10 {
		t.Fatalf("recorded %d retunes over 10 ticks, want 10", len(events))
	}
	for i := 1; i < len(events); i++ {
		if !events[i].At.After(events[i-1].At) {
			t.Fatalf("retune timestamps out of order at %d", i)
		}
		if events[i].FrequencyHz >= events[i-1].FrequencyHz {
			t.Fatalf("apparent frequency not strictly decreasing: %v then %v", events[i-1].FrequencyHz, events[i].FrequencyHz)
		}
	}
	// Above nominal while approaching, below once receding.
	if events[0].FrequencyHz <= 437e6 {
		t.Fatalf("first target %v not above nominal while approaching", events[0].FrequencyHz)
	}
	last := events[len(events)-1].FrequencyHz
	if last >= 437e6 {
		t.Fatalf("final target %v not below nominal while receding", last)
	}
	if got := tuner.applied(); len(got) != 10 {
		t.Fatalf("device saw %d retunes, want 10", len(got))
	}
}

func TestTrackDegradesAfterThreeConsecutiveFailuresAndKeepsGoing(t *testing.T) {
	start := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	prop := rateProp{fn: func(time.Time) float64 { return -3.0 }}

	clock := timectrl.NewSimClock(start)
	tuner := &scriptTuner{failFirst: 4}
	rec := &recorder{}
	stop := startTrack(t, clock, prop, tuner, rec, 437e6)
	defer stop()

	for i := 0; i < 2; i++ {
		clock.Advance(2 * time.Second)
		waitPending(t, clock, 1)
	}
	if _, degraded := rec.snapshot(); degraded != 0 {
		t.Fatalf("degraded after only two failures")
	}

	clock.Advance(2 * time.Second)
	waitPending(t, clock, 1)
	if _, degraded := rec.snapshot(); degraded != 1 {
		t.Fatalf("not degraded after three consecutive failures")
	}

	// A fourth failure must not fire the callback again, and the loop
	// must still be retuning.
	clock.Advance(2 * time.Second)
	waitPending(t, clock, 1)
	clock.Advance(2 * time.Second)
	waitPending(t, clock, 1)

	events, degraded := rec.snapshot()
	if degraded != 1 {
		t.Fatalf("degraded fired %d times, want exactly once", degraded)
	}
	if len(events) != 1 {
		t.Fatalf("recorded %d retunes after recovery, want 1", len(events))
	}
	if got := tuner.applied(); len(got) != 5 {
		t.Fatalf("device saw %d attempts, want 5 (loop must keep trying)", len(got))
	}
}

func TestTrackResetsStreakOnSuccess(t *testing.T) {
	start := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	prop := rateProp{fn: func(time.Time) float64 { return -3.0 }}

	clock := timectrl.NewSimClock(start)
	// Fail twice, succeed, fail twice: no window of three consecutive.
	tuner := &patternTuner{pattern: []bool{false, false, true, false, false, true}}
	rec := &recorder{}
	stop := startTrack(t, clock, prop, tuner, rec, 437e6)
	defer stop()

	for i := 0; i < 6; i++ {
		clock.Advance(2 * time.Second)
		waitPending(t, clock, 1)
	}

	events, degraded := rec.snapshot()
	if degraded != 0 {
		t.Fatalf("degraded despite the failure streak resetting")
	}
	if len(events) != 2 {
		t.Fatalf("recorded %d retunes, want 2", len(events))
	}
}

func TestTrackPropagationFailureCountsTowardDegraded(t *testing.T) {
	start := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	prop := rateProp{err: orbit.ErrPropagation}

	clock := timectrl.NewSimClock(start)
	tuner := &scriptTuner{}
	rec := &recorder{}
	stop := startTrack(t, clock, prop, tuner, rec, 437e6)
	defer stop()

	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Second)
		waitPending(t, clock, 1)
	}

	_, degraded := rec.snapshot()
	if degraded != 1 {
		t.Fatalf("three propagation failures did not degrade the session")
	}
	if got := tuner.applied(); len(got) != 0 {
		t.Fatalf("device retuned %d times without a propagated state", len(got))
	}
}

// patternTuner succeeds or fails per the fixed pattern, then succeeds.
type patternTuner struct {
	mu      sync.Mutex
	pattern []bool
	n       int
}

func (p *patternTuner) SetCenterFrequency(context.Context, float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := true
	if p.n < len(p.pattern) {
		ok = p.pattern[p.n]
	}
	p.n++
	if !ok {
		return errors.New("device rejected retune")
	}
	return nil
}
