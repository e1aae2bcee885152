// Package daemon runs the station control loop: it predicts passes,
// rebuilds the schedule, activates entries when they come due, executes
// preemption directives, and routes finished sessions into the
// detection pipeline.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Artifact-Virtual/satx/internal/acquisition"
	"github.com/Artifact-Virtual/satx/internal/catalog"
	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/observability"
	"github.com/Artifact-Virtual/satx/internal/schedule"
	"github.com/Artifact-Virtual/satx/kb"
	"github.com/Artifact-Virtual/satx/model"
	"github.com/Artifact-Virtual/satx/timectrl"
)

// WindowSource produces pass windows from a catalog snapshot. The pass
// predictor satisfies it; tests inject scripted windows.
type WindowSource interface {
	Predict(ctx context.Context, snapshot map[string]model.OrbitalElementSet, now time.Time) []model.PassWindow
}

// Pipeline is the post-capture stage completed sessions are handed to.
type Pipeline interface {
	Start(ctx context.Context)
	Submit(session model.AcquisitionSession) error
	Close()
}

// Journal records entry status transitions durably. The store satisfies
// it.
type Journal interface {
	RecordEntryStatus(ctx context.Context, e model.ScheduleEntry, at time.Time) error
}

// Config tunes the control loop.
type Config struct {
	// CycleInterval is how often a full predict-and-build cycle runs even
	// without catalog or activity events. Default 5m.
	CycleInterval time.Duration
	// LoopTick is the activation poll interval. Default 1s.
	LoopTick time.Duration
	// WatchDir, when set, is the TLE directory to watch for refreshes by
	// the external fetcher; a change reloads the catalog and rebuilds.
	WatchDir string
	// WatchDebounce collapses bursts of file events. Default 2s.
	WatchDebounce time.Duration
	// MaxElementAge feeds the stale-catalog gauge. Default 7 days.
	MaxElementAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 5 * time.Minute
	}
	if c.LoopTick <= 0 {
		c.LoopTick = time.Second
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = 2 * time.Second
	}
	if c.MaxElementAge <= 0 {
		c.MaxElementAge = model.DefaultMaxElementAge
	}
	return c
}

// Deps are the components the daemon wires together. Catalog, Windows,
// Builder, Manager, Pipeline, and Journal are required; KB and Metrics
// may be nil.
type Deps struct {
	Catalog  *catalog.Catalog
	KB       *kb.Transmitters
	Windows  WindowSource
	Builder  *schedule.Builder
	Manager  *acquisition.Manager
	Pipeline Pipeline
	Journal  Journal
	Metrics  *observability.ScheduleCollector
	Clock    timectrl.Clock
	Log      logging.Logger
}

// Daemon owns the schedule state. All mutation happens on the Run loop
// goroutine; Snapshot provides the concurrent read view.
type Daemon struct {
	catalog  *catalog.Catalog
	kb       *kb.Transmitters
	windows  WindowSource
	builder  *schedule.Builder
	manager  *acquisition.Manager
	pipeline Pipeline
	journal  Journal
	metrics  *observability.ScheduleCollector
	clock    timectrl.Clock
	log      logging.Logger
	cfg      Config

	due      *schedule.DueTimer
	rebuild  chan struct{}
	outcomes chan acquisition.Outcome

	mu       sync.RWMutex
	entries  map[string]model.ScheduleEntry
	elements map[string]model.OrbitalElementSet
}

// Snapshot is a read-only view of the daemon's schedule state.
type Snapshot struct {
	At time.Time

	Pending   int
	Active    int
	Completed int
	Skipped   int
	Failed    int

	// NextActivation is zero when nothing is scheduled.
	NextActivation time.Time
	// ActiveSession is nil when the device is idle.
	ActiveSession *model.AcquisitionSession
}

// New validates the wiring and returns a daemon ready to Run.
func New(deps Deps, cfg Config) (*Daemon, error) {
	switch {
	case deps.Catalog == nil:
		return nil, fmt.Errorf("daemon: catalog is required")
	case deps.Windows == nil:
		return nil, fmt.Errorf("daemon: window source is required")
	case deps.Builder == nil:
		return nil, fmt.Errorf("daemon: schedule builder is required")
	case deps.Manager == nil:
		return nil, fmt.Errorf("daemon: session manager is required")
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("daemon: pipeline is required")
	case deps.Journal == nil:
		return nil, fmt.Errorf("daemon: journal is required")
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.RealClock{}
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}

	return &Daemon{
		catalog:  deps.Catalog,
		kb:       deps.KB,
		windows:  deps.Windows,
		builder:  deps.Builder,
		manager:  deps.Manager,
		pipeline: deps.Pipeline,
		journal:  deps.Journal,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Log,
		cfg:      cfg.withDefaults(),
		due:      schedule.NewDueTimer(),
		rebuild:  make(chan struct{}, 1),
		outcomes: make(chan acquisition.Outcome, 16),
		entries:  make(map[string]model.ScheduleEntry),
		elements: make(map[string]model.OrbitalElementSet),
	}, nil
}

// Run executes the control loop until ctx is cancelled, then shuts the
// active session and the pipeline down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info(ctx, "daemon starting",
		logging.Duration("cycle_interval", d.cfg.CycleInterval),
		logging.Duration("loop_tick", d.cfg.LoopTick),
	)

	if d.kb != nil {
		unsub := d.kb.Subscribe(func(ev kb.Event) {
			if ev.Type == kb.EventActivityRecorded {
				d.kick()
			}
		})
		defer unsub()
	}
	if d.cfg.WatchDir != "" {
		go d.watchCatalog(ctx)
	}

	// Workers outlive the run context so the shutdown drain can finish
	// in-flight detections.
	d.pipeline.Start(context.WithoutCancel(ctx))

	d.cycle(ctx)
	nextCycle := d.clock.Now().Add(d.cfg.CycleInterval)
	tick := d.clock.After(d.cfg.LoopTick)

	for {
		select {
		case <-ctx.Done():
			d.shutdown(ctx)
			return ctx.Err()

		case <-d.rebuild:
			d.cycle(ctx)
			nextCycle = d.clock.Now().Add(d.cfg.CycleInterval)

		case o := <-d.outcomes:
			d.applyOutcome(ctx, o)

		case now := <-tick:
			tick = d.clock.After(d.cfg.LoopTick)
			if !now.Before(nextCycle) {
				d.cycle(ctx)
				nextCycle = now.Add(d.cfg.CycleInterval)
			}
			d.advanceDue(ctx, now)
		}
	}
}

// Snapshot returns the current schedule counts and active session, safe
// to call from any goroutine.
func (d *Daemon) Snapshot() Snapshot {
	snap := Snapshot{At: d.clock.Now()}

	d.mu.RLock()
	for _, e := range d.entries {
		switch e.Status {
		case model.EntryPending:
			snap.Pending++
		case model.EntryActive:
			snap.Active++
		case model.EntryCompleted:
			snap.Completed++
		case model.EntrySkipped:
			snap.Skipped++
		case model.EntryFailed:
			snap.Failed++
		}
	}
	d.mu.RUnlock()

	if at, ok := d.due.Next(); ok {
		snap.NextActivation = at
	}
	if s := d.manager.Active(); s != nil {
		cur := s.Snapshot()
		snap.ActiveSession = &cur
	}
	return snap
}

// kick requests a rebuild without blocking; one pending request covers
// any burst.
func (d *Daemon) kick() {
	select {
	case d.rebuild <- struct{}{}:
	default:
	}
}

// enqueueOutcome is the completion callback handed to Manager.Start. It
// runs on the session goroutine; the loop applies the outcome.
func (d *Daemon) enqueueOutcome(o acquisition.Outcome) {
	d.outcomes <- o
}

// watchCatalog reloads the catalog when the external fetcher rewrites
// the TLE files, then requests a rebuild.
func (d *Daemon) watchCatalog(ctx context.Context) {
	err := d.catalog.Watch(ctx, d.cfg.WatchDir, d.cfg.WatchDebounce, func() {
		if _, err := d.catalog.LoadDir(ctx, d.cfg.WatchDir); err != nil {
			d.log.Warn(ctx, "catalog reload failed", logging.Err(err))
			return
		}
		d.kick()
	})
	if err != nil && ctx.Err() == nil {
		d.log.Error(ctx, "catalog watcher stopped", logging.Err(err))
	}
}

// cycle runs one predict-and-build pass and applies the result.
func (d *Daemon) cycle(ctx context.Context) {
	now := d.clock.Now()
	snapshot := d.catalog.Snapshot()
	windows := d.windows.Predict(ctx, snapshot, now)

	d.mu.RLock()
	existing := make([]model.ScheduleEntry, 0, len(d.entries))
	for _, e := range d.entries {
		existing = append(existing, e)
	}
	d.mu.RUnlock()

	result := d.builder.Build(ctx, windows, existing, now)
	d.apply(ctx, result, snapshot, now)
}

// apply installs a build result: journal changed transitions, sync the
// due timer, and execute preemption directives against the live session.
func (d *Daemon) apply(ctx context.Context, result schedule.Result, snapshot map[string]model.OrbitalElementSet, now time.Time) {
	next := make(map[string]model.ScheduleEntry, len(result.Entries))
	for _, e := range result.Entries {
		next[e.ID] = e
	}

	d.mu.Lock()
	old := d.entries
	d.entries = next
	d.elements = snapshot
	d.mu.Unlock()

	for _, e := range result.Entries {
		prev, seen := old[e.ID]
		if seen && prev.Status == e.Status && prev.StatusReason == e.StatusReason {
			continue
		}
		if err := d.journal.RecordEntryStatus(ctx, e, now); err != nil {
			d.log.Warn(ctx, "journal write failed",
				logging.String("entry_id", e.ID),
				logging.Err(err),
			)
		}
	}

	for _, e := range result.Entries {
		if e.Status == model.EntryPending {
			d.due.Schedule(e.Window.Rise, e.ID)
		} else {
			d.due.Cancel(e.ID)
		}
	}
	for id := range old {
		if _, ok := next[id]; !ok {
			d.due.Cancel(id)
		}
	}

	for _, p := range result.Preemptions {
		s := d.manager.Active()
		if s == nil || s.EntryID() != p.EntryID {
			continue
		}
		d.log.Info(ctx, "stopping active session on preemption directive",
			logging.String("entry_id", p.EntryID),
			logging.String("by_entry_id", p.ByEntryID),
		)
		d.manager.StopActive(p.Reason)
	}

	d.updateGauges(now)
}

// advanceDue pops entries whose rise time arrived and starts a session
// for each that is still viable.
func (d *Daemon) advanceDue(ctx context.Context, now time.Time) {
	for _, id := range d.due.Due(now) {
		d.mu.RLock()
		e, ok := d.entries[id]
		var elems model.OrbitalElementSet
		var haveElems bool
		if ok {
			elems, haveElems = d.elements[e.Window.CatalogID]
		}
		d.mu.RUnlock()

		if !ok || e.Status != model.EntryPending {
			continue
		}
		if !now.Before(e.Window.Set) {
			d.transition(ctx, e, model.EntrySkipped, "window elapsed before activation", now)
			continue
		}
		if !haveElems {
			d.transition(ctx, e, model.EntryFailed, "element set missing from catalog", now)
			continue
		}

		// Sessions supervise themselves on the clock and the device;
		// shutdown stops them explicitly rather than by cancellation.
		session, err := d.manager.Start(context.WithoutCancel(ctx), e, elems, d.enqueueOutcome)
		switch {
		case errors.Is(err, acquisition.ErrDeviceBusy):
			// The previous session may still be inside its guard margin.
			d.log.Debug(ctx, "device busy; retrying activation",
				logging.String("entry_id", e.ID),
			)
			d.due.Schedule(now.Add(d.cfg.LoopTick), e.ID)
		case err != nil:
			d.log.Error(ctx, "session start failed",
				logging.String("entry_id", e.ID),
				logging.Err(err),
			)
			d.transition(ctx, e, model.EntryFailed, fmt.Sprintf("session start: %v", err), now)
		default:
			d.log.Info(ctx, "session started",
				logging.String("entry_id", e.ID),
				logging.String("session_id", session.ID()),
				logging.String("catalog_id", e.Window.CatalogID),
			)
			d.transition(ctx, e, model.EntryActive, "", now)
		}
	}
}

// applyOutcome advances the entry to its terminal status and feeds
// completed sessions to the detection pipeline.
func (d *Daemon) applyOutcome(ctx context.Context, o acquisition.Outcome) {
	now := d.clock.Now()

	d.mu.RLock()
	e, ok := d.entries[o.Session.EntryID]
	d.mu.RUnlock()

	if !ok {
		// The entry aged out mid-session; the session row itself was
		// already archived by the manager.
		d.log.Warn(ctx, "outcome for unknown entry",
			logging.String("entry_id", o.Session.EntryID),
		)
	} else {
		d.transition(ctx, e, o.EntryStatus, o.Reason, now)
	}

	if o.EntryStatus == model.EntryCompleted {
		if err := d.pipeline.Submit(o.Session); err != nil {
			d.log.Error(ctx, "detection submit failed",
				logging.String("session_id", o.Session.ID),
				logging.Err(err),
			)
		}
	}
	if o.EntryStatus == model.EntryFailed {
		// Rebuild now so a retry attempt can still catch the remaining
		// window instead of waiting out the cycle interval.
		d.kick()
	}

	d.log.Info(ctx, "session outcome applied",
		logging.String("entry_id", o.Session.EntryID),
		logging.String("status", string(o.EntryStatus)),
		logging.String("reason", o.Reason),
	)
}

// transition updates one entry in place and journals the change.
func (d *Daemon) transition(ctx context.Context, e model.ScheduleEntry, status model.EntryStatus, reason string, now time.Time) {
	e.Status = status
	e.StatusReason = reason
	e.UpdatedAt = now

	d.mu.Lock()
	d.entries[e.ID] = e
	d.mu.Unlock()

	if err := d.journal.RecordEntryStatus(ctx, e, now); err != nil {
		d.log.Warn(ctx, "journal write failed",
			logging.String("entry_id", e.ID),
			logging.Err(err),
		)
	}
	d.updateGauges(now)
}

// shutdown stops the active session, applies outstanding outcomes, and
// drains the pipeline. Journal writes continue on a detached context.
func (d *Daemon) shutdown(ctx context.Context) {
	sctx := context.WithoutCancel(ctx)
	d.log.Info(sctx, "daemon stopping")

	if s := d.manager.Active(); s != nil {
		s.Stop("shutdown")
		// Done closes only after the outcome callback returned, so the
		// drain below is guaranteed to see it.
		<-s.Done()
	}
	for {
		select {
		case o := <-d.outcomes:
			d.applyOutcome(sctx, o)
			continue
		default:
		}
		break
	}

	d.pipeline.Close()
	d.log.Info(sctx, "daemon stopped")
}

func (d *Daemon) updateGauges(now time.Time) {
	d.mu.RLock()
	var pending, active int
	for _, e := range d.entries {
		switch e.Status {
		case model.EntryPending:
			pending++
		case model.EntryActive:
			active++
		}
	}
	d.mu.RUnlock()

	d.metrics.SetScheduleCounts(pending, active)
	d.metrics.SetCatalogCounts(d.catalog.Len(), d.catalog.StaleCount(d.cfg.MaxElementAge, now))
}
