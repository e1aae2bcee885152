// Package schedule resolves predicted pass windows into a conflict-free
// timeline of capture entries for the single exclusive device.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/model"
)

// KnowledgeBase is the slice of the transmitter knowledge base the builder
// consumes: frequency assignment and externally confirmed activity.
type KnowledgeBase interface {
	FrequencyFor(catalogID string, bands []model.FrequencyBand) float64
	LastActive(catalogID string) time.Time
}

// Metrics receives builder counters. The observability collector
// satisfies it; tests pass nil.
type Metrics interface {
	EntriesScheduled(n int)
	EntriesSkipped(n int)
	EntriesPreempted(n int)
}

// Config tunes the interval-scheduling policy.
type Config struct {
	// PreemptionMargin is how many score points a candidate must exceed
	// an incumbent by before it may displace it. Guards against
	// thrashing on marginal differences. Default 5.0.
	PreemptionMargin float64
	// MinDwell protects an executing session: once it has been capturing
	// for at least this long it can no longer be preempted. Default 60s.
	MinDwell time.Duration
	// RetryMargin is how much of a window must remain for a failed entry
	// to be offered again. Default 2m.
	RetryMargin time.Duration
	// MaxAttempts caps how many times one window is offered. Default 2.
	MaxAttempts int
	// Score ranks windows; nil selects DefaultScoreWeights().Score.
	Score ScoreFunc
}

func (c Config) withDefaults() Config {
	if c.PreemptionMargin <= 0 {
		c.PreemptionMargin = 5.0
	}
	if c.MinDwell <= 0 {
		c.MinDwell = time.Minute
	}
	if c.RetryMargin <= 0 {
		c.RetryMargin = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Score == nil {
		c.Score = DefaultScoreWeights().Score
	}
	return c
}

// Preemption directs the daemon to stop the named active entry's session
// in favour of a higher-priority candidate. The builder never touches the
// device itself.
type Preemption struct {
	EntryID   string
	ByEntryID string
	Reason    string
}

// Result is one build pass over the timeline.
type Result struct {
	// Entries is the complete new schedule: pending and skipped entries
	// from this pass plus carried-over active and terminal entries,
	// sorted by rise time. Terminal entries age out once their window
	// drops from the prediction set; the store keeps the durable journal.
	Entries []model.ScheduleEntry
	// Preemptions are directives against currently active entries.
	Preemptions []Preemption
}

// Builder converts pass windows into schedule entries via priority
// interval scheduling over the single-device timeline.
type Builder struct {
	cfg     Config
	kb      KnowledgeBase
	bands   []model.FrequencyBand
	log     logging.Logger
	metrics Metrics
}

// NewBuilder constructs a builder. kb, log, and metrics may be nil.
func NewBuilder(cfg Config, kb KnowledgeBase, bands []model.FrequencyBand, log logging.Logger, metrics Metrics) *Builder {
	if log == nil {
		log = logging.Noop()
	}
	return &Builder{
		cfg:     cfg.withDefaults(),
		kb:      kb,
		bands:   bands,
		log:     log,
		metrics: metrics,
	}
}

// Build resolves the current window set against the existing schedule.
//
// Entry ids are deterministic per window, so rebuilding from an unchanged
// window set reproduces the same assignment: placement decisions depend
// only on the windows, the scores, and the existing entry states. The
// builder owns pending and skipped states; it never advances an active
// entry, only emits a Preemption directive for the daemon to execute.
func (b *Builder) Build(ctx context.Context, windows []model.PassWindow, existing []model.ScheduleEntry, now time.Time) Result {
	ctx, span := otel.Tracer("satx/schedule").Start(ctx, "schedule.build")
	defer span.End()

	prev := make(map[string]model.ScheduleEntry, len(existing))
	var active *model.ScheduleEntry
	for i := range existing {
		e := existing[i]
		prev[e.ID] = e
		if e.Status == model.EntryActive {
			a := e
			active = &a
		}
	}

	candidates, carried, consumed := b.assembleCandidates(windows, prev, now)

	// Ascending rise order; the earlier window is the incumbent when
	// priorities tie. Equal rises fall back to priority, then id, so the
	// sweep is deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := candidates[i].Window, candidates[j].Window
		if !wi.Rise.Equal(wj.Rise) {
			return wi.Rise.Before(wj.Rise)
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	var (
		placed      []model.ScheduleEntry
		skipped     []model.ScheduleEntry
		preemptions []Preemption
		preempted   int
	)
	activeDisplaced := false

	for _, cand := range candidates {
		blocking, incumbents := b.splitIncumbents(cand, placed)
		if len(blocking) > 0 {
			cand.Status = model.EntrySkipped
			cand.StatusReason = fmt.Sprintf("overlaps %s without exceeding the preemption margin", blocking[0].ID)
			cand.Preemption = &model.PreemptionRecord{
				PreemptedAt: now,
				PreemptedBy: blocking[0].ID,
				Reason:      cand.StatusReason,
			}
			skipped = append(skipped, cand)
			continue
		}

		// Contention with the executing session is decided only once the
		// candidate is sure of its slot, so a directive is never emitted
		// for a candidate that then fails to place.
		if active != nil && !activeDisplaced && cand.Window.Overlaps(active.Window) {
			dwell := now.Sub(active.UpdatedAt)
			if cand.Priority > active.Priority+b.cfg.PreemptionMargin && dwell < b.cfg.MinDwell {
				preemptions = append(preemptions, Preemption{
					EntryID:   active.ID,
					ByEntryID: cand.ID,
					Reason:    fmt.Sprintf("preempted by %s (priority %.1f > %.1f + margin)", cand.ID, cand.Priority, active.Priority),
				})
				activeDisplaced = true
				preempted++
			} else {
				cand.Status = model.EntrySkipped
				cand.StatusReason = fmt.Sprintf("conflicts with active entry %s", active.ID)
				cand.Preemption = &model.PreemptionRecord{
					PreemptedAt: now,
					PreemptedBy: active.ID,
					Reason:      cand.StatusReason,
				}
				skipped = append(skipped, cand)
				continue
			}
		}

		if len(incumbents) > 0 {
			// The candidate beats every overlapping incumbent by more
			// than the margin; all of them lose their slots.
			remaining := placed[:0]
			for _, p := range placed {
				if containsID(incumbents, p.ID) {
					p.Status = model.EntrySkipped
					p.StatusReason = fmt.Sprintf("preempted by %s (priority %.1f > %.1f + margin)", cand.ID, cand.Priority, p.Priority)
					p.Preemption = &model.PreemptionRecord{
						PreemptedAt: now,
						PreemptedBy: cand.ID,
						Reason:      p.StatusReason,
					}
					skipped = append(skipped, p)
					preempted++
					continue
				}
				remaining = append(remaining, p)
			}
			placed = remaining
		}
		placed = append(placed, cand)
	}

	// Entries whose window vanished from the prediction set must not
	// silently disappear from the timeline.
	for id, e := range prev {
		if consumed[id] || e.Status != model.EntryPending {
			continue
		}
		if e.Window.Elapsed(now) {
			e.Status = model.EntrySkipped
			e.StatusReason = "window elapsed before activation"
		} else {
			e.Status = model.EntrySkipped
			e.StatusReason = "window no longer predicted"
		}
		skipped = append(skipped, e)
	}

	result := Result{Preemptions: preemptions}
	result.Entries = append(result.Entries, placed...)
	result.Entries = append(result.Entries, skipped...)
	result.Entries = append(result.Entries, carried...)
	if active != nil {
		result.Entries = append(result.Entries, *active)
	}

	b.restoreLineage(result.Entries, prev, now)
	b.enforceNoOverlap(ctx, result.Entries, preemptions, now)

	sort.Slice(result.Entries, func(i, j int) bool {
		wi, wj := result.Entries[i].Window, result.Entries[j].Window
		if !wi.Rise.Equal(wj.Rise) {
			return wi.Rise.Before(wj.Rise)
		}
		return result.Entries[i].ID < result.Entries[j].ID
	})

	newlySkipped := 0
	for _, e := range result.Entries {
		if e.Status != model.EntrySkipped {
			continue
		}
		if p, ok := prev[e.ID]; !ok || p.Status != model.EntrySkipped {
			newlySkipped++
		}
	}
	pendingCount := len(placed)

	span.SetAttributes(
		attribute.Int("windows", len(windows)),
		attribute.Int("pending", pendingCount),
		attribute.Int("skipped", newlySkipped),
		attribute.Int("preempted", preempted),
	)
	if b.metrics != nil {
		b.metrics.EntriesScheduled(pendingCount)
		b.metrics.EntriesSkipped(newlySkipped)
		b.metrics.EntriesPreempted(preempted)
	}
	b.log.Info(ctx, "schedule rebuilt",
		logging.Int("windows", len(windows)),
		logging.Int("pending", pendingCount),
		logging.Int("skipped", newlySkipped),
		logging.Int("preempted", preempted),
		logging.Int("directives", len(preemptions)),
	)
	return result
}

// assembleCandidates turns windows into scoring candidates, resolving each
// window against what the schedule already knows about it. Matching is by
// object and time overlap rather than exact id: a pass re-predicted while
// in progress rises at the scan instant and would otherwise look brand
// new, resetting its attempt count. It returns the candidates, the
// carried-over terminal entries, and the set of previous entry ids
// accounted for by either.
func (b *Builder) assembleCandidates(windows []model.PassWindow, prev map[string]model.ScheduleEntry, now time.Time) (candidates, carried []model.ScheduleEntry, consumed map[string]bool) {
	consumed = make(map[string]bool)

	for _, w := range windows {
		if w.Elapsed(now) {
			continue
		}

		last := consumeMatches(w, prev, consumed)
		if last == nil {
			candidates = append(candidates, b.newCandidate(w, 1, now))
			continue
		}

		switch last.Status {
		case model.EntryActive:
			// Owned by the session manager; it occupies the timeline via
			// the caller's active incumbent.
		case model.EntryCompleted:
			carried = append(carried, *last)
		case model.EntryFailed:
			carried = append(carried, *last)
			if last.Attempt < b.cfg.MaxAttempts && w.Set.Sub(now) >= b.cfg.RetryMargin {
				candidates = append(candidates, b.newCandidate(w, last.Attempt+1, now))
			}
		default:
			// pending or skipped: re-evaluate placement this pass.
			cand := b.newCandidate(w, last.Attempt, now)
			cand.CreatedAt = last.CreatedAt
			candidates = append(candidates, cand)
		}
	}
	return candidates, carried, consumed
}

// consumeMatches claims every previous entry for the same object whose
// window overlaps w and returns the most advanced of them. Superseded
// attempts drop out of the working set; the journal keeps their history.
func consumeMatches(w model.PassWindow, prev map[string]model.ScheduleEntry, consumed map[string]bool) *model.ScheduleEntry {
	var last *model.ScheduleEntry
	for id, e := range prev {
		if consumed[id] || e.Window.CatalogID != w.CatalogID || !e.Window.Overlaps(w) {
			continue
		}
		consumed[id] = true
		if last == nil || moreAdvanced(e, *last) {
			le := e
			last = &le
		}
	}
	return last
}

// moreAdvanced orders same-pass entries: higher attempt wins, then later
// creation, then id, so map iteration order never changes the outcome.
func moreAdvanced(a, b model.ScheduleEntry) bool {
	if a.Attempt != b.Attempt {
		return a.Attempt > b.Attempt
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (b *Builder) newCandidate(w model.PassWindow, attempt int, now time.Time) model.ScheduleEntry {
	sig := ScoreSignals{Now: now}
	var freq float64
	if b.kb != nil {
		sig.LastConfirmedActive = b.kb.LastActive(w.CatalogID)
		freq = b.kb.FrequencyFor(w.CatalogID, b.bands)
	} else if len(b.bands) > 0 {
		freq = b.bands[0].Center()
	}

	return model.ScheduleEntry{
		ID:                model.EntryID(w, attempt),
		Window:            w,
		CenterFrequencyHz: freq,
		Priority:          b.cfg.Score(w, sig),
		Status:            model.EntryPending,
		Attempt:           attempt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// splitIncumbents partitions the placed entries overlapping cand into
// those that block it (priority not exceeded by more than the margin) and
// those it would displace.
func (b *Builder) splitIncumbents(cand model.ScheduleEntry, placed []model.ScheduleEntry) (blocking, displaced []model.ScheduleEntry) {
	for _, p := range placed {
		if !cand.Overlaps(p) {
			continue
		}
		if cand.Priority > p.Priority+b.cfg.PreemptionMargin {
			displaced = append(displaced, p)
		} else {
			blocking = append(blocking, p)
		}
	}
	if len(blocking) > 0 {
		return blocking, nil
	}
	return nil, displaced
}

// restoreLineage preserves creation times for entries that already existed
// and only bumps UpdatedAt when this pass actually changed the status, so
// an unchanged window set reproduces byte-identical entries.
func (b *Builder) restoreLineage(entries []model.ScheduleEntry, prev map[string]model.ScheduleEntry, now time.Time) {
	for i := range entries {
		p, ok := prev[entries[i].ID]
		if !ok {
			continue
		}
		entries[i].CreatedAt = p.CreatedAt
		if entries[i].Status == p.Status {
			entries[i].UpdatedAt = p.UpdatedAt
			entries[i].StatusReason = p.StatusReason
			entries[i].Preemption = p.Preemption
		} else {
			entries[i].UpdatedAt = now
		}
	}
}

// enforceNoOverlap is the last line of defence for the device-exclusivity
// invariant: no two entries that could both demand the device may overlap.
// Violations indicate a builder bug; they are logged loudly and resolved
// by skipping the later-rising entry.
func (b *Builder) enforceNoOverlap(ctx context.Context, entries []model.ScheduleEntry, preemptions []Preemption, now time.Time) {
	stopping := make(map[string]bool, len(preemptions))
	for _, p := range preemptions {
		stopping[p.EntryID] = true
	}

	live := make([]int, 0, len(entries))
	for i := range entries {
		s := entries[i].Status
		if (s == model.EntryPending || s == model.EntryActive) && !stopping[entries[i].ID] {
			live = append(live, i)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return entries[live[i]].Window.Rise.Before(entries[live[j]].Window.Rise)
	})

	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, c := &entries[live[i]], &entries[live[j]]
			if c.Status != model.EntryPending || !a.Window.Overlaps(c.Window) {
				continue
			}
			if a.Status != model.EntryPending && a.Status != model.EntryActive {
				continue
			}
			b.log.Error(ctx, "schedule invariant violated; forcing skip",
				logging.String("kept", a.ID),
				logging.String("skipped", c.ID),
			)
			c.Status = model.EntrySkipped
			c.StatusReason = fmt.Sprintf("exclusivity conflict with %s", a.ID)
			c.UpdatedAt = now
		}
	}
}

func containsID(entries []model.ScheduleEntry, id string) bool {
	for _, e := range entries {
		if e.ID == id {
			return true
		}
	}
	return false
}
