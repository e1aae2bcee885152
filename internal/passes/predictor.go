// Package passes turns the element catalog into per-object visibility
// windows above the station's minimum elevation.
package passes

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/orbit"
	"github.com/Artifact-Virtual/satx/model"
)

// Metrics receives predictor counters. The observability collector
// satisfies it; tests pass nil.
type Metrics interface {
	PassesPredicted(n int)
	PredictFailures(n int)
	PredictCycle(d time.Duration)
}

// Config tunes the sampling scan.
type Config struct {
	// MinElevationDeg is the visibility threshold.
	MinElevationDeg float64
	// Horizon is how far ahead to scan. Default 24h.
	Horizon time.Duration
	// Step is the coarse sampling interval. It must stay well below the
	// shortest expected pass; 10s covers LEO. Default 10s.
	Step time.Duration
	// RefineStep is the local-search interval around the coarse maximum.
	// Default 1s.
	RefineStep time.Duration
	// MaxElementAge marks element sets stale. Default 7 days.
	MaxElementAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 24 * time.Hour
	}
	if c.Step <= 0 {
		c.Step = 10 * time.Second
	}
	if c.RefineStep <= 0 {
		c.RefineStep = time.Second
	}
	if c.MaxElementAge <= 0 {
		c.MaxElementAge = model.DefaultMaxElementAge
	}
	return c
}

// Predictor samples the propagator across the horizon for every object in
// a catalog snapshot.
type Predictor struct {
	prop    orbit.Propagator
	cfg     Config
	log     logging.Logger
	metrics Metrics
}

// NewPredictor constructs a predictor. log and metrics may be nil.
func NewPredictor(prop orbit.Propagator, cfg Config, log logging.Logger, metrics Metrics) *Predictor {
	if log == nil {
		log = logging.Noop()
	}
	return &Predictor{
		prop:    prop,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
	}
}

// Predict scans every element set in the snapshot and returns the pass
// windows found within the horizon, sorted by rise time. Objects whose
// propagation fails are skipped with a warning; the batch always
// completes. Windows from stale element sets carry the StaleSource tag.
func (p *Predictor) Predict(ctx context.Context, snapshot map[string]model.OrbitalElementSet, now time.Time) []model.PassWindow {
	ctx, span := otel.Tracer("satx/passes").Start(ctx, "predict.cycle")
	defer span.End()
	started := time.Now()

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var windows []model.PassWindow
	failed := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			p.log.Warn(ctx, "prediction cycle cancelled", logging.Int("objects_done", len(windows)))
			return windows
		default:
		}

		ws, err := p.scanObject(ctx, snapshot[id], now)
		if err != nil {
			failed++
			p.log.Warn(ctx, "skipping object for this cycle",
				logging.String("catalog_id", id),
				logging.Err(err),
			)
			continue
		}
		windows = append(windows, ws...)
	}

	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Rise.Equal(windows[j].Rise) {
			return windows[i].CatalogID < windows[j].CatalogID
		}
		return windows[i].Rise.Before(windows[j].Rise)
	})

	span.SetAttributes(
		attribute.Int("windows", len(windows)),
		attribute.Int("objects", len(ids)),
		attribute.Int("failed", failed),
	)
	if p.metrics != nil {
		p.metrics.PassesPredicted(len(windows))
		p.metrics.PredictFailures(failed)
		p.metrics.PredictCycle(time.Since(started))
	}

	p.log.Info(ctx, "prediction cycle complete",
		logging.Int("objects", len(ids)),
		logging.Int("windows", len(windows)),
		logging.Int("skipped", failed),
		logging.Duration("took", time.Since(started)),
	)
	return windows
}

// scanObject walks one object's elevation curve across the horizon,
// opening a window on each upward crossing of the threshold and closing
// it on the way back down.
//
// Samples land on absolute multiples of Step, so a pass keeps the same
// rise and set no matter when the scan runs. Entry identity derives from
// the rise time; a drifting grid would re-key the whole schedule on
// every off-cycle rebuild.
func (p *Predictor) scanObject(ctx context.Context, set model.OrbitalElementSet, now time.Time) ([]model.PassWindow, error) {
	stale := set.Stale(p.cfg.MaxElementAge, now)
	end := now.Add(p.cfg.Horizon)

	start := now.Truncate(p.cfg.Step)
	if start.Before(now) {
		start = start.Add(p.cfg.Step)
	}

	var windows []model.PassWindow
	var open bool
	var rise, maxAt time.Time
	var riseAz, maxEl float64

	for t := start; !t.After(end); t = t.Add(p.cfg.Step) {
		st, err := p.prop.StateAt(set, t)
		if err != nil {
			return nil, err
		}

		above := st.ElevationDeg >= p.cfg.MinElevationDeg
		switch {
		case above && !open:
			open = true
			rise = t
			riseAz = st.AzimuthDeg
			maxAt = t
			maxEl = st.ElevationDeg
		case above && open:
			if st.ElevationDeg > maxEl {
				maxEl = st.ElevationDeg
				maxAt = t
			}
		case !above && open:
			open = false
			w, ok := p.closeWindow(set, rise, riseAz, maxAt, maxEl, t, st.AzimuthDeg, stale)
			if !ok {
				p.log.Debug(ctx, "dropping degenerate window",
					logging.String("catalog_id", set.CatalogID),
					logging.Time("rise", rise),
				)
				continue
			}
			windows = append(windows, w)
		}
	}

	// A window still open at the horizon edge is left for the next cycle,
	// which will see it whole.
	return windows, nil
}

// closeWindow refines the coarse maximum with a local fine scan and
// enforces rise < timeOfMax < set before emitting.
func (p *Predictor) closeWindow(set model.OrbitalElementSet, rise time.Time, riseAz float64, maxAt time.Time, maxEl float64, setTime time.Time, setAz float64, stale bool) (model.PassWindow, bool) {
	lo := maxAt.Add(-p.cfg.Step)
	hi := maxAt.Add(p.cfg.Step)
	if earliest := rise.Add(p.cfg.RefineStep); lo.Before(earliest) {
		lo = earliest
	}
	if latest := setTime.Add(-p.cfg.RefineStep); hi.After(latest) {
		hi = latest
	}

	sunlit := false
	if st, err := p.prop.StateAt(set, maxAt); err == nil {
		sunlit = st.Sunlit
	}

	for t := lo; !t.After(hi); t = t.Add(p.cfg.RefineStep) {
		st, err := p.prop.StateAt(set, t)
		if err != nil {
			break
		}
		if st.ElevationDeg > maxEl {
			maxEl = st.ElevationDeg
			maxAt = t
			sunlit = st.Sunlit
		}
	}

	if !maxAt.After(rise) || !maxAt.Before(setTime) {
		return model.PassWindow{}, false
	}

	return model.PassWindow{
		CatalogID:       set.CatalogID,
		Rise:            rise,
		Set:             setTime,
		TimeOfMax:       maxAt,
		MaxElevationDeg: maxEl,
		RiseAzimuthDeg:  riseAz,
		SetAzimuthDeg:   setAz,
		StaleSource:     stale,
		Sunlit:          sunlit,
	}, true
}
