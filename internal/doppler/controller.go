// Package doppler keeps the capture device tuned to the apparent carrier
// of a moving transmitter. It periodically propagates the observed object,
// derives the Doppler-shifted frequency from the range rate, and retunes
// the device while the acquisition session records.
package doppler

import (
	"context"
	"time"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/orbit"
	"github.com/Artifact-Virtual/satx/model"
	"github.com/Artifact-Virtual/satx/timectrl"
)

// speedOfLight in metres per second.
const speedOfLight = 299792458.0

// ShiftHz is the Doppler shift of a carrier at nominalHz for an object
// moving at rangeRateKmS (negative while approaching). Approaching objects
// appear above their nominal frequency, receding ones below.
func ShiftHz(nominalHz, rangeRateKmS float64) float64 {
	return -nominalHz * (rangeRateKmS * 1000.0) / speedOfLight
}

// TargetHz is the apparent carrier the device should be tuned to.
func TargetHz(nominalHz, rangeRateKmS float64) float64 {
	return nominalHz + ShiftHz(nominalHz, rangeRateKmS)
}

// Tuner is the one device capability the controller needs. The session
// manager hands it the locked device; tests hand it a scripted fake.
type Tuner interface {
	SetCenterFrequency(ctx context.Context, hz float64) error
}

// Metrics receives retune counters. The observability pipeline collector
// satisfies it; nil disables instrumentation.
type Metrics interface {
	Retune()
	RetuneFailure()
}

// Config tunes the correction loop.
type Config struct {
	// TickPeriod is how often the loop recomputes and applies the
	// apparent frequency. Default 2s.
	TickPeriod time.Duration
	// DegradeThreshold is how many consecutive failed corrections mark
	// the session degraded. Default 3.
	DegradeThreshold int
}

func (c Config) withDefaults() Config {
	if c.TickPeriod <= 0 {
		c.TickPeriod = 2 * time.Second
	}
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = 3
	}
	return c
}

// Controller runs the correction loop for one session at a time. It holds
// no per-session state; Track carries everything on the stack so one
// controller can serve consecutive sessions.
type Controller struct {
	prop    orbit.Propagator
	clock   timectrl.Clock
	cfg     Config
	log     logging.Logger
	metrics Metrics
}

// NewController wires a correction loop over the given propagator and
// clock. log and metrics may be nil.
func NewController(prop orbit.Propagator, clock timectrl.Clock, cfg Config, log logging.Logger, metrics Metrics) *Controller {
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Controller{
		prop:    prop,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
	}
}

// Track retunes tuner to the apparent carrier of elements every tick until
// ctx is cancelled. Each applied correction is reported through onRetune.
//
// A failed correction, whether the propagation or the device call, leaves
// the device at its last good frequency and the loop running. After
// DegradeThreshold consecutive failures onDegraded fires exactly once;
// tracking still continues so a recovering device picks the corrections
// back up. Degradation never terminates a session.
func (c *Controller) Track(ctx context.Context, elements model.OrbitalElementSet, nominalHz float64, tuner Tuner, onRetune func(model.RetuneEvent), onDegraded func()) {
	log := c.log.With(logging.String("catalog_id", elements.CatalogID))
	streak := 0
	degraded := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.TickPeriod):
		}

		now := c.clock.Now()
		target := nominalHz
		st, err := c.prop.StateAt(elements, now)
		if err == nil {
			target = TargetHz(nominalHz, st.RangeRateKmS)
			err = tuner.SetCenterFrequency(ctx, target)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			streak++
			if c.metrics != nil {
				c.metrics.RetuneFailure()
			}
			log.Warn(ctx, "retune failed",
				logging.Err(err),
				logging.Float64("target_hz", target),
				logging.Int("consecutive_failures", streak),
			)
			if streak >= c.cfg.DegradeThreshold && !degraded {
				degraded = true
				log.Error(ctx, "doppler correction degraded; capture continues at last good frequency",
					logging.Int("consecutive_failures", streak),
				)
				if onDegraded != nil {
					onDegraded()
				}
			}
			continue
		}

		streak = 0
		if c.metrics != nil {
			c.metrics.Retune()
		}
		log.Debug(ctx, "retuned",
			logging.Float64("frequency_hz", target),
			logging.Float64("range_rate_km_s", st.RangeRateKmS),
		)
		if onRetune != nil {
			onRetune(model.RetuneEvent{At: now, FrequencyHz: target})
		}
	}
}
