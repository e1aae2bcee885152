package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScheduleCollector exposes prediction and scheduling Prometheus metrics.
type ScheduleCollector struct {
	gatherer prometheus.Gatherer

	PassesPredictedTotal prometheus.Counter
	PredictFailuresTotal prometheus.Counter
	PredictCycleSeconds  prometheus.Histogram

	EntriesScheduledTotal prometheus.Counter
	EntriesSkippedTotal   prometheus.Counter
	EntriesPreemptedTotal prometheus.Counter

	SchedulePending prometheus.Gauge
	ScheduleActive  prometheus.Gauge

	CatalogObjects      prometheus.Gauge
	CatalogStaleObjects prometheus.Gauge
}

// NewScheduleCollector registers scheduling metrics against the provided registerer.
func NewScheduleCollector(reg prometheus.Registerer) (*ScheduleCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	predicted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_passes_predicted_total",
		Help: "Cumulative number of pass windows produced by prediction cycles.",
	}), "satx_passes_predicted_total")
	if err != nil {
		return nil, err
	}

	predictFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_predict_failures_total",
		Help: "Cumulative number of objects skipped because propagation failed.",
	}), "satx_predict_failures_total")
	if err != nil {
		return nil, err
	}

	cycle := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satx_predict_cycle_seconds",
		Help:    "Duration of full catalog prediction cycles.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
	})
	cycle, err = registerHistogram(reg, cycle, "satx_predict_cycle_seconds")
	if err != nil {
		return nil, err
	}

	scheduled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_entries_scheduled_total",
		Help: "Cumulative number of schedule entries placed on the timeline as pending.",
	}), "satx_entries_scheduled_total")
	if err != nil {
		return nil, err
	}

	skipped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_entries_skipped_total",
		Help: "Cumulative number of schedule entries skipped in favour of overlapping entries.",
	}), "satx_entries_skipped_total")
	if err != nil {
		return nil, err
	}

	preempted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_entries_preempted_total",
		Help: "Cumulative number of schedule entries displaced by higher-priority entries.",
	}), "satx_entries_preempted_total")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satx_schedule_pending",
		Help: "Current number of pending schedule entries.",
	}), "satx_schedule_pending")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satx_schedule_active",
		Help: "Current number of active schedule entries; never legitimately above one.",
	}), "satx_schedule_active")
	if err != nil {
		return nil, err
	}

	objects, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satx_catalog_objects",
		Help: "Current number of objects with element sets in the catalog.",
	}), "satx_catalog_objects")
	if err != nil {
		return nil, err
	}

	staleObjects, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satx_catalog_stale_objects",
		Help: "Current number of catalog objects whose element set exceeds the maximum age.",
	}), "satx_catalog_stale_objects")
	if err != nil {
		return nil, err
	}

	return &ScheduleCollector{
		gatherer:              gatherer,
		PassesPredictedTotal:  predicted,
		PredictFailuresTotal:  predictFailures,
		PredictCycleSeconds:   cycle,
		EntriesScheduledTotal: scheduled,
		EntriesSkippedTotal:   skipped,
		EntriesPreemptedTotal: preempted,
		SchedulePending:       pending,
		ScheduleActive:        active,
		CatalogObjects:        objects,
		CatalogStaleObjects:   staleObjects,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ScheduleCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// PassesPredicted adds to the predicted-window counter.
func (c *ScheduleCollector) PassesPredicted(n int) {
	if c == nil || c.PassesPredictedTotal == nil || n <= 0 {
		return
	}
	c.PassesPredictedTotal.Add(float64(n))
}

// PredictFailures adds to the per-object propagation failure counter.
func (c *ScheduleCollector) PredictFailures(n int) {
	if c == nil || c.PredictFailuresTotal == nil || n <= 0 {
		return
	}
	c.PredictFailuresTotal.Add(float64(n))
}

// PredictCycle records the duration of one prediction cycle.
func (c *ScheduleCollector) PredictCycle(d time.Duration) {
	if c == nil || c.PredictCycleSeconds == nil {
		return
	}
	c.PredictCycleSeconds.Observe(d.Seconds())
}

// EntriesScheduled adds to the placed-entry counter.
func (c *ScheduleCollector) EntriesScheduled(n int) {
	if c == nil || c.EntriesScheduledTotal == nil || n <= 0 {
		return
	}
	c.EntriesScheduledTotal.Add(float64(n))
}

// EntriesSkipped adds to the skipped-entry counter.
func (c *ScheduleCollector) EntriesSkipped(n int) {
	if c == nil || c.EntriesSkippedTotal == nil || n <= 0 {
		return
	}
	c.EntriesSkippedTotal.Add(float64(n))
}

// EntriesPreempted adds to the preempted-entry counter.
func (c *ScheduleCollector) EntriesPreempted(n int) {
	if c == nil || c.EntriesPreemptedTotal == nil || n <= 0 {
		return
	}
	c.EntriesPreemptedTotal.Add(float64(n))
}

// SetScheduleCounts updates the pending/active gauges.
func (c *ScheduleCollector) SetScheduleCounts(pending, active int) {
	if c == nil {
		return
	}
	if c.SchedulePending != nil {
		c.SchedulePending.Set(float64(pending))
	}
	if c.ScheduleActive != nil {
		c.ScheduleActive.Set(float64(active))
	}
}

// SetCatalogCounts updates the catalog size gauges.
func (c *ScheduleCollector) SetCatalogCounts(objects, stale int) {
	if c == nil {
		return
	}
	if c.CatalogObjects != nil {
		c.CatalogObjects.Set(float64(objects))
	}
	if c.CatalogStaleObjects != nil {
		c.CatalogStaleObjects.Set(float64(stale))
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
