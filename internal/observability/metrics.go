package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineCollector bundles Prometheus metrics for the acquisition and
// post-capture pipeline: sessions, retunes, detection attempts, and
// candidate records.
type PipelineCollector struct {
	gatherer prometheus.Gatherer

	SessionsStarted   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec
	SessionsFailed    prometheus.Counter
	SessionDuration   prometheus.Histogram

	Retunes        prometheus.Counter
	RetuneFailures prometheus.Counter

	DetectionAttempts *prometheus.CounterVec
	DetectionLatency  prometheus.Histogram
	Candidates        prometheus.Counter
}

// NewPipelineCollector registers pipeline Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	started, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_sessions_started_total",
		Help: "Total number of acquisition sessions that acquired the device and began capturing.",
	}), "satx_sessions_started_total")
	if err != nil {
		return nil, err
	}

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satx_sessions_completed_total",
		Help: "Total number of acquisition sessions that ended with a usable artifact, labeled by whether the capture was partial.",
	}, []string{"partial"})
	completed, err = registerCounterVec(reg, completed, "satx_sessions_completed_total")
	if err != nil {
		return nil, err
	}

	failed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_sessions_failed_total",
		Help: "Total number of acquisition sessions that ended without any captured data.",
	}), "satx_sessions_failed_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satx_session_duration_seconds",
		Help:    "Actual capture duration of acquisition sessions in seconds.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
	}), "satx_session_duration_seconds")
	if err != nil {
		return nil, err
	}

	retunes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_retunes_total",
		Help: "Total number of Doppler retune commands applied to the device.",
	}), "satx_retunes_total")
	if err != nil {
		return nil, err
	}

	retuneFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_retune_failures_total",
		Help: "Total number of Doppler retune commands the device rejected.",
	}), "satx_retune_failures_total")
	if err != nil {
		return nil, err
	}

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satx_detection_attempts_total",
		Help: "Total number of detection-collaborator invocations, labeled by outcome.",
	}, []string{"outcome"})
	attempts, err = registerCounterVec(reg, attempts, "satx_detection_attempts_total")
	if err != nil {
		return nil, err
	}

	latency, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satx_detection_latency_seconds",
		Help:    "Latency of individual detection-collaborator invocations in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}), "satx_detection_latency_seconds")
	if err != nil {
		return nil, err
	}

	candidates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satx_candidates_total",
		Help: "Total number of candidate records persisted by the pipeline coordinator.",
	}), "satx_candidates_total")
	if err != nil {
		return nil, err
	}

	return &PipelineCollector{
		gatherer:          gatherer,
		SessionsStarted:   started,
		SessionsCompleted: completed,
		SessionsFailed:    failed,
		SessionDuration:   duration,
		Retunes:           retunes,
		RetuneFailures:    retuneFailures,
		DetectionAttempts: attempts,
		DetectionLatency:  latency,
		Candidates:        candidates,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PipelineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SessionStarted counts a session that acquired the device.
func (c *PipelineCollector) SessionStarted() {
	if c == nil || c.SessionsStarted == nil {
		return
	}
	c.SessionsStarted.Inc()
}

// SessionCompleted counts a session that produced an artifact.
func (c *PipelineCollector) SessionCompleted(partial bool) {
	if c == nil || c.SessionsCompleted == nil {
		return
	}
	c.SessionsCompleted.WithLabelValues(fmt.Sprintf("%t", partial)).Inc()
}

// SessionFailed counts a session that ended with no captured data.
func (c *PipelineCollector) SessionFailed() {
	if c == nil || c.SessionsFailed == nil {
		return
	}
	c.SessionsFailed.Inc()
}

// ObserveSessionDuration records how long a session actually captured.
func (c *PipelineCollector) ObserveSessionDuration(d time.Duration) {
	if c == nil || c.SessionDuration == nil {
		return
	}
	c.SessionDuration.Observe(d.Seconds())
}

// Retune counts one applied Doppler correction.
func (c *PipelineCollector) Retune() {
	if c == nil || c.Retunes == nil {
		return
	}
	c.Retunes.Inc()
}

// RetuneFailure counts one rejected Doppler correction.
func (c *PipelineCollector) RetuneFailure() {
	if c == nil || c.RetuneFailures == nil {
		return
	}
	c.RetuneFailures.Inc()
}

// DetectionAttempt counts one detection invocation with its outcome
// ("ok" or "error").
func (c *PipelineCollector) DetectionAttempt(outcome string) {
	if c == nil || c.DetectionAttempts == nil {
		return
	}
	c.DetectionAttempts.WithLabelValues(outcome).Inc()
}

// ObserveDetectionLatency records the latency of one detection invocation.
func (c *PipelineCollector) ObserveDetectionLatency(d time.Duration) {
	if c == nil || c.DetectionLatency == nil {
		return
	}
	c.DetectionLatency.Observe(d.Seconds())
}

// CandidatesFound counts persisted candidate records.
func (c *PipelineCollector) CandidatesFound(n int) {
	if c == nil || c.Candidates == nil || n <= 0 {
		return
	}
	c.Candidates.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
