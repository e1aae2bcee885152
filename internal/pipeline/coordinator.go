package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/model"
	"github.com/Artifact-Virtual/satx/timectrl"
)

// ErrBacklogFull is returned by Submit when the queue is at capacity.
// Sessions are never silently dropped; the caller decides what to do.
var ErrBacklogFull = errors.New("pipeline: backlog full")

// Sink persists detection outcomes. The store satisfies it.
type Sink interface {
	SaveCandidates(ctx context.Context, records []model.CandidateRecord) error
	SaveProcessingMarker(ctx context.Context, m model.ProcessingMarker) error
}

// Metrics receives detection counters; nil disables instrumentation.
type Metrics interface {
	DetectionAttempt(outcome string)
	ObserveDetectionLatency(d time.Duration)
	CandidatesFound(n int)
}

// Config tunes the worker pool and retry policy.
type Config struct {
	// Workers is the pool size. Default 2.
	Workers int
	// MaxAttempts bounds detector invocations per session, first try
	// included. Default 4.
	MaxAttempts int
	// InitialBackoff seeds the exponential retry delay. Default 1s.
	InitialBackoff time.Duration
	// QueueSize bounds the submission backlog. Default 16.
	QueueSize int
	// CandidateCSV, when set, appends every positive candidate to a CSV
	// log alongside the database.
	CandidateCSV string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

// Coordinator owns the detection stage: a bounded queue of finished
// sessions drained by a fixed worker pool. Each session ends in exactly
// one processing marker.
type Coordinator struct {
	detector Detector
	sink     Sink
	clock    timectrl.Clock
	log      logging.Logger
	metrics  Metrics
	cfg      Config

	queue chan model.AcquisitionSession
	wg    sync.WaitGroup
	csvMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
}

// NewCoordinator wires the detection stage. clock, log, and metrics may
// be nil.
func NewCoordinator(detector Detector, sink Sink, clock timectrl.Clock, cfg Config, log logging.Logger, metrics Metrics) *Coordinator {
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		detector: detector,
		sink:     sink,
		clock:    clock,
		log:      log,
		metrics:  metrics,
		cfg:      cfg,
		queue:    make(chan model.AcquisitionSession, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until Close;
// ctx bounds the detector invocations, so cancel it only after Close has
// returned if the backlog should finish.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		for i := 0; i < c.cfg.Workers; i++ {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				for session := range c.queue {
					c.process(ctx, session)
				}
			}()
		}
	})
}

// Submit queues a finished session for detection. It never blocks: a full
// backlog returns ErrBacklogFull.
func (c *Coordinator) Submit(session model.AcquisitionSession) error {
	select {
	case c.queue <- session:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Close stops intake and waits for the backlog to drain.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.queue)
	})
	c.wg.Wait()
}

// process runs the full detection stage for one session.
func (c *Coordinator) process(ctx context.Context, session model.AcquisitionSession) {
	ctx = logging.WithSessionID(ctx, session.ID)
	ctx, span := otel.Tracer("satx/pipeline").Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("session_id", session.ID),
		attribute.String("catalog_id", session.CatalogID),
	))
	defer span.End()
	log := c.log.With(
		logging.String("catalog_id", session.CatalogID),
		logging.String("artifact", session.ArtifactPath),
	)

	attempts := 0
	op := func() ([]Detection, error) {
		attempts++
		started := time.Now()
		detections, err := c.detector.Detect(ctx, session.ArtifactPath)
		elapsed := time.Since(started)
		if c.metrics != nil {
			c.metrics.ObserveDetectionLatency(elapsed)
			c.metrics.DetectionAttempt(attemptOutcome(err))
		}
		if err != nil {
			log.Warn(ctx, "detection attempt failed",
				logging.Err(err),
				logging.Int("attempt", attempts),
			)
			if errors.Is(err, ErrRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return detections, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialBackoff

	detections, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	now := c.clock.Now()
	if err != nil {
		span.SetAttributes(attribute.String("outcome", "failed"), attribute.Int("attempts", attempts))
		log.Error(ctx, "detection exhausted its attempts",
			logging.Err(err),
			logging.Int("attempts", attempts),
		)
		c.saveMarker(ctx, log, model.ProcessingMarker{
			SessionID: session.ID,
			Status:    model.ProcessingFailed,
			Attempts:  attempts,
			LastError: err.Error(),
			UpdatedAt: now,
		})
		return
	}

	records := c.buildRecords(session, detections, now)
	if err := c.sink.SaveCandidates(ctx, records); err != nil {
		log.Error(ctx, "candidate persistence failed", logging.Err(err))
		c.saveMarker(ctx, log, model.ProcessingMarker{
			SessionID: session.ID,
			Status:    model.ProcessingFailed,
			Attempts:  attempts,
			LastError: fmt.Sprintf("persist candidates: %v", err),
			UpdatedAt: now,
		})
		return
	}
	if c.cfg.CandidateCSV != "" {
		if err := c.appendCSV(records); err != nil {
			log.Warn(ctx, "candidate csv append failed", logging.Err(err))
		}
	}
	if c.metrics != nil {
		c.metrics.CandidatesFound(len(detections))
	}

	span.SetAttributes(
		attribute.String("outcome", "processed"),
		attribute.Int("attempts", attempts),
		attribute.Int("detections", len(detections)),
	)
	log.Info(ctx, "session processed",
		logging.Int("detections", len(detections)),
		logging.Int("attempts", attempts),
	)
	c.saveMarker(ctx, log, model.ProcessingMarker{
		SessionID: session.ID,
		Status:    model.ProcessingDone,
		Attempts:  attempts,
		UpdatedAt: now,
	})
}

// buildRecords converts detections to candidate records. A clean run with
// nothing found still yields one negative record so the session is
// visibly accounted for.
func (c *Coordinator) buildRecords(session model.AcquisitionSession, detections []Detection, now time.Time) []model.CandidateRecord {
	tag := c.detector.Version()
	if len(detections) == 0 {
		return []model.CandidateRecord{{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			CatalogID:   session.CatalogID,
			Detected:    false,
			DetectorTag: tag,
			CreatedAt:   now,
		}}
	}
	records := make([]model.CandidateRecord, 0, len(detections))
	for _, d := range detections {
		records = append(records, model.CandidateRecord{
			ID:                uuid.NewString(),
			SessionID:         session.ID,
			CatalogID:         session.CatalogID,
			Detected:          true,
			FrequencyOffsetHz: d.FrequencyOffsetHz,
			Confidence:        d.Confidence,
			StartOffset:       d.StartOffset,
			EndOffset:         d.EndOffset,
			DetectorTag:       tag,
			CreatedAt:         now,
		})
	}
	return records
}

func (c *Coordinator) saveMarker(ctx context.Context, log logging.Logger, m model.ProcessingMarker) {
	if err := c.sink.SaveProcessingMarker(ctx, m); err != nil {
		log.Error(ctx, "processing marker persistence failed", logging.Err(err))
	}
}

var csvHeader = []string{
	"candidate_id", "session_id", "catalog_id",
	"frequency_offset_hz", "confidence", "start_offset_s", "end_offset_s",
	"detector", "created_at",
}

// appendCSV writes positive candidates to the operator-facing CSV log.
// Negative records live only in the database.
func (c *Coordinator) appendCSV(records []model.CandidateRecord) error {
	c.csvMu.Lock()
	defer c.csvMu.Unlock()

	var needHeader bool
	if st, err := os.Stat(c.cfg.CandidateCSV); err != nil || st.Size() == 0 {
		needHeader = true
	}
	f, err := os.OpenFile(c.cfg.CandidateCSV, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, r := range records {
		if !r.Detected {
			continue
		}
		row := []string{
			r.ID, r.SessionID, r.CatalogID,
			strconv.FormatFloat(r.FrequencyOffsetHz, 'f', 1, 64),
			strconv.FormatFloat(r.Confidence, 'f', 3, 64),
			strconv.FormatFloat(r.StartOffset.Seconds(), 'f', 2, 64),
			strconv.FormatFloat(r.EndOffset.Seconds(), 'f', 2, 64),
			r.DetectorTag,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
