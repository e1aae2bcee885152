package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Artifact-Virtual/satx/internal/doppler"
	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/model"
	"github.com/Artifact-Virtual/satx/timectrl"
)

// Tracker runs Doppler correction for the duration of ctx. The doppler
// controller satisfies it.
type Tracker interface {
	Track(ctx context.Context, elements model.OrbitalElementSet, nominalHz float64, tuner doppler.Tuner, onRetune func(model.RetuneEvent), onDegraded func())
}

// Archiver persists finished sessions. The store satisfies it.
type Archiver interface {
	SaveSession(ctx context.Context, s model.AcquisitionSession) error
}

// Metrics receives session counters; nil disables instrumentation.
type Metrics interface {
	SessionStarted()
	SessionCompleted(partial bool)
	SessionFailed()
	ObserveSessionDuration(d time.Duration)
}

// Config tunes session execution.
type Config struct {
	// RecordingDir receives artifacts and their sidecars.
	RecordingDir string
	// SampleRate and Gain are passed to the device per capture.
	SampleRate int
	Gain       float64
	// GuardMargin bounds how long a session may outlive its planned end
	// before it is stopped regardless. Default 15s.
	GuardMargin time.Duration
}

func (c Config) withDefaults() Config {
	if c.GuardMargin <= 0 {
		c.GuardMargin = 15 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 2_400_000
	}
	return c
}

// Outcome is handed to the caller when a session reaches its end: the
// archived session plus the terminal status its schedule entry should take.
type Outcome struct {
	Session     model.AcquisitionSession
	EntryStatus model.EntryStatus
	Reason      string
}

// Manager executes at most one acquisition session at a time against the
// exclusive device. Start is fail-fast when the device is held; there is
// no queue.
type Manager struct {
	device   Device
	lock     *Lock
	tracker  Tracker
	archiver Archiver
	clock    timectrl.Clock
	log      logging.Logger
	metrics  Metrics
	cfg      Config

	mu     sync.Mutex
	active *Session
}

// NewManager wires a session manager. archiver, log, and metrics may be
// nil; clock defaults to the wall clock.
func NewManager(device Device, tracker Tracker, archiver Archiver, clock timectrl.Clock, cfg Config, log logging.Logger, metrics Metrics) *Manager {
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		device:   device,
		lock:     &Lock{},
		tracker:  tracker,
		archiver: archiver,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		log:      log,
		metrics:  metrics,
	}
}

// Session is the live handle of one running acquisition.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	cur        model.AcquisitionSession
	stopReason string
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.ID
}

// EntryID names the schedule entry this session executes.
func (s *Session) EntryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.EntryID
}

// Snapshot copies the session as it currently stands.
func (s *Session) Snapshot() model.AcquisitionSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.cur
	snap.Retunes = append([]model.RetuneEvent(nil), s.cur.Retunes...)
	return snap
}

// Stop ends the session with the given reason. The first reason wins;
// later calls are no-ops. Stop returns without waiting, use Done.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	if s.stopReason == "" {
		s.stopReason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the session is finalized, the device released, and
// the outcome callback has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) recordRetune(ev model.RetuneEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Retunes = append(s.cur.Retunes, ev)
}

func (s *Session) markDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Degraded = true
}

func (s *Session) reasonOr(fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReason != "" {
		return s.stopReason
	}
	return fallback
}

// Start locks the device and begins executing entry. It returns
// ErrDeviceBusy without side effects when another session holds the
// device. On success the session runs in the background and onDone fires
// exactly once with the terminal outcome, after the device is released.
func (m *Manager) Start(ctx context.Context, entry model.ScheduleEntry, elements model.OrbitalElementSet, onDone func(Outcome)) (*Session, error) {
	if err := m.lock.TryAcquire(entry.ID); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.cfg.RecordingDir, 0o755); err != nil {
		m.lock.Release(entry.ID)
		return nil, fmt.Errorf("acquisition: recording dir: %w", err)
	}

	now := m.clock.Now()
	sessionID := uuid.NewString()
	artifact := filepath.Join(m.cfg.RecordingDir, artifactName(now, elements))

	sctx, cancel := context.WithCancel(logging.WithSessionID(ctx, sessionID))
	sctx, span := otel.Tracer("satx/acquisition").Start(sctx, "session.run", trace.WithAttributes(
		attribute.String("entry_id", entry.ID),
		attribute.String("catalog_id", entry.Window.CatalogID),
		attribute.Float64("nominal_frequency_hz", entry.CenterFrequencyHz),
	))
	log := m.log.With(
		logging.String("entry_id", entry.ID),
		logging.String("catalog_id", entry.Window.CatalogID),
	)

	fail := func(err error) (*Session, error) {
		span.End()
		cancel()
		m.lock.Release(entry.ID)
		return nil, err
	}

	if err := m.device.SetCenterFrequency(sctx, entry.CenterFrequencyHz); err != nil {
		return fail(fmt.Errorf("acquisition: initial tune: %w", err))
	}

	handle, err := m.device.StartCapture(sctx, CaptureParams{
		CenterFrequencyHz: entry.CenterFrequencyHz,
		SampleRate:        m.cfg.SampleRate,
		Gain:              m.cfg.Gain,
		OutputPath:        artifact,
	})
	if err != nil {
		return fail(fmt.Errorf("acquisition: start capture: %w", err))
	}

	s := &Session{
		cancel: cancel,
		done:   make(chan struct{}),
		cur: model.AcquisitionSession{
			ID:                 sessionID,
			EntryID:            entry.ID,
			CatalogID:          entry.Window.CatalogID,
			DeviceID:           m.device.ID(),
			PlannedStart:       entry.Window.Rise,
			PlannedEnd:         entry.Window.Set,
			ActualStart:        now,
			NominalFrequencyHz: entry.CenterFrequencyHz,
			SampleRate:         m.cfg.SampleRate,
			Gain:               m.cfg.Gain,
			ArtifactPath:       artifact,
			Status:             model.SessionRecording,
		},
	}

	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionStarted()
	}
	log.Info(sctx, "session started",
		logging.String("artifact", artifact),
		logging.Float64("nominal_hz", entry.CenterFrequencyHz),
		logging.Time("planned_end", entry.Window.Set),
	)

	var trackers sync.WaitGroup
	trackers.Add(1)
	go func() {
		defer trackers.Done()
		m.tracker.Track(sctx, elements, entry.CenterFrequencyHz, m.device, s.recordRetune, s.markDegraded)
	}()

	go m.supervise(sctx, span, log, s, handle, &trackers, entry, onDone)
	return s, nil
}

// StopActive stops the running session, if any, with the given reason.
// It reports whether a session was running; it does not wait for the
// session to finish.
func (m *Manager) StopActive(reason string) bool {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.Stop(reason)
	return true
}

// Active returns the running session handle, nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// supervise waits for whichever end condition arrives first, then runs
// the finalize sequence exactly once.
func (m *Manager) supervise(ctx context.Context, span trace.Span, log logging.Logger, s *Session, handle CaptureHandle, trackers *sync.WaitGroup, entry model.ScheduleEntry, onDone func(Outcome)) {
	now := m.clock.Now()
	untilEnd := entry.Window.Set.Sub(now)
	untilCap := untilEnd + m.cfg.GuardMargin

	var endCause string
	select {
	case <-handle.Done():
		endCause = "device fault"
	case <-m.clock.After(untilEnd):
		endCause = "window complete"
	case <-m.clock.After(untilCap):
		endCause = "hard stop after guard margin"
	case <-ctx.Done():
		endCause = s.reasonOr("cancelled")
	}

	// Order matters: stop the Doppler loop before the device so no
	// retune lands on a stopped capture, and release the lock only after
	// the artifact and archive writes are finished.
	s.cancel()
	trackers.Wait()

	result, stopErr := m.device.StopCapture(handle)
	if result.Err == nil && stopErr != nil {
		result.Err = stopErr
	}

	s.mu.Lock()
	s.cur.ActualEnd = m.clock.Now()
	s.cur.BytesWritten = result.BytesWritten
	switch {
	case result.Err != nil && result.BytesWritten > 0:
		s.cur.Status = model.SessionCompleted
		s.cur.Partial = true
		s.cur.StatusReason = fmt.Sprintf("device fault after partial capture: %v", result.Err)
	case result.Err != nil:
		s.cur.Status = model.SessionFailed
		s.cur.StatusReason = fmt.Sprintf("device fault before any data: %v", result.Err)
	case result.BytesWritten == 0:
		s.cur.Status = model.SessionFailed
		s.cur.StatusReason = "capture produced no data"
	default:
		s.cur.Status = model.SessionCompleted
		s.cur.StatusReason = endCause
		// A stop before the planned end leaves a truncated artifact.
		if s.cur.ActualEnd.Before(entry.Window.Set) {
			s.cur.Partial = true
		}
	}
	final := s.cur
	final.Retunes = append([]model.RetuneEvent(nil), s.cur.Retunes...)
	s.mu.Unlock()

	// The session context is cancelled by now; archive and sidecar
	// writes still need its session id and trace.
	pctx := context.WithoutCancel(ctx)

	if err := writeSidecar(final); err != nil {
		log.Warn(pctx, "sidecar write failed", logging.Err(err))
	}
	if m.archiver != nil {
		if err := m.archiver.SaveSession(pctx, final); err != nil {
			log.Error(pctx, "session archive failed", logging.Err(err))
		}
	}

	duration := final.ActualEnd.Sub(final.ActualStart)
	if m.metrics != nil {
		m.metrics.ObserveSessionDuration(duration)
		if final.Status == model.SessionCompleted {
			m.metrics.SessionCompleted(final.Partial)
		} else {
			m.metrics.SessionFailed()
		}
	}

	entryStatus := model.EntryCompleted
	if final.Status == model.SessionFailed {
		entryStatus = model.EntryFailed
	}

	span.SetAttributes(
		attribute.String("status", string(final.Status)),
		attribute.Bool("partial", final.Partial),
		attribute.Bool("degraded", final.Degraded),
		attribute.Int64("bytes_written", final.BytesWritten),
		attribute.Int("retunes", len(final.Retunes)),
	)
	span.End()
	log.Info(pctx, "session finished",
		logging.String("status", string(final.Status)),
		logging.String("reason", final.StatusReason),
		logging.Int64("bytes", final.BytesWritten),
		logging.Int("retunes", len(final.Retunes)),
		logging.Bool("partial", final.Partial),
		logging.Bool("degraded", final.Degraded),
		logging.Duration("duration", duration),
	)

	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
	if err := m.lock.Release(entry.ID); err != nil {
		log.Error(pctx, "device lock release failed", logging.Err(err))
	}

	// Report before closing done so a caller that stopped the session and
	// waited on Done is guaranteed the outcome was already delivered.
	if onDone != nil {
		onDone(Outcome{Session: final, EntryStatus: entryStatus, Reason: final.StatusReason})
	}
	close(s.done)
}

// artifactName builds `<UTC stamp>_<catalog id>_<object name>.iq`.
func artifactName(now time.Time, elements model.OrbitalElementSet) string {
	stamp := now.UTC().Format("20060102T150405Z")
	name := sanitizeName(elements.DisplayName())
	return fmt.Sprintf("%s_%s_%s.iq", stamp, elements.CatalogID, name)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "object"
	}
	return b.String()
}

// sidecar is the metadata document written next to every artifact.
type sidecar struct {
	SessionID          string    `json:"session_id"`
	EntryID            string    `json:"entry_id"`
	CatalogID          string    `json:"catalog_id"`
	DeviceID           string    `json:"device_id"`
	NominalFrequencyHz float64   `json:"nominal_frequency_hz"`
	SampleRate         int       `json:"sample_rate"`
	Gain               float64   `json:"gain"`
	PlannedStart       time.Time `json:"planned_start"`
	PlannedEnd         time.Time `json:"planned_end"`
	ActualStart        time.Time `json:"actual_start"`
	ActualEnd          time.Time `json:"actual_end"`
	BytesWritten       int64     `json:"bytes_written"`
	Retunes            int       `json:"retunes"`
	LastFrequencyHz    float64   `json:"last_frequency_hz,omitempty"`
	Status             string    `json:"status"`
	StatusReason       string    `json:"status_reason"`
	Partial            bool      `json:"partial"`
	Degraded           bool      `json:"degraded"`
}

func writeSidecar(s model.AcquisitionSession) error {
	doc := sidecar{
		SessionID:          s.ID,
		EntryID:            s.EntryID,
		CatalogID:          s.CatalogID,
		DeviceID:           s.DeviceID,
		NominalFrequencyHz: s.NominalFrequencyHz,
		SampleRate:         s.SampleRate,
		Gain:               s.Gain,
		PlannedStart:       s.PlannedStart,
		PlannedEnd:         s.PlannedEnd,
		ActualStart:        s.ActualStart,
		ActualEnd:          s.ActualEnd,
		BytesWritten:       s.BytesWritten,
		Retunes:            len(s.Retunes),
		Status:             string(s.Status),
		StatusReason:       s.StatusReason,
		Partial:            s.Partial,
		Degraded:           s.Degraded,
	}
	if n := len(s.Retunes); n > 0 {
		doc.LastFrequencyHz = s.Retunes[n-1].FrequencyHz
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.SidecarName(), data, 0o644)
}
