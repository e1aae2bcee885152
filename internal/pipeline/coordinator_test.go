package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/model"
)

type scriptDetector struct {
	mu         sync.Mutex
	calls      int
	failFirst  int
	failErr    error
	detections []Detection
}

func (d *scriptDetector) Detect(context.Context, string) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failFirst {
		if d.failErr != nil {
			return nil, d.failErr
		}
		return nil, errors.New("transient detector failure")
	}
	return d.detections, nil
}

func (d *scriptDetector) Version() string { return "fake-v1" }

func (d *scriptDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type memSink struct {
	mu         sync.Mutex
	candidates []model.CandidateRecord
	markers    []model.ProcessingMarker
}

func (s *memSink) SaveCandidates(_ context.Context, records []model.CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, records...)
	return nil
}

func (s *memSink) SaveProcessingMarker(_ context.Context, m model.ProcessingMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = append(s.markers, m)
	return nil
}

func (s *memSink) state() ([]model.CandidateRecord, []model.ProcessingMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make([]model.CandidateRecord, len(s.candidates))
	copy(c, s.candidates)
	m := make([]model.ProcessingMarker, len(s.markers))
	copy(m, s.markers)
	return c, m
}

func testSession(id string) model.AcquisitionSession {
	return model.AcquisitionSession{
		ID:           id,
		EntryID:      "25544-1767427200",
		CatalogID:    "25544",
		ArtifactPath: "/tmp/does-not-matter.iq",
		Status:       model.SessionCompleted,
	}
}

func runOne(t *testing.T, det Detector, sink Sink, cfg Config) {
	t.Helper()
	cfg.InitialBackoff = time.Millisecond
	coord := NewCoordinator(det, sink, nil, cfg, logging.Noop(), nil)
	coord.Start(context.Background())
	if err := coord.Submit(testSession("sess-1")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	coord.Close()
}

func TestProcessPersistsDetections(t *testing.T) {
	det := &scriptDetector{detections: []Detection{
		{FrequencyOffsetHz: 1200.5, Confidence: 0.91, StartOffset: 1500 * time.Millisecond, EndOffset: 3 * time.Second},
		{FrequencyOffsetHz: -800, Confidence: 0.55, StartOffset: 10 * time.Second, EndOffset: 12 * time.Second},
	}}
	sink := &memSink{}
	runOne(t, det, sink, Config{Workers: 1})

	candidates, markers := sink.state()
	if len(candidates) != 2 {
		t.Fatalf("persisted %d candidates, want 2", len(candidates))
	}
	for _, c := range candidates {
		if !c.Detected {
			t.Fatalf("positive detection stored with Detected=false")
		}
		if c.SessionID != "sess-1" || c.CatalogID != "25544" {
			t.Fatalf("candidate keys off: %+v", c)
		}
		if c.DetectorTag != "fake-v1" {
			t.Fatalf("DetectorTag = %q", c.DetectorTag)
		}
		if c.ID == "" {
			t.Fatalf("candidate without an id")
		}
	}
	if candidates[0].ID == candidates[1].ID {
		t.Fatalf("candidate ids not unique")
	}

	if len(markers) != 1 {
		t.Fatalf("wrote %d markers, want 1", len(markers))
	}
	m := markers[0]
	if m.Status != model.ProcessingDone || m.Attempts != 1 || m.SessionID != "sess-1" {
		t.Fatalf("marker = %+v, want processed after 1 attempt", m)
	}
}

func TestProcessWritesNegativeRecordWhenNothingFound(t *testing.T) {
	det := &scriptDetector{} // zero detections
	sink := &memSink{}
	runOne(t, det, sink, Config{Workers: 1})

	candidates, markers := sink.state()
	if len(candidates) != 1 {
		t.Fatalf("persisted %d records, want exactly one negative record", len(candidates))
	}
	if candidates[0].Detected {
		t.Fatalf("clean run produced a positive record")
	}
	if candidates[0].SessionID != "sess-1" {
		t.Fatalf("negative record keys off: %+v", candidates[0])
	}
	if len(markers) != 1 || markers[0].Status != model.ProcessingDone {
		t.Fatalf("markers = %+v", markers)
	}
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	det := &scriptDetector{
		failFirst:  2,
		detections: []Detection{{FrequencyOffsetHz: 100, Confidence: 0.7}},
	}
	sink := &memSink{}
	runOne(t, det, sink, Config{Workers: 1, MaxAttempts: 4})

	if det.callCount() != 3 {
		t.Fatalf("detector invoked %d times, want 3 (two failures, one success)", det.callCount())
	}
	candidates, markers := sink.state()
	if len(candidates) != 1 {
		t.Fatalf("persisted %d candidates after recovery, want 1", len(candidates))
	}
	if len(markers) != 1 || markers[0].Status != model.ProcessingDone || markers[0].Attempts != 3 {
		t.Fatalf("marker = %+v, want processed with 3 attempts", markers[0])
	}
}

func TestProcessExhaustsAttemptsAndMarksFailed(t *testing.T) {
	det := &scriptDetector{failFirst: 100}
	sink := &memSink{}
	runOne(t, det, sink, Config{Workers: 1, MaxAttempts: 3})

	if det.callCount() != 3 {
		t.Fatalf("detector invoked %d times, want exactly MaxAttempts", det.callCount())
	}
	candidates, markers := sink.state()
	if len(candidates) != 0 {
		t.Fatalf("failed processing still persisted %d candidates", len(candidates))
	}
	if len(markers) != 1 {
		t.Fatalf("wrote %d markers, want 1", len(markers))
	}
	m := markers[0]
	if m.Status != model.ProcessingFailed || m.Attempts != 3 || m.LastError == "" {
		t.Fatalf("marker = %+v, want processing_failed with attempts and error", m)
	}
}

func TestProcessRejectionIsNotRetried(t *testing.T) {
	det := &scriptDetector{failFirst: 100, failErr: ErrRejected}
	sink := &memSink{}
	runOne(t, det, sink, Config{Workers: 1, MaxAttempts: 4})

	if det.callCount() != 1 {
		t.Fatalf("rejected artifact retried %d times", det.callCount())
	}
	_, markers := sink.state()
	if len(markers) != 1 || markers[0].Status != model.ProcessingFailed {
		t.Fatalf("markers = %+v", markers)
	}
}

func TestCandidateCSVAppendsPositiveRows(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "candidates.csv")
	det := &scriptDetector{detections: []Detection{
		{FrequencyOffsetHz: 1200.5, Confidence: 0.91, StartOffset: time.Second, EndOffset: 2 * time.Second},
	}}
	sink := &memSink{}
	runOne(t, det, sink, Config{Workers: 1, CandidateCSV: csvPath})

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("csv log missing: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv unreadable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("csv has %d rows, want header + 1 candidate", len(rows))
	}
	if rows[0][0] != "candidate_id" {
		t.Fatalf("header row = %v", rows[0])
	}
	if rows[1][2] != "25544" || rows[1][3] != "1200.5" {
		t.Fatalf("candidate row = %v", rows[1])
	}
}

func TestSubmitFailsFastWhenBacklogFull(t *testing.T) {
	det := &scriptDetector{}
	sink := &memSink{}
	coord := NewCoordinator(det, sink, nil, Config{Workers: 1, QueueSize: 2}, logging.Noop(), nil)
	// Workers not started: the queue only fills.
	if err := coord.Submit(testSession("a")); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := coord.Submit(testSession("b")); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if err := coord.Submit(testSession("c")); !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("Submit on full backlog = %v, want ErrBacklogFull", err)
	}
}

func TestCloseDrainsBacklog(t *testing.T) {
	det := &scriptDetector{}
	sink := &memSink{}
	coord := NewCoordinator(det, sink, nil, Config{Workers: 2, QueueSize: 8, InitialBackoff: time.Millisecond}, logging.Noop(), nil)
	coord.Start(context.Background())
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		if err := coord.Submit(testSession(id)); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}
	coord.Close()

	_, markers := sink.state()
	if len(markers) != 5 {
		t.Fatalf("drained %d sessions, want 5", len(markers))
	}
	seen := map[string]bool{}
	for _, m := range markers {
		if m.Status != model.ProcessingDone {
			t.Fatalf("marker %+v not processed", m)
		}
		seen[m.SessionID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("markers cover %d distinct sessions, want 5", len(seen))
	}
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

func TestExecDetectorParsesOutput(t *testing.T) {
	skipWithoutShell(t)
	det := &ExecDetector{Command: []string{
		"/bin/sh", "-c",
		`echo '[{"frequency_offset_hz": 1200.5, "confidence": 0.9, "start_offset_s": 1.5, "end_offset_s": 3.25}]'`,
	}}

	got, err := det.Detect(context.Background(), "/tmp/artifact.iq")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("parsed %d detections, want 1", len(got))
	}
	d := got[0]
	if d.FrequencyOffsetHz != 1200.5 || d.Confidence != 0.9 {
		t.Fatalf("detection = %+v", d)
	}
	if d.StartOffset != 1500*time.Millisecond || d.EndOffset != 3250*time.Millisecond {
		t.Fatalf("offsets = %v..%v", d.StartOffset, d.EndOffset)
	}
}

func TestExecDetectorExitTwoRejects(t *testing.T) {
	skipWithoutShell(t)
	det := &ExecDetector{Command: []string{"/bin/sh", "-c", `echo "unreadable artifact" >&2; exit 2`}}

	_, err := det.Detect(context.Background(), "/tmp/artifact.iq")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("exit 2 produced %v, want ErrRejected", err)
	}
}

func TestExecDetectorOtherFailuresAreTransient(t *testing.T) {
	skipWithoutShell(t)
	det := &ExecDetector{Command: []string{"/bin/sh", "-c", `echo "device mapping failed" >&2; exit 1`}}

	_, err := det.Detect(context.Background(), "/tmp/artifact.iq")
	if err == nil {
		t.Fatalf("exit 1 produced no error")
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("transient failure mislabelled as rejection: %v", err)
	}
}

func TestExecDetectorGarbageOutputRejects(t *testing.T) {
	skipWithoutShell(t)
	det := &ExecDetector{Command: []string{"/bin/sh", "-c", `echo "not json at all"`}}

	_, err := det.Detect(context.Background(), "/tmp/artifact.iq")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("garbage output produced %v, want ErrRejected", err)
	}
}
