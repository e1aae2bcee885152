// Package pipeline turns finished acquisition sessions into candidate
// records: a worker pool feeds each artifact to the detector, retries
// transient failures with exponential backoff, and persists whatever the
// detector found, including the explicit absence of a find.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// ErrRejected marks a permanent detector verdict: the artifact itself is
// unusable and retrying cannot change the outcome.
var ErrRejected = errors.New("pipeline: artifact rejected by detector")

// Detection is one signal the detector located within an artifact.
type Detection struct {
	// FrequencyOffsetHz is the offset from the session's nominal center.
	FrequencyOffsetHz float64
	// Confidence is the detector's score in [0, 1].
	Confidence float64
	// StartOffset/EndOffset bound the detection within the recording.
	StartOffset time.Duration
	EndOffset   time.Duration
}

// Detector examines one artifact. Implementations must be safe for
// concurrent use; the worker pool calls Detect from several goroutines.
type Detector interface {
	Detect(ctx context.Context, artifactPath string) ([]Detection, error)
	// Version tags the candidate records this detector produces.
	Version() string
}

// rejectedExitCode is the detector process exit code that means the
// artifact is permanently unusable rather than transiently unprocessable.
const rejectedExitCode = 2

// ExecDetector shells out to an external detector process. The artifact
// path is appended as the final argument; the process prints a JSON array
// of detections on stdout. Exit code 2 rejects the artifact permanently,
// any other failure is treated as transient.
type ExecDetector struct {
	// Command is the argv prefix, e.g. ["python3", "detect.py", "--fast"].
	Command []string
	// Timeout bounds one invocation; zero means no bound.
	Timeout time.Duration
	// Tag overrides the version tag; defaults to the command base name.
	Tag string
}

func (d *ExecDetector) Version() string {
	if d.Tag != "" {
		return d.Tag
	}
	if len(d.Command) > 0 {
		return filepath.Base(d.Command[0])
	}
	return "exec"
}

// execDetection is the wire shape the detector process emits.
type execDetection struct {
	FrequencyOffsetHz float64 `json:"frequency_offset_hz"`
	Confidence        float64 `json:"confidence"`
	StartOffsetS      float64 `json:"start_offset_s"`
	EndOffsetS        float64 `json:"end_offset_s"`
}

func (d *ExecDetector) Detect(ctx context.Context, artifactPath string) ([]Detection, error) {
	if len(d.Command) == 0 {
		return nil, errors.New("pipeline: detector command not configured")
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), d.Command[1:]...), artifactPath)
	cmd := exec.CommandContext(ctx, d.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == rejectedExitCode {
			return nil, fmt.Errorf("%w: %s", ErrRejected, firstLine(stderr.Bytes()))
		}
		return nil, fmt.Errorf("pipeline: detector run: %w: %s", err, firstLine(stderr.Bytes()))
	}

	var raw []execDetection
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		// Deterministic garbage will not improve on retry.
		return nil, fmt.Errorf("%w: undecodable output: %v", ErrRejected, err)
	}

	out := make([]Detection, 0, len(raw))
	for _, r := range raw {
		out = append(out, Detection{
			FrequencyOffsetHz: r.FrequencyOffsetHz,
			Confidence:        r.Confidence,
			StartOffset:       secondsToDuration(r.StartOffsetS),
			EndOffset:         secondsToDuration(r.EndOffsetS),
		})
	}
	return out, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(bytes.TrimSpace(b))
}
