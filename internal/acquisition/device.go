// Package acquisition executes schedule entries against the single
// exclusive capture device: it locks the device, starts the recording,
// runs Doppler correction alongside it, and maps how the capture ended
// onto the entry's terminal status.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDeviceBusy is returned by Start when another session holds the
// device. Callers must not queue or wait; the entry stays pending and is
// re-evaluated on the next cycle.
var ErrDeviceBusy = errors.New("acquisition: device busy")

// CaptureParams configures one recording.
type CaptureParams struct {
	// CenterFrequencyHz is the initial tune; the Doppler loop adjusts it
	// while the capture runs.
	CenterFrequencyHz float64
	SampleRate        int
	Gain              float64
	// OutputPath is the artifact file the device streams samples into.
	OutputPath string
}

// CaptureResult is how a capture ended.
type CaptureResult struct {
	// BytesWritten is how much sample data reached the artifact.
	BytesWritten int64
	// Err is nil for an operator-initiated stop and carries the device
	// fault otherwise.
	Err error
}

// CaptureHandle follows one running capture.
type CaptureHandle interface {
	// Done is closed when the capture terminates on its own, meaning a
	// device fault. An operator stop does not close it first.
	Done() <-chan struct{}
}

// Device is the capture hardware abstraction. Implementations must allow
// SetCenterFrequency during a running capture; that is how Doppler
// correction works.
type Device interface {
	ID() string
	SetCenterFrequency(ctx context.Context, hz float64) error
	StartCapture(ctx context.Context, p CaptureParams) (CaptureHandle, error)
	// StopCapture halts the capture if still running and reports how it
	// ended. It must be safe to call after a fault.
	StopCapture(h CaptureHandle) (CaptureResult, error)
}

// Lock serializes access to the device. Acquisition is fail-fast: there
// is no queue and no waiting, a busy device means the caller loses this
// attempt.
type Lock struct {
	mu     sync.Mutex
	holder string
}

// TryAcquire takes the lock for holder or fails immediately with
// ErrDeviceBusy.
func (l *Lock) TryAcquire(holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return fmt.Errorf("%w: held by %s", ErrDeviceBusy, l.holder)
	}
	l.holder = holder
	return nil
}

// Release frees the lock. Releasing on behalf of someone else is a
// programming error and is reported rather than honoured.
func (l *Lock) Release(holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != holder {
		return fmt.Errorf("acquisition: lock held by %q, not %q", l.holder, holder)
	}
	l.holder = ""
	return nil
}

// Holder names the current owner, empty when free.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
