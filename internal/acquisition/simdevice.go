package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Artifact-Virtual/satx/timectrl"
)

// SimDevice is a file-backed stand-in for SDR hardware. It streams
// synthetic sample bytes into the artifact at a decimated rate and can be
// scripted to reject retunes or fault mid-capture, which is how the fault
// handling paths are exercised without hardware.
type SimDevice struct {
	id    string
	clock timectrl.Clock

	mu          sync.Mutex
	frequencyHz float64
	failRetunes int
	faultAfter  time.Duration
	active      *simCapture
}

// NewSimDevice constructs an idle simulated device.
func NewSimDevice(id string, clock timectrl.Clock) *SimDevice {
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	return &SimDevice{id: id, clock: clock}
}

func (d *SimDevice) ID() string { return d.id }

// FailRetunes makes the next n SetCenterFrequency calls fail.
func (d *SimDevice) FailRetunes(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRetunes = n
}

// FaultAfter arms a device fault that fires the given duration into the
// next capture. Zero disarms.
func (d *SimDevice) FaultAfter(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faultAfter = dur
}

// Frequency reports the last applied tune.
func (d *SimDevice) Frequency() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frequencyHz
}

func (d *SimDevice) SetCenterFrequency(_ context.Context, hz float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRetunes > 0 {
		d.failRetunes--
		return errors.New("simdevice: retune rejected")
	}
	d.frequencyHz = hz
	return nil
}

func (d *SimDevice) StartCapture(_ context.Context, p CaptureParams) (CaptureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, errors.New("simdevice: capture already running")
	}

	f, err := os.Create(p.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("simdevice: create artifact: %w", err)
	}

	c := &simCapture{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	d.active = c
	go d.run(c, f, p, d.faultAfter)
	return c, nil
}

func (d *SimDevice) StopCapture(h CaptureHandle) (CaptureResult, error) {
	c, ok := h.(*simCapture)
	if !ok {
		return CaptureResult{}, errors.New("simdevice: foreign capture handle")
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done

	d.mu.Lock()
	if d.active == c {
		d.active = nil
	}
	d.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return CaptureResult{BytesWritten: c.written, Err: c.err}, nil
}

// run owns the artifact file: it writes one decimated chunk per second of
// clock time and closes the file before signalling done.
func (d *SimDevice) run(c *simCapture, f *os.File, p CaptureParams, faultAfter time.Duration) {
	defer close(c.done)
	defer f.Close()

	// Two bytes per complex sample, decimated a thousandfold so tests
	// and long simulated passes stay small.
	chunkLen := p.SampleRate * 2 / 1000
	if chunkLen < 2 {
		chunkLen = 2
	}
	chunk := make([]byte, chunkLen)

	var faultC <-chan time.Time
	if faultAfter > 0 {
		faultC = d.clock.After(faultAfter)
	}

	for {
		select {
		case <-c.stop:
			return
		case <-faultC:
			c.setErr(errors.New("simdevice: injected device fault"))
			return
		case <-d.clock.After(time.Second):
			if _, err := f.Write(chunk); err != nil {
				c.setErr(fmt.Errorf("simdevice: write artifact: %w", err))
				return
			}
			c.mu.Lock()
			c.written += int64(chunkLen)
			c.mu.Unlock()
		}
	}
}

type simCapture struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	written int64
	err     error
}

func (c *simCapture) Done() <-chan struct{} { return c.done }

func (c *simCapture) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
