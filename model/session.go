package model

import "time"

// SessionStatus is the lifecycle state of an acquisition session.
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// RetuneEvent is one applied frequency correction during a session.
type RetuneEvent struct {
	At          time.Time
	FrequencyHz float64
}

// AcquisitionSession is one capture against the exclusive device. It is
// created when a schedule entry transitions to active and archived
// read-only once the session ends.
type AcquisitionSession struct {
	// ID is a random identifier; unlike entry ids it carries no meaning.
	ID string
	// EntryID references the schedule entry this session executes.
	EntryID string
	// CatalogID identifies the observed object.
	CatalogID string
	// DeviceID names the capture device that was locked for the session.
	DeviceID string

	// PlannedStart/PlannedEnd come from the entry's window.
	PlannedStart time.Time
	PlannedEnd   time.Time
	// ActualStart/ActualEnd record when capture really ran; they differ
	// from the plan on late starts and early termination.
	ActualStart time.Time
	ActualEnd   time.Time

	// NominalFrequencyHz is the center frequency before Doppler correction.
	NominalFrequencyHz float64
	// SampleRate and Gain echo the device parameters used.
	SampleRate int
	Gain       float64

	// Retunes is the ordered log of applied corrections.
	Retunes []RetuneEvent

	// ArtifactPath is the raw capture file produced by the device.
	ArtifactPath string
	// BytesWritten is how much sample data reached the artifact; zero
	// means a fault before any data was captured.
	BytesWritten int64

	Status SessionStatus
	// Partial marks a session that ended on a fault after some data was
	// already captured. A partial recording still has value.
	Partial bool
	// Degraded marks a session that suffered three or more consecutive
	// retune failures; capture continued at the last good frequency.
	Degraded bool
	// StatusReason explains how the session ended.
	StatusReason string
}

// SidecarName returns the metadata file path that accompanies the artifact.
func (s AcquisitionSession) SidecarName() string {
	if s.ArtifactPath == "" {
		return ""
	}
	return s.ArtifactPath + ".json"
}
