package model

import "time"

// ProcessingStatus is the terminal state of the detection stage for one
// session.
type ProcessingStatus string

const (
	// ProcessingDone means the detector ran to completion and its
	// candidates, or the explicit absence of any, were persisted.
	ProcessingDone ProcessingStatus = "processed"
	// ProcessingFailed means every detection attempt failed; the session
	// artifact remains on disk for manual reprocessing.
	ProcessingFailed ProcessingStatus = "processing_failed"
)

// ProcessingMarker records the detection outcome for a session exactly
// once, so restarts and reprocessing runs can tell handled sessions apart.
type ProcessingMarker struct {
	SessionID string
	Status    ProcessingStatus
	// Attempts is how many detector invocations the outcome took.
	Attempts int
	// LastError carries the final failure for processing_failed markers.
	LastError string
	UpdatedAt time.Time
}
