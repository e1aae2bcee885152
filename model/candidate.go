package model

import "time"

// CandidateRecord is one detection-stage output suggesting a signal may be
// present within a capture. One session yields zero or more candidates;
// records are never mutated after creation.
type CandidateRecord struct {
	ID        string
	SessionID string
	CatalogID string
	// Detected is false for explicit "nothing found" records written when
	// the detector ran clean; it keeps the audit trail complete.
	Detected bool
	// FrequencyOffsetHz is the candidate's offset from the session's
	// nominal center frequency.
	FrequencyOffsetHz float64
	// Confidence is the detector's score in [0, 1].
	Confidence float64
	// StartOffset/EndOffset bound the candidate within the session
	// recording, measured from actual session start.
	StartOffset time.Duration
	EndOffset   time.Duration
	// DetectorTag identifies the detector version that produced this
	// record so reprocessing runs can be told apart.
	DetectorTag string
	CreatedAt   time.Time
}
