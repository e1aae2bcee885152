package model

import (
	"fmt"
	"time"
)

// EntryStatus is the lifecycle state of a schedule entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryActive    EntryStatus = "active"
	EntryCompleted EntryStatus = "completed"
	EntrySkipped   EntryStatus = "skipped"
	EntryFailed    EntryStatus = "failed"
)

// Terminal reports whether the status is an end state that will never
// advance again.
func (s EntryStatus) Terminal() bool {
	switch s {
	case EntryCompleted, EntrySkipped, EntryFailed:
		return true
	}
	return false
}

// PreemptionRecord captures why a lower-priority entry lost its slot.
type PreemptionRecord struct {
	// PreemptedAt is when the schedule builder displaced the entry.
	PreemptedAt time.Time
	// PreemptedBy is the entry id that won the slot.
	PreemptedBy string
	// Reason is a human-readable explanation for the audit log.
	Reason string
}

// ScheduleEntry places one pass window on the single-device timeline.
//
// Status is the only mutable field. The schedule builder owns the
// pending/skipped states and preemption; the acquisition session manager
// owns the active state and its terminal transitions. At most one entry
// holds status active at any instant.
type ScheduleEntry struct {
	// ID is deterministic for a given window so that rebuilding the
	// schedule from an unchanged window set is idempotent. Retry entries
	// carry an attempt suffix.
	ID string
	// Window is the predicted pass this entry captures.
	Window PassWindow
	// CenterFrequencyHz is the nominal receive frequency assigned from
	// the transmitter knowledge base or the station band plan.
	CenterFrequencyHz float64
	// Priority is the score used for interval scheduling, higher wins.
	Priority float64
	// Status advances pending -> active -> {completed, failed}, or directly
	// to skipped/failed from pending.
	Status EntryStatus
	// Attempt counts how many times this window has been offered,
	// starting at 1.
	Attempt int
	// StatusReason explains the last status transition in plain words.
	StatusReason string
	// Preemption is set when the entry was skipped in favour of another.
	Preemption *PreemptionRecord

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryID derives the deterministic identifier for a window and attempt.
func EntryID(w PassWindow, attempt int) string {
	id := fmt.Sprintf("%s-%d", w.CatalogID, w.Rise.Unix())
	if attempt > 1 {
		id = fmt.Sprintf("%s-r%d", id, attempt)
	}
	return id
}

// Overlaps reports whether two entries contend for the device.
func (e ScheduleEntry) Overlaps(other ScheduleEntry) bool {
	return e.Window.Overlaps(other.Window)
}
