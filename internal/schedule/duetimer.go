package schedule

import (
	"sort"
	"sync"
	"time"
)

// activation is one pending entry waiting for its rise time.
type activation struct {
	entryID   string
	when      time.Time
	cancelled bool
}

// DueTimer tracks when pending entries become due for activation. The
// daemon schedules each pending entry at its rise time and pops due ids
// on every loop tick; cancelled ids are dropped lazily when popped.
type DueTimer struct {
	mu    sync.Mutex
	queue []*activation // ordered by when, earliest first
	index map[string]*activation
}

// NewDueTimer returns an empty timer.
func NewDueTimer() *DueTimer {
	return &DueTimer{index: make(map[string]*activation)}
}

// Schedule registers entryID to come due at the given time, replacing any
// previous registration for the same id.
func (t *DueTimer) Schedule(at time.Time, entryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.index[entryID]; ok {
		prev.cancelled = true
	}
	a := &activation{entryID: entryID, when: at}
	idx := sort.Search(len(t.queue), func(i int) bool {
		return !t.queue[i].when.Before(at)
	})
	t.queue = append(t.queue, nil)
	copy(t.queue[idx+1:], t.queue[idx:])
	t.queue[idx] = a
	t.index[entryID] = a
}

// Cancel removes a registration. Unknown ids are a no-op.
func (t *DueTimer) Cancel(entryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.index[entryID]
	if !ok {
		return
	}
	a.cancelled = true
	delete(t.index, entryID)
}

// Due pops every id whose time is at or before now, in time order.
func (t *DueTimer) Due(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []string
	i := 0
	for ; i < len(t.queue); i++ {
		a := t.queue[i]
		if a.when.After(now) {
			break
		}
		if a.cancelled {
			continue
		}
		due = append(due, a.entryID)
		delete(t.index, a.entryID)
	}
	t.queue = t.queue[i:]
	return due
}

// Next reports the earliest pending activation time, if any.
func (t *DueTimer) Next() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range t.queue {
		if !a.cancelled {
			return a.when, true
		}
	}
	return time.Time{}, false
}

// Len counts live registrations.
func (t *DueTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}
