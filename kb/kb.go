// Package kb holds the transmitter knowledge base: what is known about
// each catalog object's downlink frequency and when it was last confirmed
// active by an external report. The schedule builder consumes both signals
// when scoring pass windows.
package kb

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Artifact-Virtual/satx/model"
)

// EventType indicates what kind of change happened in the knowledge base.
type EventType int

const (
	EventTransmitterAdded EventType = iota
	EventActivityRecorded
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type        EventType
	Transmitter TransmitterInfo
}

// TransmitterInfo is what the station knows about one object's radio.
type TransmitterInfo struct {
	// CatalogID matches the orbital catalog identifier.
	CatalogID string `json:"catalog_id"`
	Name      string `json:"name,omitempty"`
	// DownlinkHz is the known or suspected downlink frequency; zero when
	// the object has no known transmitter.
	DownlinkHz float64 `json:"downlink_hz,omitempty"`
	// LastConfirmedActive is when an external report last confirmed the
	// transmitter on the air. Zero means never.
	LastConfirmedActive time.Time `json:"last_confirmed_active,omitempty"`
}

// Transmitters is an in-memory, thread-safe knowledge base.
type Transmitters struct {
	mu sync.RWMutex

	byID map[string]TransmitterInfo

	nextSub int
	subs    map[int]func(Event)
}

// NewTransmitters constructs an empty knowledge base.
func NewTransmitters() *Transmitters {
	return &Transmitters{
		byID: make(map[string]TransmitterInfo),
		subs: make(map[int]func(Event)),
	}
}

// Add registers a transmitter. It returns an error if the catalog id is
// empty or already present.
func (t *Transmitters) Add(info TransmitterInfo) error {
	if info.CatalogID == "" {
		return fmt.Errorf("transmitter with empty catalog id")
	}

	t.mu.Lock()
	if _, exists := t.byID[info.CatalogID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("transmitter for %q already exists", info.CatalogID)
	}
	t.byID[info.CatalogID] = info
	subs := t.subscribers()
	t.mu.Unlock()

	notify(subs, Event{Type: EventTransmitterAdded, Transmitter: info})
	return nil
}

// Get returns a copy of the transmitter info for the given catalog id.
func (t *Transmitters) Get(catalogID string) (TransmitterInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.byID[catalogID]
	return info, ok
}

// List returns a snapshot slice of all known transmitters.
func (t *Transmitters) List() []TransmitterInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := make([]TransmitterInfo, 0, len(t.byID))
	for _, info := range t.byID {
		res = append(res, info)
	}
	return res
}

// RecordActivity notes an externally confirmed transmission for the given
// object and notifies subscribers so schedules can be re-scored. Unknown
// objects gain a stub entry; activity reports are valuable even for
// objects with no catalogued transmitter.
func (t *Transmitters) RecordActivity(catalogID string, at time.Time) error {
	if catalogID == "" {
		return fmt.Errorf("activity report with empty catalog id")
	}

	t.mu.Lock()
	info := t.byID[catalogID]
	info.CatalogID = catalogID
	if at.After(info.LastConfirmedActive) {
		info.LastConfirmedActive = at
	}
	t.byID[catalogID] = info
	subs := t.subscribers()
	t.mu.Unlock()

	notify(subs, Event{Type: EventActivityRecorded, Transmitter: info})
	return nil
}

// LastActive returns the most recent confirmed activity for the object,
// zero when none was ever reported.
func (t *Transmitters) LastActive(catalogID string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[catalogID].LastConfirmedActive
}

// FrequencyFor picks the nominal center frequency for an object: its known
// downlink when that falls inside one of the station's bands, otherwise
// the center of the first configured band.
func (t *Transmitters) FrequencyFor(catalogID string, bands []model.FrequencyBand) float64 {
	t.mu.RLock()
	info := t.byID[catalogID]
	t.mu.RUnlock()

	if info.DownlinkHz > 0 {
		if len(bands) == 0 {
			return info.DownlinkHz
		}
		for _, b := range bands {
			if b.Contains(info.DownlinkHz) {
				return info.DownlinkHz
			}
		}
	}
	if len(bands) > 0 {
		return bands[0].Center()
	}
	return info.DownlinkHz
}

// Subscribe registers a callback for knowledge-base events. It returns an
// unsubscribe function.
func (t *Transmitters) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Load reads a JSON array of transmitter records into the knowledge base,
// replacing existing entries for the same catalog ids. It returns how many
// records were loaded.
func (t *Transmitters) Load(r io.Reader) (int, error) {
	var records []TransmitterInfo
	dec := json.NewDecoder(r)
	if err := dec.Decode(&records); err != nil {
		return 0, fmt.Errorf("decode transmitter records: %w", err)
	}

	t.mu.Lock()
	loaded := 0
	for _, rec := range records {
		if rec.CatalogID == "" {
			continue
		}
		t.byID[rec.CatalogID] = rec
		loaded++
	}
	t.mu.Unlock()
	return loaded, nil
}

// subscribers copies the callback set; callers must hold t.mu.
func (t *Transmitters) subscribers() []func(Event) {
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}

// notify runs outside the lock to avoid deadlocks with re-entrant callers.
func notify(subs []func(Event), e Event) {
	for _, fn := range subs {
		fn(e)
	}
}
