package model

import "time"

// PassWindow is one predicted visibility interval of an object above the
// station's minimum elevation. Windows are recomputed every scheduling
// cycle from the current element sets and are never mutated; a window is
// discarded once its set time has elapsed.
type PassWindow struct {
	// CatalogID identifies the object this window belongs to.
	CatalogID string
	// Rise is when elevation first crosses the configured minimum upward.
	Rise time.Time
	// Set is when elevation crosses back below the minimum.
	Set time.Time
	// TimeOfMax is the sampled time of maximum elevation, Rise < TimeOfMax < Set.
	TimeOfMax time.Time
	// MaxElevationDeg is the elevation at TimeOfMax, degrees above horizon.
	MaxElevationDeg float64
	// RiseAzimuthDeg and SetAzimuthDeg are the azimuths at the window edges.
	RiseAzimuthDeg float64
	SetAzimuthDeg  float64
	// StaleSource marks windows predicted from an element set older than
	// the configured maximum age.
	StaleSource bool
	// Sunlit reports whether the object is in sunlight at TimeOfMax,
	// used as a transmit-power likelihood proxy when scoring.
	Sunlit bool
}

// Duration returns the rise-to-set length of the window.
func (w PassWindow) Duration() time.Duration {
	return w.Set.Sub(w.Rise)
}

// Overlaps reports whether two windows share any instant of time.
func (w PassWindow) Overlaps(other PassWindow) bool {
	return w.Rise.Before(other.Set) && other.Rise.Before(w.Set)
}

// Elapsed reports whether the window is entirely in the past as of now.
func (w PassWindow) Elapsed(now time.Time) bool {
	return !w.Set.After(now)
}
