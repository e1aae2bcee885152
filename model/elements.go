package model

import "time"

// DefaultMaxElementAge is how old an element set may be before it is
// considered stale for scheduling purposes.
const DefaultMaxElementAge = 7 * 24 * time.Hour

// OrbitalElementSet is one two-line element set for a tracked object,
// together with the bookkeeping needed to judge its freshness. A catalog
// refresh produces a new value that supersedes the old one; element sets
// are never mutated in place.
type OrbitalElementSet struct {
	// CatalogID is the stable registry identifier of the object
	// (NORAD catalog number, kept as a string).
	CatalogID string
	// Name is the human-readable object name from the catalog, if any.
	Name string
	// Line1 and Line2 carry the raw TLE lines consumed by the propagator.
	Line1 string
	Line2 string
	// Epoch is the reference epoch encoded in Line1.
	Epoch time.Time
	// FetchedAt records when this set was obtained from the upstream
	// catalog source.
	FetchedAt time.Time
}

// Stale reports whether the element set is older than maxAge as of now.
// Stale sets may still be propagated; consumers must carry the flag so
// downstream stages can tell stale predictions apart.
func (e OrbitalElementSet) Stale(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxElementAge
	}
	ref := e.FetchedAt
	if ref.IsZero() {
		ref = e.Epoch
	}
	return now.Sub(ref) > maxAge
}

// DisplayName returns the catalog name, falling back to the catalog id.
func (e OrbitalElementSet) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.CatalogID
}
