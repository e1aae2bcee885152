// Package orbit wraps the external SGP4 propagation library behind the
// narrow interface the rest of the pipeline consumes. No orbital mechanics
// beyond frame transforms lives outside this package.
package orbit

import (
	"errors"
	"time"

	"github.com/Artifact-Virtual/satx/model"
)

// ErrPropagation wraps any failure to propagate an element set: malformed
// lines, a decayed orbit, or numerically unusable output. Callers skip the
// object for the current cycle and continue the batch.
var ErrPropagation = errors.New("orbit: propagation failed")

// State is the topocentric view of one object at one instant.
type State struct {
	// AzimuthDeg is measured clockwise from true North.
	AzimuthDeg float64
	// ElevationDeg is degrees above the geometric horizon.
	ElevationDeg float64
	// RangeKm is the slant range from station to object.
	RangeKm float64
	// RangeRateKmS is the time derivative of range: negative while the
	// object approaches, positive while it recedes.
	RangeRateKmS float64
	// Sunlit reports whether the object is outside the Earth's shadow.
	Sunlit bool
}

// Propagator is the pure capability the predictor and the Doppler
// controller depend on. Implementations must be safe for concurrent use
// and free of side effects so tests can substitute synthetic ones.
type Propagator interface {
	StateAt(elements model.OrbitalElementSet, at time.Time) (State, error)
}
