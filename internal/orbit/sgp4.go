package orbit

import (
	"fmt"
	"math"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/Artifact-Virtual/satx/model"
)

// SGP4Propagator propagates two-line element sets with the SGP4 model and
// reduces the result to the station-relative State the pipeline needs.
// Parsed satellite records are cached per element set since one scheduling
// cycle propagates each object hundreds of times.
type SGP4Propagator struct {
	station observer

	mu    sync.RWMutex
	cache map[string]satellite.Satellite
}

// NewSGP4Propagator builds a propagator for the given station location.
func NewSGP4Propagator(station model.Station) *SGP4Propagator {
	return &SGP4Propagator{
		station: newObserver(station.LatitudeDeg, station.LongitudeDeg, station.AltitudeM),
		cache:   make(map[string]satellite.Satellite),
	}
}

// StateAt implements Propagator.
//
// The SGP4 library panics on malformed element lines; the panic is
// recovered and surfaced as an ErrPropagation so a bad catalog entry only
// costs its own object, never the batch.
func (p *SGP4Propagator) StateAt(elements model.OrbitalElementSet, at time.Time) (st State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: object %s: %v", ErrPropagation, elements.CatalogID, r)
		}
	}()

	sat, err := p.satFor(elements)
	if err != nil {
		return State{}, err
	}

	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, velECI := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)

	posECEF := satellite.ECIToECEF(posECI, gmst)
	velRot := satellite.ECIToECEF(velECI, gmst)

	pos := vec3{posECEF.X, posECEF.Y, posECEF.Z}
	if bad(pos.x) || bad(pos.y) || bad(pos.z) {
		return State{}, fmt.Errorf("%w: object %s: unusable position at %s", ErrPropagation, elements.CatalogID, at.Format(time.RFC3339))
	}

	// ECEF velocity needs the frame-rotation transport term on top of the
	// rotated inertial velocity.
	vel := vec3{
		x: velRot.X + earthRotationRadS*pos.y,
		y: velRot.Y - earthRotationRadS*pos.x,
		z: velRot.Z,
	}

	az, el, rng, rate := p.station.lookAngles(pos, vel)

	return State{
		AzimuthDeg:   az,
		ElevationDeg: el,
		RangeKm:      rng,
		RangeRateKmS: rate,
		Sunlit:       sunlit(vec3{posECI.X, posECI.Y, posECI.Z}, jd),
	}, nil
}

func (p *SGP4Propagator) satFor(elements model.OrbitalElementSet) (satellite.Satellite, error) {
	key := elements.CatalogID + "\n" + elements.Line1 + "\n" + elements.Line2

	p.mu.RLock()
	sat, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return sat, nil
	}

	if len(elements.Line1) < 69 || len(elements.Line2) < 69 {
		return satellite.Satellite{}, fmt.Errorf("%w: object %s: element lines too short", ErrPropagation, elements.CatalogID)
	}

	sat = satellite.TLEToSat(elements.Line1, elements.Line2, satellite.GravityWGS72)

	p.mu.Lock()
	p.cache[key] = sat
	p.mu.Unlock()
	return sat, nil
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
