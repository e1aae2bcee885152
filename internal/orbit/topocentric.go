package orbit

import "math"

// WGS-84 ellipsoid parameters.
const (
	wgs84A  = 6378137.0             // semi-major axis (metres)
	wgs84F  = 1.0 / 298.257223563   // flattening
	wgs84E2 = wgs84F * (2 - wgs84F) // first eccentricity squared

	earthRotationRadS = 7.2921159e-5 // rad/s
	earthRadiusKm     = 6378.137
)

// vec3 is a cartesian vector; the frame and unit depend on context.
type vec3 struct {
	x, y, z float64
}

func (v vec3) sub(o vec3) vec3    { return vec3{v.x - o.x, v.y - o.y, v.z - o.z} }
func (v vec3) dot(o vec3) float64 { return v.x*o.x + v.y*o.y + v.z*o.z }
func (v vec3) norm() float64      { return math.Sqrt(v.dot(v)) }

// observer is a station location with its ECEF position precomputed once,
// reused across every propagation of a scheduling cycle.
type observer struct {
	latRad, lonRad float64
	ecefKm         vec3
}

// newObserver converts geodetic coordinates (degrees, metres above the
// WGS-84 ellipsoid) to a cached ECEF position in kilometres.
func newObserver(latDeg, lonDeg, altM float64) observer {
	lat := latDeg * math.Pi / 180.0
	lon := lonDeg * math.Pi / 180.0

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)

	// Radius of curvature in the prime vertical.
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return observer{
		latRad: lat,
		lonRad: lon,
		ecefKm: vec3{
			x: (n + altM) * cosLat * math.Cos(lon) / 1000.0,
			y: (n + altM) * cosLat * math.Sin(lon) / 1000.0,
			z: (n*(1-wgs84E2) + altM) * sinLat / 1000.0,
		},
	}
}

// lookAngles rotates the ECEF range and range-rate vectors into the SEZ
// (South-East-Zenith) topocentric frame, Vallado section 4.4. Positions
// and velocities are in km and km/s.
func (o observer) lookAngles(satECEF, satVelECEF vec3) (azDeg, elDeg, rangeKm, rangeRateKmS float64) {
	rel := satECEF.sub(o.ecefKm)

	sinLat := math.Sin(o.latRad)
	cosLat := math.Cos(o.latRad)
	sinLon := math.Sin(o.lonRad)
	cosLon := math.Cos(o.lonRad)

	south := sinLat*cosLon*rel.x + sinLat*sinLon*rel.y - cosLat*rel.z
	east := -sinLon*rel.x + cosLon*rel.y
	zenith := cosLat*cosLon*rel.x + cosLat*sinLon*rel.y + sinLat*rel.z

	rangeKm = math.Sqrt(south*south + east*east + zenith*zenith)
	if rangeKm == 0 {
		return 0, 90, 0, 0
	}

	elDeg = math.Asin(zenith/rangeKm) * 180.0 / math.Pi

	// North = -South in SEZ, azimuth measured clockwise from North.
	az := math.Atan2(east, -south)
	if az < 0 {
		az += 2 * math.Pi
	}
	azDeg = az * 180.0 / math.Pi

	// The station is fixed in ECEF, so the relative velocity is the
	// satellite's ECEF velocity and the range rate is its projection on
	// the range direction.
	rangeRateKmS = rel.dot(satVelECEF) / rangeKm
	return azDeg, elDeg, rangeKm, rangeRateKmS
}
