package orbit

import "math"

const astronomicalUnitKm = 149597870.7

// sunECI returns a low-precision solar position in the ECI frame (km) for
// the given Julian date. Accuracy is a fraction of a degree, ample for an
// eclipse test.
func sunECI(jd float64) vec3 {
	t := (jd - 2451545.0) / 36525.0

	meanLon := math.Mod(280.460+36000.771*t, 360.0)
	meanAnom := math.Mod(357.5291092+35999.05034*t, 360.0) * math.Pi / 180.0

	eclLon := (meanLon + 1.914666471*math.Sin(meanAnom) + 0.019994643*math.Sin(2*meanAnom)) * math.Pi / 180.0
	rAU := 1.000140612 - 0.016708617*math.Cos(meanAnom) - 0.000139589*math.Cos(2*meanAnom)

	obliquity := (23.439291 - 0.0130042*t) * math.Pi / 180.0

	rKm := rAU * astronomicalUnitKm
	return vec3{
		x: rKm * math.Cos(eclLon),
		y: rKm * math.Cos(obliquity) * math.Sin(eclLon),
		z: rKm * math.Sin(obliquity) * math.Sin(eclLon),
	}
}

// sunlit applies a cylindrical Earth-shadow test to a satellite ECI
// position (km): the object is eclipsed only when it sits on the anti-sun
// side and within one Earth radius of the Earth-sun axis.
func sunlit(satECI vec3, jd float64) bool {
	sun := sunECI(jd)
	sunNorm := sun.norm()
	if sunNorm == 0 {
		return true
	}

	unit := vec3{sun.x / sunNorm, sun.y / sunNorm, sun.z / sunNorm}
	along := satECI.dot(unit)
	if along >= 0 {
		return true
	}

	perpSq := satECI.dot(satECI) - along*along
	return perpSq > earthRadiusKm*earthRadiusKm
}
