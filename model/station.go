package model

// FrequencyBand is one receive band of interest, bounds in Hz.
type FrequencyBand struct {
	LowHz  float64
	HighHz float64
}

// Contains reports whether hz falls inside the band.
func (b FrequencyBand) Contains(hz float64) bool {
	return hz >= b.LowHz && hz <= b.HighHz
}

// Center returns the band midpoint in Hz.
func (b FrequencyBand) Center() float64 {
	return (b.LowHz + b.HighHz) / 2
}

// Station is the read-only description of the observing site and its
// capture hardware. It is loaded from configuration at startup and never
// mutated afterwards.
type Station struct {
	Name string
	// LatitudeDeg/LongitudeDeg are geodetic WGS-84 coordinates.
	LatitudeDeg  float64
	LongitudeDeg float64
	// AltitudeM is height above mean sea level in metres.
	AltitudeM float64
	// MinElevationDeg is the visibility threshold for pass prediction.
	MinElevationDeg float64
	// DeviceID names the single exclusive capture device.
	DeviceID string
	// SampleRate is the capture rate in samples per second.
	SampleRate int
	// Gain is the receiver gain in dB.
	Gain float64
	// Bands are the frequency bands the station observes.
	Bands []FrequencyBand
	// RecordingDir is where capture artifacts and sidecars are written.
	RecordingDir string
}
