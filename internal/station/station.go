// Package station loads the observing-site configuration from JSON.
package station

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Artifact-Virtual/satx/model"
)

// Defaults applied when the JSON omits a field.
const (
	DefaultSampleRate   = 2_400_000
	DefaultGain         = 49.0
	DefaultDeviceID     = "rtl0"
	DefaultRecordingDir = "recordings"
)

// DefaultBands is the band plan used when none is configured: the VHF
// weather-satellite band and the 70 cm amateur downlink band.
func DefaultBands() []model.FrequencyBand {
	return []model.FrequencyBand{
		{LowHz: 137e6, HighHz: 138e6},
		{LowHz: 435e6, HighHz: 438e6},
	}
}

// internal JSON shapes – kept unexported so we're free to evolve them.
type stationJSON struct {
	Name            string     `json:"name"`
	LatitudeDeg     float64    `json:"latitude"`
	LongitudeDeg    float64    `json:"longitude"`
	AltitudeM       float64    `json:"altitude_m"`
	MinElevationDeg float64    `json:"min_elevation_deg"`
	DeviceID        string     `json:"device_id"`
	SampleRate      int        `json:"sample_rate"`
	Gain            *float64   `json:"gain"` // optional; zero dB is a valid setting
	Bands           []bandJSON `json:"bands"`
	RecordingDir    string     `json:"recording_dir"`
}

type bandJSON struct {
	LowHz  float64 `json:"low_hz"`
	HighHz float64 `json:"high_hz"`
}

// Load reads a station description from r, validates it, and fills in
// defaults for the receiver settings and band plan.
func Load(r io.Reader) (*model.Station, error) {
	var payload stationJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("station: decode failed: %w", err)
	}

	if payload.LatitudeDeg < -90 || payload.LatitudeDeg > 90 {
		return nil, fmt.Errorf("station: latitude %v out of range [-90, 90]", payload.LatitudeDeg)
	}
	if payload.LongitudeDeg < -180 || payload.LongitudeDeg > 180 {
		return nil, fmt.Errorf("station: longitude %v out of range [-180, 180]", payload.LongitudeDeg)
	}
	if payload.MinElevationDeg < 0 || payload.MinElevationDeg >= 90 {
		return nil, fmt.Errorf("station: min elevation %v out of range [0, 90)", payload.MinElevationDeg)
	}
	if payload.SampleRate < 0 {
		return nil, fmt.Errorf("station: sample rate %d must be positive", payload.SampleRate)
	}

	st := &model.Station{
		Name:            payload.Name,
		LatitudeDeg:     payload.LatitudeDeg,
		LongitudeDeg:    payload.LongitudeDeg,
		AltitudeM:       payload.AltitudeM,
		MinElevationDeg: payload.MinElevationDeg,
		DeviceID:        payload.DeviceID,
		SampleRate:      payload.SampleRate,
		Gain:            DefaultGain,
		RecordingDir:    payload.RecordingDir,
	}
	if payload.Gain != nil {
		st.Gain = *payload.Gain
	}
	if st.DeviceID == "" {
		st.DeviceID = DefaultDeviceID
	}
	if st.SampleRate == 0 {
		st.SampleRate = DefaultSampleRate
	}
	if st.RecordingDir == "" {
		st.RecordingDir = DefaultRecordingDir
	}

	if len(payload.Bands) == 0 {
		st.Bands = DefaultBands()
	} else {
		for i, b := range payload.Bands {
			if b.LowHz <= 0 || b.HighHz <= b.LowHz {
				return nil, fmt.Errorf("station: band %d bounds [%v, %v] invalid", i, b.LowHz, b.HighHz)
			}
			st.Bands = append(st.Bands, model.FrequencyBand{LowHz: b.LowHz, HighHz: b.HighHz})
		}
	}

	return st, nil
}
