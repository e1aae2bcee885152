package station

import (
	"strings"
	"testing"
)

func TestLoad_FullDocument(t *testing.T) {
	jsonData := `
{
  "name": "oulu-north",
  "latitude": 65.01,
  "longitude": 25.47,
  "altitude_m": 24,
  "min_elevation_deg": 12,
  "device_id": "airspy0",
  "sample_rate": 3000000,
  "gain": 31.5,
  "bands": [
    { "low_hz": 400e6, "high_hz": 403e6 }
  ],
  "recording_dir": "/data/iq"
}
`

	st, err := Load(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if st.Name != "oulu-north" {
		t.Errorf("Name = %q, want %q", st.Name, "oulu-north")
	}
	if st.LatitudeDeg != 65.01 || st.LongitudeDeg != 25.47 {
		t.Errorf("coordinates = (%v, %v), want (65.01, 25.47)", st.LatitudeDeg, st.LongitudeDeg)
	}
	if st.MinElevationDeg != 12 {
		t.Errorf("MinElevationDeg = %v, want 12", st.MinElevationDeg)
	}
	if st.DeviceID != "airspy0" {
		t.Errorf("DeviceID = %q, want %q", st.DeviceID, "airspy0")
	}
	if st.SampleRate != 3000000 {
		t.Errorf("SampleRate = %d, want 3000000", st.SampleRate)
	}
	if st.Gain != 31.5 {
		t.Errorf("Gain = %v, want 31.5", st.Gain)
	}
	if len(st.Bands) != 1 || st.Bands[0].LowHz != 400e6 || st.Bands[0].HighHz != 403e6 {
		t.Errorf("Bands = %+v, want one band [400e6, 403e6]", st.Bands)
	}
	if st.RecordingDir != "/data/iq" {
		t.Errorf("RecordingDir = %q, want /data/iq", st.RecordingDir)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	jsonData := `{"name": "minimal", "latitude": 51.5, "longitude": -0.1}`

	st, err := Load(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if st.SampleRate != DefaultSampleRate {
		t.Errorf("SampleRate = %d, want default %d", st.SampleRate, DefaultSampleRate)
	}
	if st.Gain != DefaultGain {
		t.Errorf("Gain = %v, want default %v", st.Gain, DefaultGain)
	}
	if st.DeviceID != DefaultDeviceID {
		t.Errorf("DeviceID = %q, want default %q", st.DeviceID, DefaultDeviceID)
	}
	if st.RecordingDir != DefaultRecordingDir {
		t.Errorf("RecordingDir = %q, want default %q", st.RecordingDir, DefaultRecordingDir)
	}
	if len(st.Bands) != 2 {
		t.Fatalf("expected 2 default bands, got %d", len(st.Bands))
	}
	if st.Bands[0].LowHz != 137e6 || st.Bands[1].HighHz != 438e6 {
		t.Errorf("default band plan wrong: %+v", st.Bands)
	}
}

func TestLoad_ZeroGainIsRespected(t *testing.T) {
	jsonData := `{"latitude": 0, "longitude": 0, "gain": 0}`

	st, err := Load(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if st.Gain != 0 {
		t.Errorf("explicit zero gain replaced with %v", st.Gain)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"latitude too big", `{"latitude": 91, "longitude": 0}`},
		{"longitude too small", `{"latitude": 0, "longitude": -181}`},
		{"min elevation at 90", `{"latitude": 0, "longitude": 0, "min_elevation_deg": 90}`},
		{"negative min elevation", `{"latitude": 0, "longitude": 0, "min_elevation_deg": -1}`},
		{"negative sample rate", `{"latitude": 0, "longitude": 0, "sample_rate": -1}`},
		{"inverted band", `{"latitude": 0, "longitude": 0, "bands": [{"low_hz": 438e6, "high_hz": 435e6}]}`},
		{"zero band bound", `{"latitude": 0, "longitude": 0, "bands": [{"low_hz": 0, "high_hz": 1e6}]}`},
		{"not json", `{{{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(tc.json)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}
