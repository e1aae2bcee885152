// satx-passes predicts upcoming passes for every object in the catalog
// and prints them as a table. It is the one-shot companion to satxd:
// same station file, same TLE inputs, no side effects.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Artifact-Virtual/satx/internal/catalog"
	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/orbit"
	"github.com/Artifact-Virtual/satx/internal/passes"
	"github.com/Artifact-Virtual/satx/internal/station"
	"github.com/Artifact-Virtual/satx/model"
)

func main() {
	stationPath := flag.String("station", "configs/station.json", "Path to the station JSON description")
	tlePath := flag.String("tle", "catalog", "TLE file, or a directory of TLE files")
	horizon := flag.Duration("horizon", 24*time.Hour, "How far ahead to predict passes")
	minElevation := flag.Float64("min-elevation", 0, "Minimum pass elevation in degrees; overrides the station file when positive")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	st, err := loadStation(*stationPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "satx-passes: load station: %v\n", err)
		os.Exit(1)
	}
	if *minElevation > 0 {
		st.MinElevationDeg = *minElevation
	}

	cat := catalog.New(log)
	if _, err := cat.LoadPath(ctx, *tlePath); err != nil {
		fmt.Fprintf(os.Stderr, "satx-passes: load catalog: %v\n", err)
		os.Exit(1)
	}
	if cat.Len() == 0 {
		fmt.Fprintf(os.Stderr, "satx-passes: no element sets found under %s\n", *tlePath)
		os.Exit(1)
	}

	prop := orbit.NewSGP4Propagator(*st)
	predictor := passes.NewPredictor(prop, passes.Config{
		MinElevationDeg: st.MinElevationDeg,
		Horizon:         *horizon,
	}, log, nil)

	now := time.Now().UTC()
	snapshot := cat.Snapshot()
	windows := predictor.Predict(ctx, snapshot, now)

	fmt.Printf("%d passes above %.1f° within %s of %s (%d objects)\n\n",
		len(windows), st.MinElevationDeg, *horizon, now.Format(time.RFC3339), cat.Len())
	fmt.Printf("%-24s %-8s %-20s %-8s %-8s %6s %6s %8s  %s\n",
		"OBJECT", "ID", "RISE (UTC)", "MAX", "SET", "DUR", "EL°", "AZ", "NOTES")

	for _, w := range windows {
		name := w.CatalogID
		if set, ok := snapshot[w.CatalogID]; ok {
			name = set.DisplayName()
		}
		note := ""
		if w.StaleSource {
			note = "stale elements"
		}
		fmt.Printf("%-24s %-8s %-20s %-8s %-8s %6s %6.1f %3.0f→%3.0f  %s\n",
			truncate(name, 24),
			w.CatalogID,
			w.Rise.UTC().Format("2006-01-02 15:04:05"),
			w.TimeOfMax.UTC().Format("15:04:05"),
			w.Set.UTC().Format("15:04:05"),
			w.Duration().Round(time.Second),
			w.MaxElevationDeg,
			w.RiseAzimuthDeg,
			w.SetAzimuthDeg,
			note,
		)
	}
}

func loadStation(path string) (*model.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return station.Load(f)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
