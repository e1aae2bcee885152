// satxd is the station daemon: it keeps the orbital element catalog
// fresh, predicts passes, schedules the capture device, records pass
// artifacts with live Doppler correction, and feeds every finished
// recording through the detection pipeline into the SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Artifact-Virtual/satx/internal/acquisition"
	"github.com/Artifact-Virtual/satx/internal/catalog"
	"github.com/Artifact-Virtual/satx/internal/daemon"
	"github.com/Artifact-Virtual/satx/internal/doppler"
	"github.com/Artifact-Virtual/satx/internal/logging"
	"github.com/Artifact-Virtual/satx/internal/observability"
	"github.com/Artifact-Virtual/satx/internal/orbit"
	"github.com/Artifact-Virtual/satx/internal/passes"
	"github.com/Artifact-Virtual/satx/internal/pipeline"
	"github.com/Artifact-Virtual/satx/internal/schedule"
	"github.com/Artifact-Virtual/satx/internal/station"
	"github.com/Artifact-Virtual/satx/internal/store"
	"github.com/Artifact-Virtual/satx/kb"
	"github.com/Artifact-Virtual/satx/model"
	"github.com/Artifact-Virtual/satx/timectrl"
)

func main() {
	stationPath := flag.String("station", "configs/station.json", "Path to the station JSON description")
	tlePath := flag.String("tle", "catalog", "TLE file, or a directory of TLE files maintained by the external fetcher")
	transmitterPath := flag.String("transmitters", "configs/transmitters.json", "Path to a JSON file of known transmitters")
	dbPath := flag.String("db", "data/satx.db", "Path to the SQLite database")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	horizon := flag.Duration("horizon", 24*time.Hour, "How far ahead to predict passes")
	minElevation := flag.Float64("min-elevation", 0, "Minimum pass elevation in degrees; overrides the station file when positive")
	cycleInterval := flag.Duration("cycle", 5*time.Minute, "Interval between full predict-and-build cycles")
	simDevice := flag.Bool("sim-device", true, "Capture with the simulated receiver")
	detectorCmd := flag.String("detector-cmd", "python3 scripts/process_recording.py", "Detector command invoked per artifact; the artifact path is appended as the last argument")
	candidateCSV := flag.String("candidate-csv", "", "Optional CSV file every positive candidate is appended to")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if !*simDevice {
		log.Error(ctx, "this build carries no hardware receiver driver; run with -sim-device")
		os.Exit(1)
	}

	st, err := loadStation(*stationPath)
	if err != nil {
		log.Error(ctx, "failed to load station", logging.String("path", *stationPath), logging.Err(err))
		os.Exit(1)
	}
	if *minElevation > 0 {
		st.MinElevationDeg = *minElevation
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	pipeCollector, err := observability.NewPipelineCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise pipeline metrics", logging.Err(err))
		os.Exit(1)
	}
	schedCollector, err := observability.NewScheduleCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise schedule metrics", logging.Err(err))
		os.Exit(1)
	}

	metricsSrv := serveMetrics(*metricsAddr, pipeCollector, log)

	cat := catalog.New(log)
	if n, err := cat.LoadPath(ctx, *tlePath); err != nil {
		log.Error(ctx, "failed to load catalog", logging.String("path", *tlePath), logging.Err(err))
		os.Exit(1)
	} else if n == 0 {
		log.Warn(ctx, "catalog is empty; waiting for the fetcher to deliver element sets",
			logging.String("path", *tlePath))
	}

	transmitters := kb.NewTransmitters()
	loadTransmitters(log, transmitters, *transmitterPath)

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Error(ctx, "failed to open database", logging.String("path", *dbPath), logging.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	clock := timectrl.RealClock{}
	prop := orbit.NewSGP4Propagator(*st)

	predictor := passes.NewPredictor(prop, passes.Config{
		MinElevationDeg: st.MinElevationDeg,
		Horizon:         *horizon,
	}, log, schedCollector)

	builder := schedule.NewBuilder(schedule.Config{}, transmitters, st.Bands, log, schedCollector)

	device := acquisition.NewSimDevice(st.DeviceID, clock)
	tracker := doppler.NewController(prop, clock, doppler.Config{}, log, pipeCollector)
	manager := acquisition.NewManager(device, tracker, db, clock, acquisition.Config{
		RecordingDir: st.RecordingDir,
		SampleRate:   st.SampleRate,
		Gain:         st.Gain,
	}, log, pipeCollector)

	detector := &pipeline.ExecDetector{
		Command: strings.Fields(*detectorCmd),
		Timeout: 2 * time.Minute,
	}
	coordinator := pipeline.NewCoordinator(detector, db, clock, pipeline.Config{
		CandidateCSV: *candidateCSV,
	}, log, pipeCollector)

	// The fetcher rewrites files in place, so only a directory is worth
	// watching; a single-file catalog is reloaded on the cycle instead.
	watchDir := ""
	if fi, err := os.Stat(*tlePath); err == nil && fi.IsDir() {
		watchDir = *tlePath
	}

	d, err := daemon.New(daemon.Deps{
		Catalog:  cat,
		KB:       transmitters,
		Windows:  predictor,
		Builder:  builder,
		Manager:  manager,
		Pipeline: coordinator,
		Journal:  db,
		Metrics:  schedCollector,
		Clock:    clock,
		Log:      log,
	}, daemon.Config{
		CycleInterval: *cycleInterval,
		WatchDir:      watchDir,
	})
	if err != nil {
		log.Error(ctx, "failed to wire daemon", logging.Err(err))
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info(ctx, "satxd starting",
		logging.String("station", st.Name),
		logging.String("device", st.DeviceID),
		logging.Int("catalog_objects", cat.Len()),
		logging.Duration("horizon", *horizon),
	)
	if err := d.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "daemon exited", logging.Err(err))
	}

	log.Info(ctx, "shutting down satxd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(ctx, shutdownTracing, log)
}

func loadStation(path string) (*model.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return station.Load(f)
}

func serveMetrics(addr string, collector *observability.PipelineCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// loadTransmitters populates the knowledge base from the configured JSON
// file. A missing or malformed file is survivable: scheduling falls back
// to band-center frequencies for every object.
func loadTransmitters(log logging.Logger, transmitters *kb.Transmitters, path string) {
	if path == "" || transmitters == nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warn(context.Background(), "skipping transmitter load",
			logging.String("path", path), logging.Err(err))
		return
	}
	defer f.Close()

	n, err := transmitters.Load(f)
	if err != nil {
		log.Warn(context.Background(), "failed to parse transmitter file",
			logging.String("path", path), logging.Err(err))
		return
	}

	log.Info(context.Background(), "loaded transmitters",
		logging.String("path", path),
		logging.Int("count", n),
	)
}
