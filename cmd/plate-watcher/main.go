package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"plate-watcher/internal/config"
	"plate-watcher/internal/db"
	"plate-watcher/internal/dispatch"
	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/frigate"
	"plate-watcher/internal/gate"
	"plate-watcher/internal/history"
	httpapi "plate-watcher/internal/http"
	"plate-watcher/internal/match"
	"plate-watcher/internal/mqtt"
	"plate-watcher/internal/pipeline"
	"plate-watcher/internal/recognizer"
	"plate-watcher/internal/repository"
	"plate-watcher/internal/snapshot"
	"plate-watcher/internal/tracker"
)

const shutdownGracePeriod = 15 * time.Second

func main() {
	configPath := flag.String("config", "/config/config.yml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "plate-watcher: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	gdb, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	repo := repository.NewDetectionRepository(gdb)
	historySvc := history.NewService(repo, log.With().Str("component", "history").Logger())

	var engine recognizer.Engine
	if cfg.UsesPlateRecognizer() {
		engine = recognizer.NewPlateRecognizer(*cfg.PlateRecognizer, log.With().Str("component", "plate_recognizer").Logger())
		log.Info().Msg("using Plate Recognizer API")
	} else {
		engine = recognizer.NewCodeProject(*cfg.CodeProject, log.With().Str("component", "code_project").Logger())
		log.Info().Msg("using CodeProject.AI API")
	}

	tr := tracker.New(cfg.Tracker.TTL, log.With().Str("component", "tracker").Logger())
	g := gate.New(tr, gate.Config{
		ScoreDeltaThreshold: cfg.Dispatch.ScoreDeltaThreshold,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
	}, log.With().Str("component", "gate").Logger())

	dispatcher := dispatch.New(engine, dispatch.Config{
		MaxWorkers:     cfg.Dispatch.MaxWorkers,
		QueueSize:      cfg.Dispatch.QueueSize,
		EnqueueTimeout: cfg.Dispatch.EnqueueTimeout,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		BackoffBase:    cfg.Dispatch.BackoffBase,
		BackoffMax:     cfg.Dispatch.BackoffMax,
		JitterFactor:   cfg.Dispatch.JitterFactor,
	}, log.With().Str("component", "dispatch").Logger())

	frigateClient := frigate.NewClient(cfg.Frigate.URL, cfg.Frigate.RequestTimeout, log.With().Str("component", "frigate").Logger())
	snapshotStore := snapshot.NewStore(cfg.Snapshots.Dir, log.With().Str("component", "snapshots").Logger())
	matcher := match.New(cfg.WatchList.Plates, cfg.WatchList.FuzzyMatch)

	// ingestCtx stops new work on the first signal; workerCtx gives
	// in-flight dispatches a grace period before hard cancellation.
	ingestCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// The MQTT client and the pipeline reference each other (ingestion
	// handler one way, result publisher the other); the handler closure
	// only fires after Connect, when both are assigned.
	var pl *pipeline.Pipeline
	mqttClient := mqtt.NewClient(cfg.MQTT, func(ev plate.LifecycleEvent) {
		pl.HandleEvent(workerCtx, ev)
	}, log.With().Str("component", "mqtt").Logger())

	pl = pipeline.New(
		pipeline.Config{
			Cameras:              cfg.Frigate.Cameras,
			Zones:                cfg.Frigate.Zones,
			Objects:              cfg.Frigate.Objects,
			FrigatePlus:          cfg.Frigate.Plus,
			LicensePlateMinScore: cfg.Frigate.LicensePlateMinScore,
			MinScore:             cfg.Frigate.MinScore,
			SaveSnapshots:        cfg.Snapshots.Save,
			AlwaysSaveSnapshot:   cfg.Snapshots.AlwaysSave,
		},
		tr, g, dispatcher, matcher,
		frigateClient, frigateClient,
		mqttClient,
		historySvc, snapshotStore,
		log.With().Str("component", "pipeline").Logger(),
	)

	go tr.Run(ingestCtx.Done(), cfg.Tracker.SweepInterval)
	go dispatcher.Run(workerCtx)

	if err := mqttClient.Connect(ingestCtx); err != nil {
		return err
	}
	log.Info().Str("broker", cfg.MQTT.BrokerURL()).Msg("plate-watcher started")

	router := httpapi.NewRouter(cfg.HTTP, historySvc, mqttClient.Connected, log.With().Str("component", "http").Logger())
	srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	<-ingestCtx.Done()
	log.Info().Msg("shutdown signal received, draining")

	// Stop ingestion first, then let in-flight dispatches finish within
	// the grace period. Nothing is published after the workers stop.
	mqttClient.Close()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancelDrain()
	if err := dispatcher.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("grace period expired with dispatches still in flight")
	}
	cancelWorkers()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown failed")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
