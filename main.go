package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"phonepilot/adb"
	"phonepilot/api"
	"phonepilot/config"
	"phonepilot/service"
	"phonepilot/store"
	"phonepilot/vision"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	// Tasks that were mid-run when the previous process died cannot be
	// resumed; their runner state is gone.
	if _, err := db.FailRunningTasks("server restarted while task was active"); err != nil {
		logger.Error().Err(err).Msg("orphaned task recovery failed")
	}

	registry := service.NewDeviceRegistry(cfg.Registry.HeartbeatTimeout, logger)
	seedRegistry(db, registry, logger)

	adbClient := adb.NewClient(logger)
	antiDetect := adb.NewAntiDetect(adb.AntiDetectConfig{
		Enabled:           cfg.AntiDetect.Enabled,
		JitterRadius:      cfg.AntiDetect.JitterRadius,
		DelayMin:          cfg.AntiDetect.DelayMin,
		DelayMax:          cfg.AntiDetect.DelayMax,
		BezierSteps:       cfg.AntiDetect.BezierSteps,
		ControlRandomness: cfg.AntiDetect.ControlRandomness,
	})

	scanner := service.NewScanner(service.ScannerConfig{
		PortStart:        cfg.Scanner.PortStart,
		PortEnd:          cfg.Scanner.PortEnd,
		Interval:         cfg.Scanner.Interval,
		HandshakeTimeout: cfg.Scanner.HandshakeTimeout,
	}, adbClient, registry, logger)

	scheduler := service.NewScheduler(registry, logger)
	perception := service.NewPerception(adbClient, 10*time.Second, logger)
	executor := service.NewExecutor(adbClient, antiDetect, logger)

	visionCli := vision.NewClient(vision.ModelConfig{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		ModelName:   cfg.Model.ModelName,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
		TopP:        cfg.Model.TopP,
		Timeout:     cfg.Model.Timeout,
		Streaming:   cfg.Model.Streaming,
	}, logger)

	var planner service.BatchPlanner
	if p, err := vision.NewPlanner(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.ModelName, cfg.Model.Timeout); err != nil {
		logger.Warn().Err(err).Msg("planner unavailable, planned mode disabled")
	} else {
		planner = p
	}

	relay := service.NewStreamRelay(service.StreamConfig{
		Bitrate: cfg.Stream.Bitrate,
		Size:    cfg.Stream.Size,
		WarmTTL: cfg.Stream.WarmTTL,
	}, adbClient, registry, logger)

	hub := api.NewHub(ctx, relay, logger)
	relay.SetPublisher(hub)

	tasks := service.NewTaskManager(ctx,
		service.TaskDefaults{
			MaxSteps:         cfg.Task.MaxSteps,
			MaxHistoryImages: cfg.Task.MaxHistoryImages,
		},
		service.RunnerConfig{
			StepRetryLimit:    cfg.Task.StepRetryLimit,
			WallClockLimit:    cfg.Task.WallClockLimit,
			HistoryImageWidth: 512,
		},
		scheduler, registry, perception, executor, visionCli, planner, hub, db, logger)

	scanner.Start(ctx)
	registry.StartSweep(ctx, cfg.Registry.SweepInterval)
	go persistDevices(ctx, registry, db, logger)

	handlers := api.NewHandlers(registry, scanner, tasks, logger)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(handlers, hub),
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
}

// seedRegistry restores persisted device records so task accounting
// survives restarts. Liveness starts false; the first scan flips it.
func seedRegistry(db *store.Store, registry *service.DeviceRegistry, logger zerolog.Logger) {
	devices, err := db.ListDevices()
	if err != nil {
		logger.Error().Err(err).Msg("load persisted devices")
		return
	}
	for _, d := range devices {
		d.ControlConnected = false
		d.TunnelConnected = false
		registry.Register(d)
	}
	if len(devices) > 0 {
		logger.Info().Int("devices", len(devices)).Msg("device records restored")
	}
}

// persistDevices checkpoints device accounting periodically.
func persistDevices(ctx context.Context, registry *service.DeviceRegistry, db *store.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range registry.List(false) {
				if err := db.UpsertDevice(d); err != nil {
					logger.Error().Err(err).Str("device", d.ID).Msg("persist device")
				}
			}
		}
	}
}
