package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/config"
	"meshrelay/internal/constants"
	"meshrelay/internal/database"
	"meshrelay/internal/retry"
	"meshrelay/internal/service"
	"meshrelay/internal/tracing"
	"meshrelay/pkg/remote"
	"meshrelay/pkg/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	meshAddr   = flag.String("mesh-addr", ":9460", "Mesh transport listen address")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("meshrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting meshrelay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultDatabaseBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultDatabaseMaxBackoffMs * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnf("Failed to close database: %v", closeErr)
		}
	}()

	eventBus := bus.New()

	meshTransport := transport.NewTCPTransport(cfg.DeviceID, *meshAddr, logger)
	if err := meshTransport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mesh transport: %w", err)
	}

	store := service.NewMessageStore(db, eventBus, logger)
	resolver := service.NewSessionResolver(db, eventBus, logger)
	queue := service.NewDeliveryQueue(meshTransport, db, store, eventBus, logger)
	queue.SetCaps(cfg.Queue.PerDeviceCap, cfg.Queue.GlobalCap)
	queue.SetSweepInterval(time.Duration(cfg.Queue.SweepSec) * time.Second)
	monitor := service.NewQualityMonitor(meshTransport, eventBus, logger)
	monitor.SetProbeConfig(
		time.Duration(cfg.Quality.PingIntervalSec)*time.Second,
		time.Duration(cfg.Quality.PingTimeoutSec)*time.Second,
		cfg.Quality.LossWindowSize,
	)
	reconnect := service.NewReconnectManager(meshTransport, monitor, eventBus, logger)
	reconnect.SetBackoff(time.Duration(cfg.Reconnect.BaseDelaySec)*time.Second, cfg.Reconnect.MaxAttempts)
	ranker := service.NewDeviceRanker()
	scheduler := service.NewScheduler(db, resolver, cfg.RetentionDays, logger)

	var connectivity *service.HTTPConnectivity
	var syncCoordinator *service.SyncCoordinator
	if cfg.Sync.Enabled {
		authToken := os.Getenv("MESHRELAY_SYNC_TOKEN")
		remoteClient := remote.NewHTTPClient(cfg.Sync.RemoteBaseURL, authToken, nil, logger)
		connectivity = service.NewHTTPConnectivity(cfg.Sync.RemoteBaseURL, time.Duration(cfg.Sync.IntervalSec)*time.Second/2, logger)
		syncCoordinator = service.NewSyncCoordinator(db, remoteClient, store, connectivity, eventBus, logger)
		syncCoordinator.SetTuning(
			time.Duration(cfg.Sync.IntervalSec)*time.Second,
			cfg.Sync.BatchSize,
			cfg.Sync.MaxAttempts,
			cfg.Sync.EntryMaxAgeHrs,
		)
		logger.WithField("remote", cfg.Sync.RemoteBaseURL).Info("Cloud sync enabled")
	} else {
		logger.Info("Cloud sync is disabled")
	}

	engine := service.NewEngine(service.EngineDeps{
		DeviceID:     cfg.DeviceID,
		Store:        store,
		Resolver:     resolver,
		Queue:        queue,
		Monitor:      monitor,
		Reconnect:    reconnect,
		Ranker:       ranker,
		Sync:         syncCoordinator,
		Scheduler:    scheduler,
		Transport:    meshTransport,
		Connectivity: connectivity,
		Bus:          eventBus,
		Logger:       logger,
	})

	meshTransport.SetOnDisconnect(func(deviceID string) {
		engine.OnDeviceDisconnected(ctx, deviceID)
	})

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	if cfg.EmergencyMode {
		engine.SetEmergencyMode(true)
	}

	server := NewServer(engine, eventBus, cfg.Server, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server shutdown error: %v", err)
	}

	return nil
}
