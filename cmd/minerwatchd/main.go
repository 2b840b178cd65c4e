// Command minerwatchd is the main executable for the minerwatch backend service.
// It initializes the database, the evidence collectors, the verifier and its
// scheduler, the optional MQTT bridge, and the HTTP API server, and handles
// graceful shutdown when terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"minerwatch/internal/api"
	"minerwatch/internal/auth"
	"minerwatch/internal/cache"
	"minerwatch/internal/collectors"
	"minerwatch/internal/config"
	"minerwatch/internal/database"
	"minerwatch/internal/fusion"
	"minerwatch/internal/logging"
	"minerwatch/internal/maintenance"
	"minerwatch/internal/metrics"
	"minerwatch/internal/mqtt"
	"minerwatch/internal/verifier"
)

// flags holds the parsed command line
type flags struct {
	configPath string
	envFile    string
	logLevel   string
	initConfig string
}

// parseFlags parses command line arguments
func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("minerwatchd", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "configs/config.yaml", "Path to configuration file")
	fs.StringVar(&f.envFile, "env-file", ".env", "Path to an optional .env file")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	fs.StringVar(&f.initConfig, "init-config", "", "Write the default configuration to this path and exit")
	err := fs.Parse(args)
	return f, err
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if f.initConfig != "" {
		if err := config.New().SaveConfig(f.initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default configuration to %s\n", f.initConfig)
		return
	}

	if err := config.LoadEnvFile(f.envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", f.envFile, err)
		os.Exit(1)
	}

	cfg := config.New()
	if err := cfg.LoadConfig(f.configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %s: %v\n", f.configPath, err)
		os.Exit(1)
	}

	logOpts := logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	if f.logLevel != "" {
		logOpts.Level = f.logLevel
	}
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info().Str("config", f.configPath).Msg("Starting minerwatch")

	// Initialize database
	logger.Info().Str("path", cfg.Database.Path).Msg("Initializing database")
	db, err := database.New(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	var lookupCache *cache.Cache
	if cfg.Cache.Enabled {
		lookupCache, err = cache.New(cfg.Cache.MaxEntries)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create lookup cache")
		}
		defer lookupCache.Close()
	}

	geo, closeGeo := newGeoLookup(cfg, lookupCache, logger)
	defer closeGeo()

	network := newNetworkScanner(cfg, lookupCache, logger)

	readings := collectors.NewReadingBuffer(cfg.Collectors.RF.BufferSize, cfg.Collectors.RF.MaxDevices)
	rf := collectors.NewBufferedRF(readings, collectors.RFConfig{
		CalibrationWindow: config.Duration(cfg.Collectors.RF.CalibrationWindow, 60*time.Second),
		SampleWindow:      config.Duration(cfg.Collectors.RF.SampleWindow, 5*time.Second),
	}, nil, logger)

	w := cfg.Verifier.Weights
	fuser := fusion.NewFuser(fusion.Weights{Network: w.Network, RF: w.RF, Geo: w.Geo, History: w.History}, cfg.Verifier.CapSubScores)

	v := verifier.New(db, geo, network, rf, fuser, verifier.Options{
		MaxInFlight:    cfg.Verifier.MaxInFlight,
		DeviceTimeout:  config.Duration(cfg.Verifier.DeviceTimeout, 15*time.Second),
		BatchTimeout:   config.Duration(cfg.Verifier.BatchTimeout, verifier.DefaultBatchTimeout),
		DeltaThreshold: cfg.Verifier.DeltaThreshold,
	}, logger)
	v.AddObserver(verifier.NewHistoryRecorder(db, logger))
	v.AddObserver(verifier.NewAlerter(db, cfg.Verifier.AlertThreshold, logger))
	if cfg.Advanced.MetricsEnabled {
		v.AddObserver(verifier.MetricsObserver{})
	}

	// MQTT bridge: RF readings in, confidence updates out
	var broker *mqtt.Client
	if cfg.MQTT.Enabled {
		broker, err = mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("broker", cfg.MQTT.Broker).Msg("Failed to connect to MQTT broker")
		}
		defer broker.Close()

		sub := mqtt.NewSubscriber(broker.Native(), cfg.MQTT.ReadingsTopic, readings, logger)
		if err := broker.AddSubscription(sub.Subscribe); err != nil {
			logger.Fatal().Err(err).Msg("Failed to subscribe to RF readings")
		}
		v.AddObserver(mqtt.NewPublisher(broker.Native(), cfg.MQTT.ConfidenceTopic, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Baselines need the calibration window to fill with readings
	go func() {
		n, err := rf.Calibrate(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("RF calibration did not complete")
			return
		}
		logger.Info().Int("devices", n).Msg("RF calibration finished")
	}()

	// The status handler takes an untyped nil when the scheduler is off
	var reporter api.RunReporter
	var scheduler *verifier.Scheduler
	if cfg.Verifier.EnableScheduler {
		interval, err := cfg.GetVerifyInterval()
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid verification interval")
		}
		scheduler = verifier.NewScheduler(v, db, interval, logger)
		scheduler.Start()
		reporter = scheduler
	}

	maintenanceInterval, err := cfg.GetMaintenanceInterval()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid maintenance interval")
	}
	upkeep := maintenance.New(db, maintenance.Options{
		Interval:      maintenanceInterval,
		RetentionDays: cfg.Database.DataRetentionDays,
		BackupDir:     cfg.Database.BackupDir,
		Cleanup:       cfg.Maintenance.CleanupOldData,
		Optimize:      cfg.Maintenance.DatabaseOptimize,
		Backup:        cfg.Maintenance.DatabaseBackup,
	}, logger)
	upkeep.Start()

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Duration(cfg.Auth.SessionTimeout)*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create token manager")
	}
	var creds *auth.Credentials
	if cfg.Auth.PasswordHash != "" {
		creds, err = auth.NewCredentials(cfg.Auth.Username, cfg.Auth.PasswordHash)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid admin credentials")
		}
	} else {
		logger.Warn().Msg("No admin password hash configured; token endpoint is disabled")
	}

	var connection api.ConnectionReporter
	if broker != nil {
		connection = broker
	}
	router := newRouter(cfg, tokens, creds, v, db, reporter, connection, logger)

	// Set up CORS
	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(panicLogger{logger}), handlers.PrintRecoveryStack(false))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      recovery(corsMiddleware(router)),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// SIGHUP reloads the config file; SIGINT and SIGTERM shut down
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signalChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
			break
		}
		reloadConfig(cfg, f.logLevel, logger)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if scheduler != nil {
		logger.Info().Msg("Stopping scheduler")
		scheduler.Stop()
	}
	upkeep.Stop()

	// Optimize database before exit
	logger.Info().Msg("Optimizing database before exit")
	if err := db.OptimizeDatabase(); err != nil {
		logger.Error().Err(err).Msg("Database optimization failed")
	}

	logger.Info().Msg("minerwatch has been shut down gracefully")
}

// reloadConfig re-reads the config file and applies its log level, unless
// the level was pinned on the command line
func reloadConfig(cfg *config.Config, pinnedLevel string, logger zerolog.Logger) {
	if err := cfg.Reload(); err != nil {
		logger.Error().Err(err).Msg("Configuration reload failed, keeping current settings")
		return
	}
	if pinnedLevel != "" {
		logger.Info().Str("level", pinnedLevel).Msg("Configuration reloaded; log level pinned by flag")
		return
	}
	level := logging.SetLevel(cfg.LogLevel())
	logger.Info().Str("level", level.String()).Msg("Configuration reloaded")
}

// newGeoLookup builds the geolocation chain: the local MaxMind database when
// configured, then the HTTP provider. The returned func closes the database.
func newGeoLookup(cfg *config.Config, c *cache.Cache, logger zerolog.Logger) (collectors.GeoLookup, func()) {
	var providers []collectors.GeoProvider
	closer := func() {}

	if path := cfg.Collectors.Geo.DatabasePath; path != "" {
		mm, err := collectors.NewMaxMindGeo(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("MaxMind database unavailable, using HTTP provider only")
		} else {
			providers = append(providers, mm)
			closer = func() { mm.Close() }
		}
	}
	if cfg.Collectors.Geo.ProviderURL != "" {
		providers = append(providers, collectors.NewHTTPGeo(cfg.Collectors.Geo.ProviderURL,
			config.Duration(cfg.Collectors.Geo.Timeout, 5*time.Second), logger))
	}

	var geo collectors.GeoLookup = collectors.NewChainGeo(geoBounds(cfg.Collectors.Geo.Bounds), logger, providers...)
	if c != nil {
		geo = collectors.NewCachedGeo(geo, c, config.Duration(cfg.Cache.TTL, 30*time.Second), logger)
	}
	return geo, closer
}

// newNetworkScanner builds the port prober with host traffic sampling
func newNetworkScanner(cfg *config.Config, c *cache.Cache, logger zerolog.Logger) collectors.NetworkScanner {
	n := cfg.Collectors.Network
	traffic := collectors.NewHostTrafficSource(n.LinkCapacity, config.Duration(n.SampleInterval, time.Second), n.Ports)

	var scanner collectors.NetworkScanner = collectors.NewPortProber(collectors.ProberConfig{
		Ports:          n.Ports,
		ConnectTimeout: config.Duration(n.ConnectTimeout, time.Second),
		RateLimit:      n.RateLimit,
	}, traffic, logger)
	if c != nil {
		scanner = collectors.NewCachedNetwork(scanner, c, config.Duration(cfg.Cache.TTL, 30*time.Second), logger)
	}
	return scanner
}

// newRouter registers every API group and the metrics endpoint
func newRouter(cfg *config.Config, tokens *auth.TokenManager, creds *auth.Credentials, v *verifier.Verifier,
	db *database.DB, reporter api.RunReporter, connection api.ConnectionReporter, logger zerolog.Logger) http.Handler {
	var public []string
	if cfg.Advanced.MetricsEnabled {
		public = append(public, cfg.Advanced.MetricsEndpoint)
	}

	status := api.NewStatusHandler(db, reporter, cfg, logger)
	if connection != nil {
		status.WithBroker(connection)
	}

	router := api.NewRouter(tokens, logger, public,
		api.NewAuthHandler(tokens, creds, logger),
		api.NewMinerHandler(v, db, logger),
		api.NewDeviceHandler(db, logger),
		status,
	)

	if cfg.Advanced.MetricsEnabled {
		router.Handle(cfg.Advanced.MetricsEndpoint, metrics.Handler()).Methods("GET")
	}
	return router
}

func geoBounds(b config.Bounds) collectors.Bounds {
	return collectors.Bounds{North: b.North, South: b.South, East: b.East, West: b.West}
}

// panicLogger routes recovered handler panics into the structured log
type panicLogger struct {
	logger zerolog.Logger
}

func (p panicLogger) Println(v ...interface{}) {
	p.logger.Error().Msg(fmt.Sprint(v...))
}
