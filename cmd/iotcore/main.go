// EasySmart IoT Core - multi-tenant device registry.
//
// This is the main entry point. The process owns the MQTT connection,
// keeps the SQLite registry in step with device traffic and serves the
// REST and WebSocket API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/easysmart/iot-core/migrations"

	"github.com/easysmart/iot-core/internal/api"
	"github.com/easysmart/iot-core/internal/audit"
	"github.com/easysmart/iot-core/internal/device"
	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/infrastructure/config"
	"github.com/easysmart/iot-core/internal/infrastructure/database"
	"github.com/easysmart/iot-core/internal/infrastructure/influxdb"
	"github.com/easysmart/iot-core/internal/infrastructure/logging"
	"github.com/easysmart/iot-core/internal/infrastructure/mqtt"
	"github.com/easysmart/iot-core/internal/presence"
	"github.com/easysmart/iot-core/internal/provisioning"
	"github.com/easysmart/iot-core/internal/statesync"
	"github.com/easysmart/iot-core/internal/tenant"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds draining of in-flight MQTT dispatches.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting EasySmart IoT Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "closing log file: %v\n", closeErr)
		}
	}()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	tenants := tenant.NewSQLiteRepository(db.DB)
	devices := device.NewSQLiteRepository(db.DB)
	entities := entity.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	mqttClient, err := mqtt.ConnectWithRetry(ctx, cfg.MQTT, log)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	router := mqtt.NewRouter(mqttClient, mqtt.RouterOptions{
		QoS:         byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		MaxInflight: cfg.Router.MaxInflight,
		Logger:      log,
	})
	if startErr := router.Start(ctx); startErr != nil {
		return fmt.Errorf("starting MQTT router: %w", startErr)
	}
	defer func() {
		log.Info("stopping MQTT router")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := router.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping MQTT router", "error", stopErr)
		}
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		router.Resync()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// InfluxDB is optional
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	engine := provisioning.NewEngine(provisioning.Deps{
		DB:       db.DB,
		Tenants:  tenants,
		Devices:  devices,
		Entities: entities,
		Audit:    auditRepo,
		Logger:   log,
	})

	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	syncDeps := statesync.Deps{
		Router:     router,
		Entities:   entities,
		Devices:    devices,
		Hub:        hub,
		Discoverer: engine,
		Logger:     log,
	}
	if influxClient != nil {
		syncDeps.Telemetry = influxClient
	}
	states := statesync.New(syncDeps)
	engine.SetBinder(states)

	if startErr := states.Start(ctx); startErr != nil {
		return fmt.Errorf("binding entity topics: %w", startErr)
	}
	log.Info("entity topics bound", "topics", states.BoundTopics())

	if cfg.Presence.Enabled {
		sweeper := presence.New(devices, cfg.Presence.Schedule, cfg.GetOfflineAfter(), log)
		sweeper.SetNotifier(states)
		if startErr := sweeper.Start(); startErr != nil {
			return fmt.Errorf("starting presence sweeper: %w", startErr)
		}
		defer func() {
			log.Info("stopping presence sweeper")
			sweeper.Stop()
		}()
		log.Info("presence sweeper started",
			"schedule", cfg.Presence.Schedule,
			"next_run", sweeper.NextRun(),
		)
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Engine:   engine,
		Devices:  devices,
		Entities: entities,
		Audit:    auditRepo,
		Commands: states,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, presence, router, InfluxDB,
	// MQTT, database.

	log.Info("EasySmart IoT Core stopped")
	return nil
}

// getConfigPath returns IOTCORE_CONFIG when set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("IOTCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
