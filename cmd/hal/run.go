package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/hal-core/internal/api"
	"github.com/nerrad567/hal-core/internal/entity"
	"github.com/nerrad567/hal-core/internal/hass"
	"github.com/nerrad567/hal-core/internal/infrastructure/config"
	"github.com/nerrad567/hal-core/internal/infrastructure/database"
	"github.com/nerrad567/hal-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/hal-core/internal/infrastructure/logging"
	"github.com/nerrad567/hal-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hal-core/internal/metrics"
	"github.com/nerrad567/hal-core/internal/sandbox"
	"github.com/nerrad567/hal-core/internal/script"
	"github.com/nerrad567/hal-core/migrations"
)

// pruneInterval is how often old run history is deleted.
const pruneInterval = time.Hour

// transport is a snapshot source that also carries outbound commands.
type transport interface {
	script.SnapshotSource
	script.CommandSink
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting HAL",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"environment", cfg.Environment,
	)

	collector := metrics.New()
	recorders := script.Recorders{collector}
	checks := map[string]api.HealthCheckFunc{}

	// Run history (optional)
	var runs api.RunSource
	if cfg.Database.Enabled {
		db, openErr := database.Open(database.ConfigFrom(cfg.Database))
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("run history database ready", "path", db.Path())

		repo := script.NewSQLiteRunRepository(db.DB)
		recorders = append(recorders, repo)
		runs = repo
		checks["database"] = db.HealthCheck

		if cfg.Database.RetentionDays > 0 {
			retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
			go pruneLoop(ctx, repo, retention, pruneInterval, log)
		}
	} else {
		log.Info("run history disabled")
	}

	// Run telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorders = append(recorders, influxClient)
		checks["influxdb"] = influxClient.HealthCheck
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Transport
	var tr transport
	switch cfg.Transport.Type {
	case config.TransportMQTT:
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge := hass.NewMQTTBridge(mqttClient, mqttClient.Topics())
		bridge.SetLogger(log.With("component", "transport"))
		tr = bridge
		checks["transport"] = bridge.HealthCheck
		log.Info("MQTT transport ready",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"prefix", cfg.MQTT.TopicPrefix,
		)
	default:
		client, clientErr := hass.NewClient(cfg.HomeAssistant)
		if clientErr != nil {
			return fmt.Errorf("creating Home Assistant client: %w", clientErr)
		}
		client.SetLogger(log.With("component", "transport"))
		tr = client
		checks["transport"] = client.HealthCheck
		log.Info("Home Assistant transport ready", "url", client.URL())
	}

	// Live run stream
	hub := api.NewHub(cfg.API.WebSocket, log)
	recorders = append(recorders, hub)

	// Unit registry
	registry := script.NewRegistry(sandbox.New(), script.Options{
		Dir:           cfg.Scripts.Folder,
		Extension:     cfg.Scripts.Extension,
		PrivatePrefix: cfg.Scripts.PrivatePrefix,
		Environment:   cfg.Environment,
		Timeout:       cfg.ScriptTimeout(),
		CallTimeout:   time.Duration(cfg.HomeAssistant.CallTimeout) * time.Second,
		PruneRemoved:  cfg.Scripts.PruneRemoved,
		LogOutput:     cfg.Scripts.LogOutput,
		Location:      cfg.Location(),
	})
	registry.SetLogger(log.With("component", "script"))
	registry.SetCommandSink(collector.InstrumentSink(tr))
	registry.SetRecorder(recorders)
	registry.SetDispatchObserver(func(change entity.Change) {
		collector.ObserveSnapshot(len(change.Keys))
		hub.PublishChange(change)
	})
	if regErr := collector.RegisterUnitGauge(func() float64 { return float64(len(registry.Units())) }); regErr != nil {
		return fmt.Errorf("registering unit gauge: %w", regErr)
	}

	if startErr := registry.Start(ctx); startErr != nil {
		return fmt.Errorf("starting unit registry: %w", startErr)
	}
	defer registry.Stop()

	watcher := script.NewWatcher(cfg.Scripts.Folder, cfg.DebounceWindow(), registry.HandleDirectoryChange)
	watcher.SetLogger(log.With("component", "watcher"))
	go func() {
		if watchErr := watcher.Run(ctx); watchErr != nil {
			log.Error("unit folder watcher stopped", "error", watchErr)
		}
	}()

	// Status API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Units:   registry,
			Runs:    runs,
			Metrics: collector.Handler(),
			Checks:  checks,
			Hub:     hub,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		go hub.Run(ctx)
	}

	log.Info("initialisation complete, subscribing to entity snapshots")

	// Blocks until shutdown. Snapshots are handled one at a time.
	subErr := tr.Subscribe(ctx, func(snap entity.Snapshot) {
		registry.OnSnapshot(ctx, snap)
	})
	if subErr != nil && !errors.Is(subErr, context.Canceled) {
		return fmt.Errorf("snapshot subscription: %w", subErr)
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, registry, transport,
	// InfluxDB, database.

	log.Info("HAL stopped")
	return nil
}

// pruneLoop deletes run history older than retention, once at start and
// then every interval, until ctx is cancelled.
func pruneLoop(ctx context.Context, repo script.RunRepository, retention, interval time.Duration, log *logging.Logger) {
	prune := func() {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("pruning run history failed", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("pruned run history", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
