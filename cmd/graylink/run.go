package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/graylink/internal/connection"
	"github.com/nerrad567/graylink/internal/events"
	"github.com/nerrad567/graylink/internal/infrastructure/config"
	"github.com/nerrad567/graylink/internal/infrastructure/influxdb"
	"github.com/nerrad567/graylink/internal/infrastructure/logging"
	"github.com/nerrad567/graylink/internal/keepalive"
	"github.com/nerrad567/graylink/internal/reachability"
	"github.com/nerrad567/graylink/internal/store"
)

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the connection daemon",
		Long: `Run the connection daemon until SIGINT or SIGTERM.

The daemon opens the message store, creates and connects every configured
connection, subscribes each one's topic filters after every successful
connect, and follows network reachability to suspend and resume them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, version)
			log.Info("configuration loaded", "path", path)
			return runDaemon(cmd.Context(), cfg, log)
		},
	}
}

// runDaemon is the daemon body, separated from the command for testability.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//   - cfg: Validated configuration
//   - log: Configured logger
//
// Returns:
//   - error: nil on clean shutdown, or error describing a startup failure
func runDaemon(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting graylink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	dispatcher := events.NewDispatcher()

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		dispatcher.AddGlobalListener(influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	dbCfg := databaseConfig(cfg.Database)
	registry := connection.NewRegistry(connection.Config{
		Provision: func() (store.Store, error) {
			return store.Open(dbCfg)
		},
		LinkFactory: newLinkFactory(log),
		Dispatcher:  dispatcher,
		KeepAlive: keepalive.Config{
			Resolution: cfg.KeepAlive.GetResolution(),
		},
		FastProbeDelay: cfg.KeepAlive.GetFastProbeDelay(),
		Logger:         log.With("component", "connection"),
	})
	defer func() {
		log.Info("closing connections")
		if closeErr := registry.CloseAll(); closeErr != nil {
			log.Error("error closing connections", "error", closeErr)
		}
	}()

	registry.AddGlobalListener(eventLogger(log))

	for i, cc := range cfg.Connections {
		key, err := startConnection(registry, cc, log)
		if err != nil {
			return fmt.Errorf("connections[%d]: %w", i, err)
		}
		log.Info("connection started",
			"connection", key,
			"transport", cc.Transport,
			"subscriptions", len(cc.Subscriptions),
		)
	}

	// Start reachability monitoring (optional)
	if cfg.Reachability.Enabled {
		monitor := reachability.NewMonitor(reachability.Config{
			Interval: cfg.Reachability.GetInterval(),
			Timeout:  cfg.Reachability.GetTimeout(),
		}, reachability.NewDialChecker(cfg.Reachability.ProbeAddresses, cfg.Reachability.GetTimeout()))
		monitor.SetLogger(log.With("component", "reachability"))
		monitor.AddObserver(registry)
		monitor.Start()
		defer monitor.Close()
		log.Info("reachability monitor started",
			"interval", cfg.Reachability.GetInterval(),
			"probe_addresses", cfg.Reachability.ProbeAddresses,
		)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Reachability monitor (if enabled)
	// 2. Connections and the message store
	// 3. InfluxDB (if enabled)

	return nil
}

// startConnection registers one configured connection, attaches its
// subscription listener and starts connecting.
func startConnection(registry *connection.Registry, cc config.ConnectionConfig, log *logging.Logger) (string, error) {
	identity, opts, err := connectionSettings(cc)
	if err != nil {
		return "", err
	}

	key, err := registry.GetOrCreate(identity, opts)
	if err != nil {
		return "", fmt.Errorf("creating connection: %w", err)
	}

	sub := newSubscriber(registry, key, cc.Subscriptions, opts.AckMode, log.ForConnection(key))
	if _, err := registry.AddListener(key, sub); err != nil {
		return "", fmt.Errorf("adding listener: %w", err)
	}

	if _, err := registry.Connect(key); err != nil {
		return "", fmt.Errorf("connecting: %w", err)
	}
	return key, nil
}
