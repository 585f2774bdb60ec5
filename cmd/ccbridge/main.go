// CC Bridge connects a ComputerCraft computer to an operator console.
//
// A computer dials in over WebSocket; operators drive it from the
// interactive prompt, the HTTP API, or the MQTT command topic. Updates the
// computer pushes are stored and fanned out to MQTT, NATS and InfluxDB when
// those are enabled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/cc-bridge/internal/api"
	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/console"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/database"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/natsbus"
	"github.com/nerrad567/cc-bridge/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is read when --config is not given. Unlike an explicit
// path it may be missing, in which case defaults apply.
const defaultConfigPath = "configs/config.yaml"

const healthCheckTimeout = 5 * time.Second

// options are the command-line flags.
type options struct {
	ConfigFile  string `short:"c" long:"config" env:"CCBRIDGE_CONFIG" description:"Path to the YAML configuration file"`
	NoConsole   bool   `long:"no-console" description:"Do not start the interactive command prompt"`
	MigrateDown bool   `long:"migrate-down" description:"Roll back the latest SQLite schema migration and exit"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Printf("ccbridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.MigrateDown {
		if err := migrateDown(ctx, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseOptions parses args. go-flags prints usage and errors itself.
func parseOptions(args []string) (*options, error) {
	opts := &options{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadConfig reads the explicit config file, or the default one if present.
func loadConfig(opts *options) (*config.Config, string, error) {
	if opts.ConfigFile != "" {
		cfg, err := config.Load(opts.ConfigFile)
		return cfg, opts.ConfigFile, err
	}
	cfg, err := config.LoadOptional(defaultConfigPath)
	return cfg, defaultConfigPath, err
}

// migrateDown rolls back the most recent schema migration of the sqlite
// store. The bridge must not be running against the same database.
func migrateDown(ctx context.Context, opts *options) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Store.Backend != config.StoreBackendSQLite {
		return fmt.Errorf("--migrate-down needs the sqlite store, configured backend is %q", cfg.Store.Backend)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Nothing left to do on failure

	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	if len(applied) == 0 {
		log.Info("no migrations to roll back", "path", cfg.Database.Path)
		return nil
	}
	latest := applied[len(applied)-1].Version

	if err := db.MigrateDown(ctx); err != nil {
		return fmt.Errorf("rolling back migration %s: %w", latest, err)
	}
	log.Info("rolled back migration", "version", latest, "path", cfg.Database.Path)
	return nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//   - opts: Parsed command-line flags
//   - in, out: Console input and output
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	log := logging.Default()
	log.Info("starting CC Bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.NoConsole {
		cfg.Console.Enabled = false
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"store", cfg.Store.Backend,
	)

	updates, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		log.Info("closing store")
		if closeErr := updates.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()
	log.Info("store ready", "backend", cfg.Store.Backend)

	sinks, err := connectSinks(cfg, log)
	if err != nil {
		return err
	}
	defer sinks.close(log)

	bridge, err := computer.New(computer.Options{
		Store:             updates,
		Sinks:             sinks.updateSinks(),
		Metrics:           sinks.metrics(),
		LinkEvents:        sinks.linkEvents(),
		Logger:            log,
		ConfirmationToken: cfg.Protocol.ConfirmationToken,
		ResponseTimeout:   cfg.ResponseTimeout(),
		UpdateCommand:     cfg.Protocol.UpdateCommand,
		VerifyCommands:    cfg.Protocol.VerifyCommands,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer bridge.Close() //nolint:errcheck // Best effort on shutdown

	if sinks.mqtt != nil {
		err := sinks.mqtt.SubscribeCommands(func(line string) error {
			_, dispatchErr := bridge.Dispatch(ctx, line)
			return dispatchErr
		})
		if err != nil {
			return fmt.Errorf("subscribing to MQTT commands: %w", err)
		}
		log.Info("accepting commands over MQTT", "topic", mqtt.Topics{}.Command())
	}

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log,
		Bridge:       bridge,
		Store:        updates,
		MQTT:         sinks.mqttStatus(),
		NATS:         sinks.natsStatus(),
		InfluxDB:     sinks.influxStatus(),
		StoreBackend: cfg.Store.Backend,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, sinks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for a computer", "address", server.Addr())

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Console.Enabled {
		prompt := &console.Console{
			In:         in,
			Out:        out,
			Prompt:     cfg.Console.Prompt,
			Dispatcher: bridge,
			Logger:     log.Component("console"),
		}
		g.Go(func() error { return prompt.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// sinks holds the optional fan-out clients. Each is nil when disabled.
type sinks struct {
	mqtt   *mqtt.Client
	nats   *natsbus.Client
	influx *influxdb.Client
}

func connectSinks(cfg *config.Config, log *logging.Logger) (*sinks, error) {
	s := &sinks{}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			s.close(log)
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttLog := log.Component("mqtt")
		client.SetLogger(mqttLog)
		client.SetOnConnect(func() { mqttLog.Info("MQTT reconnected") })
		client.SetOnDisconnect(func(err error) { mqttLog.Warn("MQTT disconnected", "error", err) })
		s.mqtt = client
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.NATS.Enabled {
		client, err := natsbus.Connect(cfg.NATS, log.Component("nats"))
		if err != nil {
			s.close(log)
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		s.nats = client
	} else {
		log.Info("NATS disabled")
	}

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			s.close(log)
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		client.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		s.influx = client
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	return s, nil
}

// The accessors below return untyped nils for disabled sinks so that
// interface nil checks downstream hold.

func (s *sinks) updateSinks() []computer.UpdateSink {
	var out []computer.UpdateSink
	if s.mqtt != nil {
		out = append(out, s.mqtt)
	}
	if s.nats != nil {
		out = append(out, s.nats)
	}
	return out
}

func (s *sinks) metrics() computer.MetricSink {
	if s.influx == nil {
		return nil
	}
	return s.influx
}

func (s *sinks) linkEvents() computer.LinkObserver {
	if s.influx == nil {
		return nil
	}
	return s.influx
}

func (s *sinks) mqttStatus() api.Connectivity {
	if s.mqtt == nil {
		return nil
	}
	return s.mqtt
}

func (s *sinks) natsStatus() api.Connectivity {
	if s.nats == nil {
		return nil
	}
	return s.nats
}

func (s *sinks) influxStatus() api.Connectivity {
	if s.influx == nil {
		return nil
	}
	return s.influx
}

func (s *sinks) close(log *logging.Logger) {
	if s.influx != nil {
		log.Info("closing InfluxDB connection")
		if err := s.influx.Close(); err != nil {
			log.Error("error closing InfluxDB", "error", err)
		}
	}
	if s.nats != nil {
		log.Info("closing NATS connection")
		if err := s.nats.Close(); err != nil {
			log.Error("error closing NATS", "error", err)
		}
	}
	if s.mqtt != nil {
		log.Info("disconnecting from MQTT")
		if err := s.mqtt.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
		}
	}
}

// healthCheck verifies every enabled sink answers.
func healthCheck(ctx context.Context, s *sinks) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if s.mqtt != nil {
		if err := s.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if s.nats != nil {
		if err := s.nats.HealthCheck(ctx); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	if s.influx != nil {
		if err := s.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
