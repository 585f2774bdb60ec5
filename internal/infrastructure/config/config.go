package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backend names accepted by store.backend.
const (
	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// Config is the root configuration structure for CC Bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	NATS      NATSConfig      `yaml:"nats"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Console   ConsoleConfig   `yaml:"console"`
}

// APIConfig contains HTTP server settings.
// The device WebSocket endpoint shares this listener.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the device WebSocket connection.
type WebSocketConfig struct {
	// Path is the upgrade path for devices. "/" shares the liveness route,
	// which is where computers connect by default.
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// ProtocolConfig contains command protocol settings.
type ProtocolConfig struct {
	// ConfirmationToken is the literal text a computer sends to confirm a command.
	ConfirmationToken string `yaml:"confirmation_token"`

	// ResponseTimeout bounds every wait for a reply (seconds).
	ResponseTimeout int `yaml:"response_timeout"`

	// VerifyCommands makes label changes wait for confirmation.
	// Off by default: computers are not required to acknowledge.
	VerifyCommands bool `yaml:"verify_commands"`

	// UpdateCommand is the bare word sent to request a state update.
	UpdateCommand string `yaml:"update_command"`
}

// StoreConfig selects the key/value backend for computer updates.
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RedisConfig contains Redis connection settings for the redis store backend.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// NATSConfig contains NATS connection settings for update fan-out.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Subject       string `yaml:"subject"`
	MaxReconnect  int    `yaml:"max_reconnect"`
	ReconnectWait int    `yaml:"reconnect_wait"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// Components overrides Level per component (computer, api, console,
	// mqtt, nats), e.g. {computer: debug} to trace frames only.
	Components map[string]string `yaml:"components"`
}

// ConsoleConfig contains settings for the interactive operator prompt.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prompt  string `yaml:"prompt"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CCBRIDGE_SECTION_KEY
// For example: CCBRIDGE_DATABASE_PATH, CCBRIDGE_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return load(data)
}

// LoadOptional behaves like Load but treats a missing file as an empty one,
// so the bridge can start on defaults and environment variables alone.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = nil
	}
	return load(data)
}

func load(data []byte) (*Config, error) {
	cfg := defaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Protocol: ProtocolConfig{
			ConfirmationToken: "true",
			ResponseTimeout:   10,
			VerifyCommands:    false,
			UpdateCommand:     "getUpdate",
		},
		Store: StoreConfig{
			Backend: StoreBackendSQLite,
		},
		Database: DatabaseConfig{
			Path:        "./data/ccbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "ccbridge:",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ccbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Subject:       "ccbridge.updates",
			MaxReconnect:  60,
			ReconnectWait: 2,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Console: ConsoleConfig{
			Enabled: true,
			Prompt:  "Command> ",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CCBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// PORT is honoured for parity with hosting platforms; CCBRIDGE_API_PORT wins.
	if v, ok := envInt("PORT"); ok {
		cfg.API.Port = v
	}
	if v, ok := envInt("CCBRIDGE_API_PORT"); ok {
		cfg.API.Port = v
	}
	if v := os.Getenv("CCBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Store
	if v := os.Getenv("CCBRIDGE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("CCBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CCBRIDGE_REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("CCBRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// MQTT
	if v := os.Getenv("CCBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CCBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CCBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// NATS
	if v := os.Getenv("CCBRIDGE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CCBRIDGE_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}

	// InfluxDB
	if v := os.Getenv("CCBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("CCBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt reads an integer environment variable. Unparseable values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Port 0 lets the OS pick a free port.
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
	}

	if c.Protocol.ConfirmationToken == "" {
		errs = append(errs, "protocol.confirmation_token is required")
	}
	if c.Protocol.ResponseTimeout <= 0 {
		errs = append(errs, "protocol.response_timeout must be positive")
	}
	if strings.TrimSpace(c.Protocol.UpdateCommand) == "" {
		errs = append(errs, "protocol.update_command is required")
	}

	switch c.Store.Backend {
	case StoreBackendSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite store")
		}
	case StoreBackendRedis:
		if c.Redis.Address == "" {
			errs = append(errs, "redis.address is required for the redis store")
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of sqlite, redis, memory", c.Store.Backend))
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.NATS.Enabled && c.NATS.Subject == "" {
		errs = append(errs, "nats.subject is required when nats is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	for name, level := range c.Logging.Components {
		if !validLogLevel(level) {
			errs = append(errs, fmt.Sprintf("logging.components.%s: unknown level %q", name, level))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ResponseTimeout returns the protocol response timeout as a Duration.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Protocol.ResponseTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
