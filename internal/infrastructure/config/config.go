package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in connection entries.
const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
)

// Ack mode names accepted in connection entries.
const (
	AckModeAuto   = "auto"
	AckModeManual = "manual"
)

// Defaults applied to connection entries that leave a field unset.
const (
	defaultNamespace      = "graylink"
	defaultKeepAlive      = 60
	defaultConnectTimeout = 30
	defaultBufferCapacity = 5000
	maxQoS                = 2
)

// Config is the root configuration structure for graylink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	KeepAlive    KeepAliveConfig    `yaml:"keepalive"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Connections  []ConnectionConfig `yaml:"connections"`
}

// DatabaseConfig contains settings for the SQLite message store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Synchronous is the SQLite synchronous pragma: "NORMAL" or "FULL".
	// FULL fsyncs every commit so stored messages survive power loss.
	Synchronous string `yaml:"synchronous"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// KeepAliveConfig contains keep-alive scheduler settings.
type KeepAliveConfig struct {
	// Resolution is how often the scheduler checks deadlines (milliseconds).
	Resolution int `yaml:"resolution"`

	// FastProbeDelay is the delay before the reconnection probe that follows
	// a lost connection (milliseconds).
	FastProbeDelay int `yaml:"fast_probe_delay"`
}

// ReachabilityConfig contains network reachability monitor settings.
type ReachabilityConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Interval       int      `yaml:"interval"`
	Timeout        int      `yaml:"timeout"`
	ProbeAddresses []string `yaml:"probe_addresses"`
}

// InfluxDBConfig contains InfluxDB connection settings for connection telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// ConnectionConfig describes one managed connection started by the daemon.
type ConnectionConfig struct {
	Endpoint  string `yaml:"endpoint"`
	ClientID  string `yaml:"client_id"`
	Namespace string `yaml:"namespace"`
	Transport string `yaml:"transport"`

	CleanSession       bool   `yaml:"clean_session"`
	AutomaticReconnect bool   `yaml:"automatic_reconnect"`
	KeepAlive          int    `yaml:"keep_alive"`
	ConnectTimeout     int    `yaml:"connect_timeout"`
	AckMode            string `yaml:"ack_mode"`

	Buffer BufferConfig `yaml:"buffer"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// BufferConfig controls publishing while disconnected.
type BufferConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
}

// SubscriptionConfig is a topic filter subscribed after every connect.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   int    `yaml:"qos"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
// For example: GRAYLINK_DATABASE_PATH, GRAYLINK_LOGGING_LEVEL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyConnectionDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/graylink.db",
			WALMode:     true,
			BusyTimeout: 5,
			Synchronous: "NORMAL",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		KeepAlive: KeepAliveConfig{
			Resolution:     1000,
			FastProbeDelay: 100,
		},
		Reachability: ReachabilityConfig{
			Enabled:  true,
			Interval: 10,
			Timeout:  3,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
	}
}

// applyConnectionDefaults fills unset fields of each connection entry.
// YAML decoding replaces the whole slice, so per-entry defaults cannot
// live in defaultConfig.
func applyConnectionDefaults(cfg *Config) {
	for i := range cfg.Connections {
		c := &cfg.Connections[i]
		if c.Namespace == "" {
			c.Namespace = defaultNamespace
		}
		if c.Transport == "" {
			c.Transport = TransportMQTT
		}
		if c.AckMode == "" {
			c.AckMode = AckModeAuto
		}
		if c.KeepAlive == 0 {
			c.KeepAlive = defaultKeepAlive
		}
		if c.ConnectTimeout == 0 {
			c.ConnectTimeout = defaultConnectTimeout
		}
		if c.Buffer.Enabled && c.Buffer.Capacity == 0 {
			c.Buffer.Capacity = defaultBufferCapacity
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GRAYLINK_DATABASE_SYNCHRONOUS"); v != "" {
		cfg.Database.Synchronous = v
	}

	// Logging
	if v := os.Getenv("GRAYLINK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLINK_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("GRAYLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Broker credentials apply to every connection that has none of its own.
	username := os.Getenv("GRAYLINK_CONNECTION_USERNAME")
	password := os.Getenv("GRAYLINK_CONNECTION_PASSWORD")
	if username != "" {
		for i := range cfg.Connections {
			if cfg.Connections[i].Username == "" {
				cfg.Connections[i].Username = username
				cfg.Connections[i].Password = password
			}
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	switch strings.ToUpper(c.Database.Synchronous) {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, "database.synchronous must be OFF, NORMAL, FULL, or EXTRA")
	}

	// Keep-alive validation
	if c.KeepAlive.Resolution <= 0 {
		errs = append(errs, "keepalive.resolution must be positive")
	}
	if c.KeepAlive.FastProbeDelay < 0 {
		errs = append(errs, "keepalive.fast_probe_delay must not be negative")
	}

	// Reachability validation
	if c.Reachability.Enabled {
		if c.Reachability.Interval <= 0 {
			errs = append(errs, "reachability.interval must be positive")
		}
		if c.Reachability.Timeout <= 0 {
			errs = append(errs, "reachability.timeout must be positive")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	// Connection validation
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		errs = append(errs, conn.validate(i)...)

		id := conn.Endpoint + ":" + conn.ClientID + ":" + conn.Namespace
		if seen[id] {
			errs = append(errs, fmt.Sprintf("connections[%d] duplicates an earlier endpoint/client_id/namespace", i))
		}
		seen[id] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate checks a single connection entry. Index i is used in messages.
func (cc ConnectionConfig) validate(i int) []string {
	var errs []string
	prefix := fmt.Sprintf("connections[%d]", i)

	if cc.ClientID == "" {
		errs = append(errs, prefix+".client_id is required")
	}

	var schemes []string
	switch cc.Transport {
	case TransportMQTT:
		schemes = []string{"tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"}
	case TransportWebSocket:
		schemes = []string{"ws", "wss"}
	default:
		errs = append(errs, prefix+".transport must be mqtt or websocket")
	}

	if cc.Endpoint == "" {
		errs = append(errs, prefix+".endpoint is required")
	} else if schemes != nil {
		u, err := url.Parse(cc.Endpoint)
		if err != nil || !containsString(schemes, u.Scheme) {
			errs = append(errs, fmt.Sprintf("%s.endpoint must use one of: %s", prefix, strings.Join(schemes, ", ")))
		}
	}

	if cc.AckMode != AckModeAuto && cc.AckMode != AckModeManual {
		errs = append(errs, prefix+".ack_mode must be auto or manual")
	}
	if cc.KeepAlive < 0 {
		errs = append(errs, prefix+".keep_alive must not be negative")
	}
	if cc.Buffer.Capacity < 0 {
		errs = append(errs, prefix+".buffer.capacity must not be negative")
	}
	for j, sub := range cc.Subscriptions {
		if sub.Topic == "" {
			errs = append(errs, fmt.Sprintf("%s.subscriptions[%d].topic is required", prefix, j))
		}
		if sub.QoS < 0 || sub.QoS > maxQoS {
			errs = append(errs, fmt.Sprintf("%s.subscriptions[%d].qos must be 0, 1, or 2", prefix, j))
		}
	}

	return errs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetResolution returns the keep-alive scheduler resolution as a Duration.
func (k KeepAliveConfig) GetResolution() time.Duration {
	return time.Duration(k.Resolution) * time.Millisecond
}

// GetFastProbeDelay returns the post-loss reconnection probe delay as a Duration.
func (k KeepAliveConfig) GetFastProbeDelay() time.Duration {
	return time.Duration(k.FastProbeDelay) * time.Millisecond
}

// GetInterval returns the reachability check interval as a Duration.
func (r ReachabilityConfig) GetInterval() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// GetTimeout returns the per-probe dial timeout as a Duration.
func (r ReachabilityConfig) GetTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetKeepAlive returns the connection keep-alive interval as a Duration.
func (cc ConnectionConfig) GetKeepAlive() time.Duration {
	return time.Duration(cc.KeepAlive) * time.Second
}

// GetConnectTimeout returns the connection attempt timeout as a Duration.
func (cc ConnectionConfig) GetConnectTimeout() time.Duration {
	return time.Duration(cc.ConnectTimeout) * time.Second
}
