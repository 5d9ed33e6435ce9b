package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
  synchronous: "FULL"
connections:
  - endpoint: "tcp://localhost:1883"
    client_id: "sensor-gw"
    clean_session: false
    automatic_reconnect: true
    ack_mode: "manual"
    subscriptions:
      - topic: "sensors/#"
        qos: 1
  - endpoint: "wss://push.example.com/feed"
    client_id: "feed"
    transport: "websocket"
    buffer:
      enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Database.Synchronous != "FULL" {
		t.Errorf("Database.Synchronous = %q, want %q", cfg.Database.Synchronous, "FULL")
	}
	if len(cfg.Connections) != 2 {
		t.Fatalf("len(Connections) = %d, want 2", len(cfg.Connections))
	}

	broker := cfg.Connections[0]
	if broker.Transport != TransportMQTT {
		t.Errorf("Connections[0].Transport = %q, want %q", broker.Transport, TransportMQTT)
	}
	if broker.Namespace != defaultNamespace {
		t.Errorf("Connections[0].Namespace = %q, want %q", broker.Namespace, defaultNamespace)
	}
	if broker.AckMode != AckModeManual {
		t.Errorf("Connections[0].AckMode = %q, want %q", broker.AckMode, AckModeManual)
	}
	if broker.GetKeepAlive() != 60*time.Second {
		t.Errorf("Connections[0].GetKeepAlive() = %v, want 60s", broker.GetKeepAlive())
	}
	if len(broker.Subscriptions) != 1 || broker.Subscriptions[0].Topic != "sensors/#" {
		t.Errorf("Connections[0].Subscriptions = %+v, want sensors/#", broker.Subscriptions)
	}

	socket := cfg.Connections[1]
	if socket.AckMode != AckModeAuto {
		t.Errorf("Connections[1].AckMode = %q, want %q", socket.AckMode, AckModeAuto)
	}
	if socket.Buffer.Capacity != defaultBufferCapacity {
		t.Errorf("Connections[1].Buffer.Capacity = %d, want %d", socket.Buffer.Capacity, defaultBufferCapacity)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
connections:
  - endpoint: "http://localhost:1883"
    client_id: ""
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"client_id is required", "endpoint must use one of"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %v, want it to mention %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Connections = []ConnectionConfig{{
			Endpoint:  "tcp://broker:1883",
			ClientID:  "c1",
			Namespace: "graylink",
			Transport: TransportMQTT,
			AckMode:   AckModeAuto,
			KeepAlive: 60,
		}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "unknown synchronous mode",
			mutate:  func(c *Config) { c.Database.Synchronous = "SOMETIMES" },
			wantErr: true,
		},
		{
			name:    "zero keepalive resolution",
			mutate:  func(c *Config) { c.KeepAlive.Resolution = 0 },
			wantErr: true,
		},
		{
			name:    "reachability interval zero while enabled",
			mutate:  func(c *Config) { c.Reachability.Interval = 0 },
			wantErr: true,
		},
		{
			name: "reachability interval ignored while disabled",
			mutate: func(c *Config) {
				c.Reachability.Enabled = false
				c.Reachability.Interval = 0
			},
			wantErr: false,
		},
		{
			name:    "influxdb enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Connections[0].Transport = "carrier-pigeon" },
			wantErr: true,
		},
		{
			name:    "websocket transport with tcp endpoint",
			mutate:  func(c *Config) { c.Connections[0].Transport = TransportWebSocket },
			wantErr: true,
		},
		{
			name:    "invalid ack mode",
			mutate:  func(c *Config) { c.Connections[0].AckMode = "sometimes" },
			wantErr: true,
		},
		{
			name: "invalid subscription qos",
			mutate: func(c *Config) {
				c.Connections[0].Subscriptions = []SubscriptionConfig{{Topic: "a/b", QoS: 3}}
			},
			wantErr: true,
		},
		{
			name: "duplicate identity",
			mutate: func(c *Config) {
				c.Connections = append(c.Connections, c.Connections[0])
			},
			wantErr: true,
		},
		{
			name: "same endpoint different namespace",
			mutate: func(c *Config) {
				dup := c.Connections[0]
				dup.Namespace = "other"
				c.Connections = append(c.Connections, dup)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetDurations(t *testing.T) {
	k := KeepAliveConfig{Resolution: 250, FastProbeDelay: 100}
	if got := k.GetResolution(); got != 250*time.Millisecond {
		t.Errorf("GetResolution() = %v, want 250ms", got)
	}
	if got := k.GetFastProbeDelay(); got != 100*time.Millisecond {
		t.Errorf("GetFastProbeDelay() = %v, want 100ms", got)
	}

	r := ReachabilityConfig{Interval: 10, Timeout: 3}
	if got := r.GetInterval(); got != 10*time.Second {
		t.Errorf("GetInterval() = %v, want 10s", got)
	}
	if got := r.GetTimeout(); got != 3*time.Second {
		t.Errorf("GetTimeout() = %v, want 3s", got)
	}

	cc := ConnectionConfig{KeepAlive: 30, ConnectTimeout: 5}
	if got := cc.GetKeepAlive(); got != 30*time.Second {
		t.Errorf("GetKeepAlive() = %v, want 30s", got)
	}
	if got := cc.GetConnectTimeout(); got != 5*time.Second {
		t.Errorf("GetConnectTimeout() = %v, want 5s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()
	cfg.Connections = []ConnectionConfig{
		{ClientID: "anon"},
		{ClientID: "own", Username: "alice", Password: "pw"},
	}

	t.Setenv("GRAYLINK_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLINK_DATABASE_SYNCHRONOUS", "FULL")
	t.Setenv("GRAYLINK_LOGGING_LEVEL", "debug")
	t.Setenv("GRAYLINK_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLINK_CONNECTION_USERNAME", "svc")
	t.Setenv("GRAYLINK_CONNECTION_PASSWORD", "svc-pass")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Database.Synchronous != "FULL" {
		t.Errorf("Database.Synchronous = %q, want %q", cfg.Database.Synchronous, "FULL")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Connections[0].Username != "svc" || cfg.Connections[0].Password != "svc-pass" {
		t.Errorf("Connections[0] credentials = %q/%q, want svc/svc-pass",
			cfg.Connections[0].Username, cfg.Connections[0].Password)
	}
	if cfg.Connections[1].Username != "alice" {
		t.Errorf("Connections[1].Username = %q, want %q", cfg.Connections[1].Username, "alice")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.KeepAlive.GetFastProbeDelay() != 100*time.Millisecond {
		t.Errorf("defaultConfig KeepAlive.FastProbeDelay = %d, want 100", cfg.KeepAlive.FastProbeDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() error = %v", err)
	}
}
