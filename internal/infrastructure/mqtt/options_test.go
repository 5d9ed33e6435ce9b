package mqtt

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/nerrad567/graylink/internal/link"
)

// =============================================================================
// Client Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	opts := buildClientOptions(link.Options{
		ServerURI:          "tcp://127.0.0.1:1883",
		ClientID:           "graylink-test",
		CleanSession:       false,
		AutomaticReconnect: true,
		KeepAlive:          30 * time.Second,
		ConnectTimeout:     3 * time.Second,
		Username:           "user",
		Password:           "secret",
	})

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "graylink-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "graylink-test")
	}
	if opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want user/secret", opts.Username, opts.Password)
	}
	if opts.CleanSession {
		t.Error("CleanSession = true, want false")
	}
	if !opts.ResumeSubs {
		t.Error("ResumeSubs = false, want true for a persistent session")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if opts.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", opts.ConnectTimeout)
	}
	if !opts.Order {
		t.Error("Order = false, want true")
	}
}

func TestBuildClientOptions_Defaults(t *testing.T) {
	opts := buildClientOptions(link.Options{
		ServerURI:    "tcp://127.0.0.1:1883",
		ClientID:     "graylink-test",
		CleanSession: true,
	})

	if opts.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", opts.ConnectTimeout, defaultConnectTimeout)
	}
	if opts.KeepAlive != int64(defaultKeepAlive/time.Second) {
		t.Errorf("KeepAlive = %d, want %d", opts.KeepAlive, int64(defaultKeepAlive/time.Second))
	}
	if opts.ResumeSubs {
		t.Error("ResumeSubs = true, want false for a clean session")
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if opts.Username != "" {
		t.Errorf("Username = %q, want empty", opts.Username)
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	opts := buildClientOptions(link.Options{
		ServerURI: "ssl://broker.example.com:8883",
		ClientID:  "graylink-test",
	})

	if opts.TLSConfig == nil {
		t.Fatal("TLSConfig = nil, want TLS for ssl:// broker")
	}
	if opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want %x", opts.TLSConfig.MinVersion, tls.VersionTLS12)
	}
}

func TestIsTLSBroker(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"tcp://127.0.0.1:1883", false},
		{"mqtt://127.0.0.1:1883", false},
		{"ws://127.0.0.1:9001", false},
		{"ssl://127.0.0.1:8883", true},
		{"tls://127.0.0.1:8883", true},
		{"mqtts://127.0.0.1:8883", true},
		{"WSS://127.0.0.1:443", true},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			if got := isTLSBroker(tt.uri); got != tt.want {
				t.Errorf("isTLSBroker(%q) = %v, want %v", tt.uri, got, tt.want)
			}
		})
	}
}
