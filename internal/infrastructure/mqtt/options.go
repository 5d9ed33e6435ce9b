package mqtt

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/graylink/internal/link"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultKeepAlive is the broker keepalive when none is configured.
	defaultKeepAlive = 60 * time.Second

	// maxReconnectInterval caps paho's reconnect backoff.
	maxReconnectInterval = 2 * time.Minute

	// maxPayloadSize is the largest payload Publish accepts.
	maxPayloadSize = 1 << 20

	// subscribeRejected is the SUBACK return code for a refused filter.
	subscribeRejected = 0x80

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options from link options.
//
// This configures:
//   - Broker URL and client ID
//   - Authentication credentials (if provided)
//   - Session persistence and automatic reconnect
//   - Connect timeout and keepalive
//   - TLS for ssl, tls, mqtts and wss brokers
//
// Connect retry is always off so a failed first attempt is reported to
// the caller instead of being retried silently.
func buildClientOptions(opts link.Options) *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions()

	o.AddBroker(opts.ServerURI)
	o.SetClientID(opts.ClientID)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	o.SetCleanSession(opts.CleanSession)
	o.SetResumeSubs(!opts.CleanSession)

	o.SetAutoReconnect(opts.AutomaticReconnect)
	o.SetConnectRetry(false)
	o.SetMaxReconnectInterval(maxReconnectInterval)

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	o.SetConnectTimeout(connectTimeout)

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	o.SetKeepAlive(keepAlive)

	// Arrivals must reach the handler in broker order.
	o.SetOrderMatters(true)

	if isTLSBroker(opts.ServerURI) {
		o.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return o
}

// isTLSBroker reports whether uri names a TLS transport.
func isTLSBroker(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		return true
	default:
		return false
	}
}
