package link

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a transport variant.
type Kind int

// Transport variants.
const (
	// BrokerProtocol is an MQTT broker connection.
	BrokerProtocol Kind = iota

	// SocketChannel is a WebSocket used as a topic-less message pipe.
	SocketChannel
)

// String returns the transport name used in configuration and logs.
func (k Kind) String() string {
	switch k {
	case BrokerProtocol:
		return "mqtt"
	case SocketChannel:
		return "websocket"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a transport name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "mqtt", "":
		return BrokerProtocol, nil
	case "websocket":
		return SocketChannel, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}

// ErrUnknownTransport is returned for transport names with no implementation.
var ErrUnknownTransport = errors.New("link: unknown transport")

// Message is a payload travelling over a link in either direction.
type Message struct {
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
}

// Options configure a single connect attempt.
type Options struct {
	ServerURI string
	ClientID  string

	CleanSession       bool
	AutomaticReconnect bool
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration

	Username string
	Password string

	// BufferWhileDisconnected lets Publish accept messages while the link
	// is down. They are sent once the link reconnects.
	BufferWhileDisconnected bool
	BufferCapacity          int
}

// Handler receives unsolicited link events. Calls may arrive on any
// goroutine owned by the link and must not block for long.
type Handler interface {
	// MessageArrived is called for every inbound message.
	MessageArrived(topic string, msg Message)

	// ConnectionLost is called when an established link drops unexpectedly.
	ConnectionLost(err error)

	// ConnectComplete is called when a connection is established,
	// including automatic reconnects performed by the link itself.
	ConnectComplete(reconnect bool, serverURI string)
}

// Link is a transport client for one endpoint.
//
// All methods are safe for concurrent use. Operations never block on the
// network; their outcome is reported through the returned Token.
type Link interface {
	// Connect starts a connection attempt with opts.
	Connect(opts Options) *Token

	// Reconnect retries with the options of the last Connect. It completes
	// immediately when the link is already connected or reconnecting.
	Reconnect() *Token

	// Publish sends msg to topic. The token completes on delivery.
	Publish(topic string, msg Message) *Token

	// Subscribe registers topic filters; qos is parallel to topics.
	Subscribe(topics []string, qos []byte) *Token

	// Unsubscribe removes topic filters.
	Unsubscribe(topics []string) *Token

	// Disconnect closes the connection, allowing quiesce for in-flight work.
	Disconnect(quiesce time.Duration) *Token

	// IsConnected reports the current link state.
	IsConnected() bool

	// SetHandler installs the receiver for unsolicited events.
	SetHandler(h Handler)

	// Close releases all resources without waiting for in-flight work.
	Close() error
}

// Pinger is implemented by links that can actively probe liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Buffer is implemented by links that queue publishes while disconnected.
type Buffer interface {
	// BufferedCount returns the number of queued messages.
	BufferedCount() int

	// BufferedMessage returns the queued message at index.
	BufferedMessage(index int) (topic string, msg Message, ok bool)

	// DeleteBufferedMessage drops the queued message at index.
	DeleteBufferedMessage(index int) bool

	// SetBuffering enables or disables queueing while disconnected ahead
	// of the next Connect, which replaces the setting with its options.
	SetBuffering(enabled bool, capacity int)
}

// Factory creates a new, unconnected link for a transport.
type Factory func(kind Kind) (Link, error)
