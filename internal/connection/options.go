package connection

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/graylink/internal/link"
)

// Identity names one logical connection. Two equal identities resolve to
// the same Connection.
type Identity struct {
	EndpointURI string
	ClientID    string
	Namespace   string
}

// keyEscaper escapes the separator inside client IDs and namespaces.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key derives the connection key used by the registry, the store and
// listeners: endpointURI:clientID:namespace. A ':' or '%' in the client
// ID or namespace is percent-escaped, so distinct identities never share
// a key. The endpoint is left as is since it is always the leading part.
func (id Identity) Key() string {
	return id.EndpointURI + ":" + keyEscaper.Replace(id.ClientID) + ":" + keyEscaper.Replace(id.Namespace)
}

// AckMode controls when a delivered message is removed from the store.
type AckMode int

const (
	// AckAuto removes a message as soon as listeners have seen it.
	AckAuto AckMode = iota

	// AckManual keeps a message until Acknowledge is called for its ID.
	AckManual
)

// String returns the ack mode name used in configuration.
func (m AckMode) String() string {
	if m == AckManual {
		return "manual"
	}
	return "auto"
}

// ParseAckMode maps a configuration value to an AckMode. An empty string
// means AckAuto.
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "", "auto":
		return AckAuto, nil
	case "manual":
		return AckManual, nil
	default:
		return 0, fmt.Errorf("%w: ack mode %q", ErrInvalidArgument, s)
	}
}

// Options configure a connection. They are replaced wholesale by every
// connect that carries options.
type Options struct {
	// Transport selects the link implementation. It is fixed when the
	// connection is created.
	Transport link.Kind

	CleanSession       bool
	AutomaticReconnect bool

	// KeepAlive is the recurring probe interval. Zero disables probes.
	KeepAlive time.Duration

	// ConnectTimeout bounds a single connect attempt inside the link.
	ConnectTimeout time.Duration

	AckMode AckMode

	// BufferWhileDisconnected lets Publish proceed while not connected;
	// the link queues up to BufferCapacity messages.
	BufferWhileDisconnected bool
	BufferCapacity          int

	Username string
	Password string
}

// linkOptions maps connection options onto a link connect attempt.
func (o Options) linkOptions(id Identity) link.Options {
	return link.Options{
		ServerURI:               id.EndpointURI,
		ClientID:                id.ClientID,
		CleanSession:            o.CleanSession,
		AutomaticReconnect:      o.AutomaticReconnect,
		KeepAlive:               o.KeepAlive,
		ConnectTimeout:          o.ConnectTimeout,
		Username:                o.Username,
		Password:                o.Password,
		BufferWhileDisconnected: o.BufferWhileDisconnected,
		BufferCapacity:          o.BufferCapacity,
	}
}

// State is the lifecycle state of a connection.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Token is the completion handle returned for an accepted action. It
// completes after the action's terminal event has been dispatched, with
// the same error the event carries.
type Token struct {
	*link.Token

	// ID correlates the token with the TokenID of its events.
	ID uint64
}
