package events

import (
	"fmt"
	"time"
)

// Kind classifies an Event.
type Kind int

// Event kinds. The first five are terminal results of caller actions;
// the rest are unsolicited.
const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindPublish
	KindSubscribe
	KindUnsubscribe
	KindMessageArrived
	KindDeliveryComplete
	KindConnectComplete
	KindConnectionLost
)

var kindNames = map[Kind]string{
	KindConnect:          "connect",
	KindDisconnect:       "disconnect",
	KindPublish:          "publish",
	KindSubscribe:        "subscribe",
	KindUnsubscribe:      "unsubscribe",
	KindMessageArrived:   "message_arrived",
	KindDeliveryComplete: "delivery_complete",
	KindConnectComplete:  "connect_complete",
	KindConnectionLost:   "connection_lost",
}

// String returns the snake_case kind name used in logs and telemetry.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsAction reports whether k is the terminal result of a caller action.
func (k Kind) IsAction() bool {
	return k >= KindConnect && k <= KindUnsubscribe
}

// Arrival is an inbound message as handed to listeners.
type Arrival struct {
	ID        string
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	ArrivedAt time.Time

	// Replayed is true for messages delivered from the stored backlog.
	Replayed bool
}

// Event is a single notification for one connection key.
type Event struct {
	Key  string
	Kind Kind
	Time time.Time

	// Err is nil for success. For KindConnectionLost it holds the cause.
	Err error

	// Topic is set for publish and delivery events.
	Topic string

	// Topics is set for subscribe and unsubscribe events.
	Topics []string

	// Arrival is set for KindMessageArrived.
	Arrival *Arrival

	// TokenID correlates publish, delivery and the value returned to the caller.
	TokenID uint64

	// Reconnect and ServerURI are set for KindConnectComplete.
	Reconnect bool
	ServerURI string
}

// Succeeded reports whether the event carries no error.
func (e Event) Succeeded() bool {
	return e.Err == nil
}

// Listener receives events.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev Event) {
	f(ev)
}
