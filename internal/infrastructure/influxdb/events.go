package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/graylink/internal/events"
)

// measurementConnectionEvents is the measurement every event is written to.
const measurementConnectionEvents = "connection_events"

// Outcome tag values.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// HandleEvent implements events.Listener. Each event becomes one point in
// connection_events. The write is non-blocking; points are batched.
func (c *Client) HandleEvent(ev events.Event) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(eventPoint(ev))
}

// eventPoint converts an event to a point.
//
// Tags (low cardinality):
//   - key: connection key
//   - kind: event kind name, e.g. "connect" or "message_arrived"
//   - outcome: "success" or "failure"
//
// Fields always include count=1 so that sum() gives event rates. Failures
// add error; topic events add topic; arrivals add payload_bytes and
// replayed; connect-complete adds reconnect.
func eventPoint(ev events.Event) *write.Point {
	outcome := outcomeSuccess
	if !ev.Succeeded() {
		outcome = outcomeFailure
	}

	fields := map[string]interface{}{
		"count": 1,
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	if ev.Topic != "" {
		fields["topic"] = ev.Topic
	}
	if ev.TokenID != 0 {
		fields["token_id"] = ev.TokenID
	}

	switch ev.Kind {
	case events.KindMessageArrived:
		if a := ev.Arrival; a != nil {
			fields["topic"] = a.Topic
			fields["payload_bytes"] = len(a.Payload)
			fields["qos"] = int(a.QoS)
			fields["replayed"] = a.Replayed
		}
	case events.KindConnectComplete:
		fields["reconnect"] = ev.Reconnect
		fields["server_uri"] = ev.ServerURI
	case events.KindSubscribe, events.KindUnsubscribe:
		fields["topics"] = len(ev.Topics)
	}

	return write.NewPoint(
		measurementConnectionEvents,
		map[string]string{
			"key":     ev.Key,
			"kind":    ev.Kind.String(),
			"outcome": outcome,
		},
		fields,
		ev.Time,
	)
}

var _ events.Listener = (*Client)(nil)
