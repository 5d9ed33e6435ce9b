package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/graylink/internal/connection"
	"github.com/nerrad567/graylink/internal/events"
	"github.com/nerrad567/graylink/internal/infrastructure/config"
	"github.com/nerrad567/graylink/internal/infrastructure/logging"
	"github.com/nerrad567/graylink/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylink/internal/infrastructure/websocket"
	"github.com/nerrad567/graylink/internal/link"
)

// ackTimeout bounds the store delete behind a manual acknowledgement.
const ackTimeout = 5 * time.Second

// newLinkFactory returns a factory building the transport for each kind.
func newLinkFactory(log *logging.Logger) link.Factory {
	return func(kind link.Kind) (link.Link, error) {
		switch kind {
		case link.BrokerProtocol:
			l := mqtt.New()
			l.SetLogger(log.With("transport", kind.String()))
			return l, nil
		case link.SocketChannel:
			l := websocket.New()
			l.SetLogger(log.With("transport", kind.String()))
			return l, nil
		default:
			return nil, fmt.Errorf("%w: %s", link.ErrUnknownTransport, kind)
		}
	}
}

// connectionSettings maps a configured connection onto its identity and options.
func connectionSettings(cc config.ConnectionConfig) (connection.Identity, connection.Options, error) {
	kind, err := link.ParseKind(cc.Transport)
	if err != nil {
		return connection.Identity{}, connection.Options{}, err
	}
	ack, err := connection.ParseAckMode(cc.AckMode)
	if err != nil {
		return connection.Identity{}, connection.Options{}, err
	}

	identity := connection.Identity{
		EndpointURI: cc.Endpoint,
		ClientID:    cc.ClientID,
		Namespace:   cc.Namespace,
	}
	opts := connection.Options{
		Transport:               kind,
		CleanSession:            cc.CleanSession,
		AutomaticReconnect:      cc.AutomaticReconnect,
		KeepAlive:               cc.GetKeepAlive(),
		ConnectTimeout:          cc.GetConnectTimeout(),
		AckMode:                 ack,
		BufferWhileDisconnected: cc.Buffer.Enabled,
		BufferCapacity:          cc.Buffer.Capacity,
		Username:                cc.Username,
		Password:                cc.Password,
	}
	return identity, opts, nil
}

// eventLogger logs every connection event. Arrivals are logged at debug.
func eventLogger(log *logging.Logger) events.Listener {
	return events.ListenerFunc(func(ev events.Event) {
		args := []any{"connection", ev.Key, "event", ev.Kind.String()}
		if ev.Topic != "" {
			args = append(args, "topic", ev.Topic)
		}
		if len(ev.Topics) > 0 {
			args = append(args, "topics", ev.Topics)
		}

		switch {
		case ev.Err != nil:
			log.Warn("connection event failed", append(args, "error", ev.Err)...)
		case ev.Kind == events.KindMessageArrived && ev.Arrival != nil:
			log.Debug("message arrived", append(args,
				"topic", ev.Arrival.Topic,
				"bytes", len(ev.Arrival.Payload),
				"replayed", ev.Arrival.Replayed,
			)...)
		case ev.Kind == events.KindConnectComplete:
			log.Info("connection established", append(args,
				"reconnect", ev.Reconnect,
				"server_uri", ev.ServerURI,
			)...)
		default:
			log.Debug("connection event", args...)
		}
	})
}

// subscriber re-issues a connection's configured subscriptions after
// every connect and acknowledges arrivals in manual ack mode once they
// have been handed to the log.
type subscriber struct {
	registry *connection.Registry
	key      string
	topics   []string
	qos      []byte
	ack      connection.AckMode
	log      *logging.Logger
}

func newSubscriber(registry *connection.Registry, key string, subs []config.SubscriptionConfig, ack connection.AckMode, log *logging.Logger) *subscriber {
	s := &subscriber{
		registry: registry,
		key:      key,
		ack:      ack,
		log:      log,
	}
	for _, sub := range subs {
		s.topics = append(s.topics, sub.Topic)
		s.qos = append(s.qos, byte(sub.QoS)) // #nosec G115 -- validated to 0..2
	}
	return s
}

// HandleEvent implements events.Listener.
func (s *subscriber) HandleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindConnectComplete:
		if len(s.topics) == 0 {
			return
		}
		if _, err := s.registry.Subscribe(s.key, s.topics, s.qos); err != nil {
			s.log.Error("subscribe failed", "topics", s.topics, "error", err)
		}
	case events.KindMessageArrived:
		if s.ack != connection.AckManual || ev.Arrival == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if _, err := s.registry.Acknowledge(ctx, s.key, ev.Arrival.ID); err != nil {
			s.log.Error("acknowledge failed", "id", ev.Arrival.ID, "error", err)
		}
	}
}
