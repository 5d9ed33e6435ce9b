// Package mqtt provides the MQTT broker transport for graylink connections.
//
// Link adapts a paho.mqtt.golang client to the link.Link contract:
//   - paho tokens are mirrored onto link.Token
//   - paho's OnConnect, ConnectionLost and default publish handlers are
//     forwarded to the installed link.Handler
//   - automatic reconnect is delegated to paho when enabled
//   - publishes made while disconnected are held in a bounded offline
//     queue and flushed in order on the next connect
//
// # Sessions
//
// A Connect always builds a new paho client. Reconnect keeps the current
// one, so paho's in-flight store and the broker session survive. When the
// broker session is clean, subscriptions made through the link are
// restored after paho reconnects on its own.
//
// # Security Considerations
//
//   - ssl://, tls://, mqtts:// and wss:// brokers use TLS 1.2 or newer
//   - Credentials are only sent when a username is configured
//
// # Usage
//
//	l := mqtt.New()
//	l.SetHandler(h)
//	tok := l.Connect(link.Options{
//	    ServerURI: "tcp://127.0.0.1:1883",
//	    ClientID:  "graylink-01",
//	})
//	if err := tok.Wait(ctx); err != nil {
//	    return err
//	}
package mqtt
