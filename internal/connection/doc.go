// Package connection manages the lifecycle of pub/sub transport connections.
//
// A Registry owns one Connection per identity (endpoint, client ID and
// namespace). Each Connection is a small state machine over a link.Link:
//
//	Disconnected ──Connect──▶ Connecting ──ok──▶ Connected
//	     ▲                        │                  │
//	     └────────failure─────────┘     Disconnect / lost
//	     ▲                                           │
//	     └──────────────── Disconnecting ◀───────────┘
//
// Inbound messages are written to a store.Store before they are handed to
// listeners, and any backlog is replayed in arrival order each time the
// connection comes up. Listeners receive exactly one terminal event per
// action (connect, disconnect, publish, subscribe, unsubscribe) and one
// event per stored message.
//
// Every Connection runs a serial worker goroutine. Store I/O and event
// dispatch happen there, never on the caller's goroutine or the link's
// callback goroutine, and events for one key are delivered in order.
//
// Usage:
//
//	reg := connection.NewRegistry(connection.Config{
//	    Provision:   func() (store.Store, error) { return store.Open(dbCfg) },
//	    LinkFactory: factory,
//	})
//	defer reg.CloseAll()
//
//	key, err := reg.GetOrCreate(connection.Identity{
//	    EndpointURI: "tcp://broker:1883",
//	    ClientID:    "gw-1",
//	}, connection.Options{AutomaticReconnect: true})
//	reg.AddListener(key, events.ListenerFunc(handle))
//	tok, err := reg.Connect(key)
package connection
