package store

import (
	"context"
	"time"
)

// StoredMessage is an inbound message persisted before delivery.
// It is immutable once written.
type StoredMessage struct {
	ID            string
	ConnectionKey string
	Topic         string
	Payload       []byte
	QoS           byte
	Retained      bool
	Duplicate     bool
	ArrivedAt     time.Time
}

// Store is an ordered per-connection message log.
//
// All methods block on storage I/O and are safe for concurrent use.
// Callers on latency-sensitive paths should invoke them from a worker.
type Store interface {
	// Append persists a message for key and returns its generated ID.
	Append(ctx context.Context, key, topic string, payload []byte, qos byte, retained, duplicate bool) (string, error)

	// AllFor returns the messages for key in ascending arrival order.
	// An empty key returns messages for every connection.
	AllFor(ctx context.Context, key string) ([]StoredMessage, error)

	// Delete removes one message. It reports whether a row was removed.
	Delete(ctx context.Context, key, id string) (bool, error)

	// Clear removes every message for key, or all messages when key is empty.
	Clear(ctx context.Context, key string) (int64, error)

	// Count returns the number of stored messages for key, or in total.
	Count(ctx context.Context, key string) (int, error)
}
