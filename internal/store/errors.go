package store

import "errors"

// Sentinel errors for message store operations.
var (
	// ErrUnavailable is returned when the backing storage cannot be provisioned.
	ErrUnavailable = errors.New("store: storage unavailable")

	// ErrEmptyKey is returned when Append is called without a connection key.
	ErrEmptyKey = errors.New("store: connection key cannot be empty")

	// ErrEmptyTopic is returned when Append is called without a topic.
	ErrEmptyTopic = errors.New("store: topic cannot be empty")
)
