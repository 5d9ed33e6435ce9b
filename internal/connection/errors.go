package connection

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for connection management.
// Callers should use errors.Is() to check for these errors.
var (
	// ErrConnectFailure wraps a failed connect attempt.
	ErrConnectFailure = errors.New("connection: connect failed")

	// ErrConnectionLost wraps the cause of an unexpected disconnect.
	ErrConnectionLost = errors.New("connection: connection lost")

	// ErrPublishFailure wraps a failed publish.
	ErrPublishFailure = errors.New("connection: publish failed")

	// ErrSubscribeFailure wraps a failed subscribe.
	ErrSubscribeFailure = errors.New("connection: subscribe failed")

	// ErrUnsubscribeFailure wraps a failed unsubscribe.
	ErrUnsubscribeFailure = errors.New("connection: unsubscribe failed")

	// ErrDisconnectFailure wraps an unclean disconnect. The connection is
	// Disconnected regardless.
	ErrDisconnectFailure = errors.New("connection: disconnect failed")

	// ErrNotConnected is returned for actions that need a live connection.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrUnknownConnection is returned for keys the registry does not hold.
	ErrUnknownConnection = errors.New("connection: unknown connection")

	// ErrPersistenceUnavailable is returned when the message store cannot
	// be provisioned.
	ErrPersistenceUnavailable = errors.New("connection: persistence unavailable")

	// ErrConnectAborted completes a connect attempt cancelled by Disconnect.
	ErrConnectAborted = errors.New("connection: connect aborted")

	// ErrConnectionClosed completes actions still pending when a connection
	// or the registry is closed.
	ErrConnectionClosed = errors.New("connection: closed")

	// ErrInvalidArgument is returned for malformed action arguments.
	ErrInvalidArgument = errors.New("connection: invalid argument")
)

// ActionError describes the failure of one caller action. It is carried
// in the Err field of the action's terminal event.
type ActionError struct {
	// Op is the action name: connect, disconnect, publish, subscribe
	// or unsubscribe.
	Op string

	// Key is the connection key.
	Key string

	// Topics holds the topic for publish or the topic set for
	// subscribe and unsubscribe.
	Topics []string

	// Err wraps one of the package sentinels and the link's cause.
	Err error
}

func (e *ActionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" ")
	b.WriteString(e.Key)
	if len(e.Topics) > 0 {
		fmt.Fprintf(&b, " %v", e.Topics)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// actionError builds an ActionError whose Err wraps sentinel and, when
// non-nil, cause.
func actionError(op, key string, topics []string, sentinel, cause error) *ActionError {
	err := sentinel
	if cause != nil && !errors.Is(cause, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &ActionError{Op: op, Key: key, Topics: topics, Err: err}
}
