package websocket

import "errors"

// Domain-specific errors for WebSocket link operations.
var (
	// ErrNotConnected is returned when an operation needs an open socket.
	ErrNotConnected = errors.New("websocket: not connected")

	// ErrConnectionFailed wraps dial and handshake failures.
	ErrConnectionFailed = errors.New("websocket: connection failed")

	// ErrPublishFailed wraps frame write failures.
	ErrPublishFailed = errors.New("websocket: publish failed")

	// ErrSendBufferFull is returned when the outbound queue of an open
	// socket is full.
	ErrSendBufferFull = errors.New("websocket: send buffer full")

	// ErrPingTimeout is returned when no pong arrives before the deadline.
	ErrPingTimeout = errors.New("websocket: ping timed out")

	// ErrNoSession is returned by Reconnect before any Connect.
	ErrNoSession = errors.New("websocket: connect has not been called")

	// ErrClosed completes pending operations when the link is closed.
	ErrClosed = errors.New("websocket: link closed")
)
