package websocket

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/graylink/internal/link"
)

// WebSocket constants.
const (
	// defaultConnectTimeout bounds the dial and handshake.
	defaultConnectTimeout = 10 * time.Second

	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// maxMessageSize is the largest inbound frame accepted.
	maxMessageSize = 1 << 20

	// sendBufferSize is the per-session outbound frame buffer.
	sendBufferSize = 256
)

// Link is a link.Link over a single WebSocket. The socket has no topics:
// every arrival carries the dialled URI as its topic, and subscriptions
// are accepted without any network traffic.
//
// Reconnecting after a drop is left to the owner; the link reports the
// drop through ConnectionLost and redials on Reconnect.
//
// Thread Safety: All methods are safe for concurrent use.
type Link struct {
	mu     sync.Mutex
	sess   *session
	opts   link.Options
	dialed bool
	gen    uint64 // bumped whenever the current socket is replaced
	dials  int    // successful dials, for the reconnect flag
	closed bool

	queue     *link.OfflineQueue
	buffering bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handler   link.Handler
	handlerMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
type Logger interface {
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New returns an unconnected link.
func New() *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		queue:  link.NewOfflineQueue(0),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials opts.ServerURI, replacing any open socket.
func (l *Link) Connect(opts link.Options) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return link.Completed(ErrClosed)
	}
	l.opts = opts
	l.dialed = true
	l.dials = 0
	l.buffering = opts.BufferWhileDisconnected
	l.queue.SetCapacity(opts.BufferCapacity)
	l.detachLocked(0)
	return l.dialLocked()
}

// Reconnect redials with the options of the last Connect.
func (l *Link) Reconnect() *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed:
		return link.Completed(ErrClosed)
	case !l.dialed:
		return link.Completed(ErrNoSession)
	case l.sess != nil:
		return link.Completed(nil)
	default:
		return l.dialLocked()
	}
}

// dialLocked starts a dial in the background for the current generation.
func (l *Link) dialLocked() *link.Token {
	l.gen++
	gen := l.gen
	opts := l.opts
	tok := link.NewToken()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		conn, err := dial(l.ctx, opts)
		if err != nil {
			tok.Complete(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
			return
		}
		l.install(gen, conn, tok)
	}()
	return tok
}

// dial opens the socket described by opts.
func dial(ctx context.Context, opts link.Options) (*websocket.Conn, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	header := http.Header{}
	if opts.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	conn, resp, err := dialer.DialContext(ctx, opts.ServerURI, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake response body is unused
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// install makes conn the current socket if its dial is still wanted.
func (l *Link) install(gen uint64, conn *websocket.Conn, tok *link.Token) {
	l.mu.Lock()
	if l.closed || gen != l.gen {
		closed := l.closed
		l.mu.Unlock()
		conn.Close() //nolint:errcheck // Superseded dial
		if closed {
			tok.Complete(ErrClosed)
		} else {
			tok.Complete(fmt.Errorf("%w: superseded by a newer connect", ErrConnectionFailed))
		}
		return
	}

	s := newSession(conn)
	l.sess = s
	reconnect := l.dials > 0
	l.dials++
	uri := l.opts.ServerURI

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		s.writePump()
	}()
	go func() {
		defer l.wg.Done()
		l.readPump(s, uri)
	}()

	for _, item := range l.queue.Drain() {
		s.trySend(item.Msg.Payload, item.Token)
	}
	l.mu.Unlock()

	tok.Complete(nil)
	if h := l.getHandler(); h != nil {
		l.safely("connect complete", func() { h.ConnectComplete(reconnect, uri) })
	}
}

// readPump delivers inbound frames until the socket fails. A failure on a
// socket the link did not close itself is reported as a lost connection.
func (l *Link) readPump(s *session, uri string) {
	defer close(s.readerDone)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			lost := l.sess == s
			if lost {
				l.sess = nil
				l.gen++
			}
			l.mu.Unlock()

			if !lost {
				return
			}
			s.closeSend()
			s.conn.Close() //nolint:errcheck // Already failed

			if logger := l.getLogger(); logger != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Error("websocket read error", "uri", uri, "error", err)
				} else {
					logger.Debug("websocket closed by peer", "uri", uri, "error", err)
				}
			}
			if h := l.getHandler(); h != nil {
				l.safely("connection lost", func() { h.ConnectionLost(err) })
			}
			return
		}

		l.mu.Lock()
		current := l.sess == s
		l.mu.Unlock()
		if !current {
			continue
		}
		if h := l.getHandler(); h != nil {
			l.safely("message arrived", func() {
				h.MessageArrived(uri, link.Message{Payload: data})
			})
		}
	}
}

// detachLocked drops the current socket without reporting a loss and
// closes it in the background.
func (l *Link) detachLocked(quiesce time.Duration) *link.Token {
	l.gen++
	s := l.sess
	l.sess = nil
	if s == nil {
		return link.Completed(nil)
	}

	tok := link.NewToken()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		s.stop(quiesce)
		tok.Complete(nil)
	}()
	return tok
}

// Publish writes msg.Payload as a text frame. The topic is ignored.
func (l *Link) Publish(_ string, msg link.Message) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return link.Completed(ErrClosed)
	}
	tok := link.NewToken()
	if l.sess != nil {
		l.sess.trySend(msg.Payload, tok)
		return tok
	}
	if !l.buffering {
		return link.Completed(ErrNotConnected)
	}
	if err := l.queue.Push(l.opts.ServerURI, msg, tok); err != nil {
		return link.Completed(fmt.Errorf("%w: %w", ErrPublishFailed, err))
	}
	return tok
}

// Subscribe completes locally; the socket delivers everything it receives.
func (l *Link) Subscribe(_ []string, _ []byte) *link.Token {
	return l.localAction()
}

// Unsubscribe completes locally.
func (l *Link) Unsubscribe(_ []string) *link.Token {
	return l.localAction()
}

func (l *Link) localAction() *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed:
		return link.Completed(ErrClosed)
	case l.sess == nil:
		return link.Completed(ErrNotConnected)
	default:
		return link.Completed(nil)
	}
}

// Disconnect sends a normal close frame after up to quiesce for queued
// frames. Any dial still in flight is abandoned.
func (l *Link) Disconnect(quiesce time.Duration) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detachLocked(quiesce)
}

// IsConnected reports whether a socket is open.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess != nil
}

// Ping sends a ping control frame and waits for the pong.
func (l *Link) Ping(ctx context.Context) error {
	l.mu.Lock()
	s := l.sess
	l.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	// Discard a pong left over from an earlier ping.
	select {
	case <-s.pong:
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrPingTimeout, err)
	}

	select {
	case <-s.pong:
		return nil
	case <-s.readerDone:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPingTimeout, ctx.Err())
	}
}

// SetHandler installs the receiver for unsolicited events.
func (l *Link) SetHandler(h link.Handler) {
	l.handlerMu.Lock()
	l.handler = h
	l.handlerMu.Unlock()
}

// Close shuts the socket and waits for every goroutine the link started.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cancel()
	l.detachLocked(0)
	l.mu.Unlock()

	l.wg.Wait()
	l.queue.Fail(ErrClosed)
	return nil
}

// BufferedCount implements link.Buffer.
func (l *Link) BufferedCount() int { return l.queue.BufferedCount() }

// BufferedMessage implements link.Buffer.
func (l *Link) BufferedMessage(index int) (string, link.Message, bool) {
	return l.queue.BufferedMessage(index)
}

// DeleteBufferedMessage implements link.Buffer.
func (l *Link) DeleteBufferedMessage(index int) bool {
	return l.queue.DeleteBufferedMessage(index)
}

// SetBuffering implements link.Buffer.
func (l *Link) SetBuffering(enabled bool, capacity int) {
	l.mu.Lock()
	l.buffering = enabled
	l.mu.Unlock()
	l.queue.SetCapacity(capacity)
}

// SetLogger sets a logger for socket errors and handler panics.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *Link) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) getHandler() link.Handler {
	l.handlerMu.RLock()
	defer l.handlerMu.RUnlock()
	return l.handler
}

// safely runs a handler callback with panic recovery.
func (l *Link) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger := l.getLogger(); logger != nil {
				logger.Error("websocket handler panic recovered",
					"callback", what,
					"panic", r,
				)
			}
		}
	}()
	fn()
}

var (
	_ link.Link   = (*Link)(nil)
	_ link.Pinger = (*Link)(nil)
	_ link.Buffer = (*Link)(nil)
)
