package mqtt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/graylink/internal/link"
)

// Link is a link.Link backed by a paho MQTT client.
//
// Every Connect builds a fresh paho client from the given options.
// Reconnect reuses the current client, which keeps the broker session
// and paho's in-flight store. Link also implements link.Buffer.
//
// Thread Safety: All methods are safe for concurrent use.
type Link struct {
	mu       sync.Mutex
	client   pahomqtt.Client
	opts     link.Options
	connects int // OnConnect calls seen for the current client
	closed   bool

	// waiters are Reconnect tokens parked while paho reconnects itself.
	waiters []*link.Token

	// subscriptions are restored after an automatic reconnect when the
	// broker does not keep the session.
	subscriptions map[string]byte

	queue     *link.OfflineQueue
	buffering bool

	handler   link.Handler
	handlerMu sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New returns an unconnected link.
func New() *Link {
	return &Link{
		subscriptions: make(map[string]byte),
		queue:         link.NewOfflineQueue(0),
	}
}

// Connect starts a connection attempt with opts, replacing any previous
// paho client.
//
// Parameters:
//   - opts: Broker address, identity and session behaviour
//
// Returns:
//   - *link.Token: Completes when the broker accepts or refuses the connection
func (l *Link) Connect(opts link.Options) *link.Token {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return link.Completed(ErrClosed)
	}

	old := l.client
	co := buildClientOptions(opts)
	co.SetDefaultPublishHandler(l.handleMessage)
	co.SetOnConnectHandler(l.handleConnect)
	co.SetConnectionLostHandler(l.handleConnectionLost)

	client := pahomqtt.NewClient(co)
	l.client = client
	l.opts = opts
	l.connects = 0
	l.buffering = opts.BufferWhileDisconnected
	l.queue.SetCapacity(opts.BufferCapacity)
	if opts.CleanSession {
		l.subscriptions = make(map[string]byte)
	}
	l.mu.Unlock()

	if old != nil {
		go old.Disconnect(0)
	}

	return bridge(client.Connect(), ErrConnectionFailed)
}

// Reconnect retries with the options of the last Connect.
//
// When paho is already reconnecting on its own the returned token
// completes on that reconnect, or with ErrTimeout after the connect timeout.
func (l *Link) Reconnect() *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed:
		return link.Completed(ErrClosed)
	case l.client == nil:
		return link.Completed(ErrNoSession)
	case l.client.IsConnectionOpen():
		return link.Completed(nil)
	case l.opts.AutomaticReconnect && l.client.IsConnected():
		// paho reports IsConnected while its own reconnect loop runs.
		tok := link.NewToken()
		l.waiters = append(l.waiters, tok)
		timeout := l.opts.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		time.AfterFunc(timeout, func() { tok.Complete(ErrTimeout) })
		return tok
	default:
		return bridge(l.client.Connect(), ErrConnectionFailed)
	}
}

// Publish sends msg to topic.
//
// While disconnected the publish is queued when buffering is enabled and
// sent in order after the next successful connect.
func (l *Link) Publish(topic string, msg link.Message) *link.Token {
	if len(msg.Payload) > maxPayloadSize {
		return link.Completed(fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg.Payload)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return link.Completed(ErrClosed)
	}
	if l.client != nil && l.client.IsConnectionOpen() {
		return bridge(l.client.Publish(topic, msg.QoS, msg.Retained, msg.Payload), ErrPublishFailed)
	}
	if !l.buffering {
		return link.Completed(ErrNotConnected)
	}

	tok := link.NewToken()
	if err := l.queue.Push(topic, msg, tok); err != nil {
		return link.Completed(fmt.Errorf("%w: %w", ErrPublishFailed, err))
	}
	return tok
}

// Subscribe registers topic filters. A filter refused by the broker fails
// the whole token with ErrSubscribeFailed.
func (l *Link) Subscribe(topics []string, qos []byte) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return link.Completed(ErrClosed)
	}
	if l.client == nil || !l.client.IsConnectionOpen() {
		return link.Completed(ErrNotConnected)
	}

	filters := make(map[string]byte, len(topics))
	for i, topic := range topics {
		filters[topic] = qos[i]
	}

	pt := l.client.SubscribeMultiple(filters, nil)
	tok := link.NewToken()
	go func() {
		<-pt.Done()
		if err := subscribeResult(pt); err != nil {
			tok.Complete(err)
			return
		}
		l.mu.Lock()
		for topic, q := range filters {
			l.subscriptions[topic] = q
		}
		l.mu.Unlock()
		tok.Complete(nil)
	}()
	return tok
}

// subscribeResult converts a finished subscribe token into an error.
func subscribeResult(pt pahomqtt.Token) error {
	if err := pt.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	st, ok := pt.(*pahomqtt.SubscribeToken)
	if !ok {
		return nil
	}
	var rejected []string
	for topic, code := range st.Result() {
		if code == subscribeRejected {
			rejected = append(rejected, topic)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return fmt.Errorf("%w: broker rejected %v", ErrSubscribeFailed, rejected)
	}
	return nil
}

// Unsubscribe removes topic filters.
func (l *Link) Unsubscribe(topics []string) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return link.Completed(ErrClosed)
	}
	if l.client == nil || !l.client.IsConnectionOpen() {
		return link.Completed(ErrNotConnected)
	}

	for _, topic := range topics {
		delete(l.subscriptions, topic)
	}
	return bridge(l.client.Unsubscribe(topics...), ErrUnsubscribeFailed)
}

// Disconnect closes the broker connection and stops paho's reconnect
// loop. paho blocks for up to quiesce, so the work runs in the background.
func (l *Link) Disconnect(quiesce time.Duration) *link.Token {
	l.mu.Lock()
	client := l.client
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w.Complete(ErrNotConnected)
	}
	if client == nil {
		return link.Completed(nil)
	}

	tok := link.NewToken()
	go func() {
		client.Disconnect(uint(quiesce.Milliseconds()))
		tok.Complete(nil)
	}()
	return tok
}

// IsConnected reports whether the broker connection is open. It is false
// while paho is reconnecting.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil && l.client.IsConnectionOpen()
}

// SetHandler installs the receiver for unsolicited events.
func (l *Link) SetHandler(h link.Handler) {
	l.handlerMu.Lock()
	l.handler = h
	l.handlerMu.Unlock()
}

// Close disconnects without quiesce and fails everything still pending.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	client := l.client
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w.Complete(ErrClosed)
	}
	l.queue.Fail(ErrClosed)
	if client != nil {
		client.Disconnect(0)
	}
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

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
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

// current reports whether client is the link's active paho client.
// Callbacks from a replaced client are ignored.
func (l *Link) current(client pahomqtt.Client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.client == client
}

// handleConnect runs on every successful connect of the active client,
// including paho's automatic reconnects.
func (l *Link) handleConnect(client pahomqtt.Client) {
	l.mu.Lock()
	if l.closed || l.client != client {
		l.mu.Unlock()
		return
	}
	reconnect := l.connects > 0
	l.connects++
	waiters := l.waiters
	l.waiters = nil
	var restore map[string]byte
	if reconnect && l.opts.CleanSession && len(l.subscriptions) > 0 {
		restore = make(map[string]byte, len(l.subscriptions))
		for topic, q := range l.subscriptions {
			restore[topic] = q
		}
	}
	uri := l.opts.ServerURI
	l.mu.Unlock()

	if restore != nil {
		// Errors surface through the connection lost handler.
		client.SubscribeMultiple(restore, nil)
	}

	for _, item := range l.queue.Drain() {
		pt := client.Publish(item.Topic, item.Msg.QoS, item.Msg.Retained, item.Msg.Payload)
		forward(pt, item.Token, ErrPublishFailed)
	}

	for _, w := range waiters {
		w.Complete(nil)
	}

	if h := l.getHandler(); h != nil {
		l.safely("connect complete", func() { h.ConnectComplete(reconnect, uri) })
	}
}

// handleConnectionLost is called by paho when an open connection drops.
func (l *Link) handleConnectionLost(client pahomqtt.Client, err error) {
	if !l.current(client) {
		return
	}
	if h := l.getHandler(); h != nil {
		l.safely("connection lost", func() { h.ConnectionLost(err) })
	}
}

// handleMessage receives every inbound publish on subscribed filters.
func (l *Link) handleMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	if !l.current(client) {
		return
	}
	h := l.getHandler()
	if h == nil {
		return
	}
	l.safely("message arrived", func() {
		h.MessageArrived(msg.Topic(), link.Message{
			Payload:   msg.Payload(),
			QoS:       msg.Qos(),
			Retained:  msg.Retained(),
			Duplicate: msg.Duplicate(),
		})
	})
}

// safely runs a handler callback with panic recovery.
func (l *Link) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger := l.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"callback", what,
					"panic", r,
				)
			}
		}
	}()
	fn()
}

// bridge returns a link token that mirrors a paho token.
func bridge(pt pahomqtt.Token, wrap error) *link.Token {
	tok := link.NewToken()
	forward(pt, tok, wrap)
	return tok
}

// forward completes tok once pt finishes, wrapping any failure in wrap.
func forward(pt pahomqtt.Token, tok *link.Token, wrap error) {
	go func() {
		<-pt.Done()
		if err := pt.Error(); err != nil {
			if !errors.Is(err, wrap) {
				err = fmt.Errorf("%w: %w", wrap, err)
			}
			tok.Complete(err)
			return
		}
		tok.Complete(nil)
	}()
}

var (
	_ link.Link   = (*Link)(nil)
	_ link.Buffer = (*Link)(nil)
)
