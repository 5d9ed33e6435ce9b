// Package linktest provides a scriptable in-memory link.Link for tests.
//
// By default every operation succeeds immediately. Tests switch individual
// operations to manual completion or inject errors, then drive unsolicited
// events with Arrive, Lose and AutoReconnect.
package linktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/graylink/internal/link"
)

// ErrNotConnected is returned by operations that need a live fake link.
var ErrNotConnected = errors.New("linktest: not connected")

// Published records one Publish call that reached the fake broker.
type Published struct {
	Topic string
	Msg   link.Message
}

// Link is a fake link.Link. The zero value is not usable; call New.
type Link struct {
	mu sync.Mutex

	handler   link.Handler
	connected bool
	closed    bool
	opts      link.Options

	manualConnect  bool
	pendingConnect []*link.Token
	manualPublish  bool
	pendingPublish []*link.Token

	connectErr     error
	publishErr     error
	subscribeErr   error
	unsubscribeErr error
	disconnectErr  error
	pingErr        error

	calls      map[string]int
	published  []Published
	subscribed [][]string

	queue     *link.OfflineQueue
	buffering bool
}

// New returns a disconnected fake link.
func New() *Link {
	return &Link{
		calls: make(map[string]int),
		queue: link.NewOfflineQueue(0),
	}
}

// Factory returns a link.Factory that hands out links in order, then
// fresh ones once the list is exhausted.
func Factory(links ...*Link) link.Factory {
	var mu sync.Mutex
	return func(link.Kind) (link.Link, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(links) == 0 {
			return New(), nil
		}
		l := links[0]
		links = links[1:]
		return l, nil
	}
}

// =============================================================================
// Scripting
// =============================================================================

// SetManualConnect makes Connect and Reconnect return pending tokens that
// complete only through ResolveConnect.
func (l *Link) SetManualConnect(manual bool) {
	l.mu.Lock()
	l.manualConnect = manual
	l.mu.Unlock()
}

// SetManualPublish makes Publish return pending tokens completed by ResolvePublishes.
func (l *Link) SetManualPublish(manual bool) {
	l.mu.Lock()
	l.manualPublish = manual
	l.mu.Unlock()
}

// SetConnectError makes subsequent connect attempts fail with err.
func (l *Link) SetConnectError(err error) {
	l.mu.Lock()
	l.connectErr = err
	l.mu.Unlock()
}

// SetPublishError makes subsequent publishes fail with err.
func (l *Link) SetPublishError(err error) {
	l.mu.Lock()
	l.publishErr = err
	l.mu.Unlock()
}

// SetSubscribeError makes subsequent subscribes fail with err.
func (l *Link) SetSubscribeError(err error) {
	l.mu.Lock()
	l.subscribeErr = err
	l.mu.Unlock()
}

// SetUnsubscribeError makes subsequent unsubscribes fail with err.
func (l *Link) SetUnsubscribeError(err error) {
	l.mu.Lock()
	l.unsubscribeErr = err
	l.mu.Unlock()
}

// SetDisconnectError makes subsequent disconnects fail with err.
func (l *Link) SetDisconnectError(err error) {
	l.mu.Lock()
	l.disconnectErr = err
	l.mu.Unlock()
}

// SetPingError makes Ping fail with err while connected.
func (l *Link) SetPingError(err error) {
	l.mu.Lock()
	l.pingErr = err
	l.mu.Unlock()
}

// ResolveConnect completes the oldest pending connect with err.
// It reports false when nothing is pending.
func (l *Link) ResolveConnect(err error) bool {
	l.mu.Lock()
	if len(l.pendingConnect) == 0 {
		l.mu.Unlock()
		return false
	}
	tok := l.pendingConnect[0]
	l.pendingConnect = l.pendingConnect[1:]
	l.mu.Unlock()

	l.finishConnect(tok, err, false)
	return true
}

// PendingConnects returns the number of unresolved connect attempts.
func (l *Link) PendingConnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingConnect)
}

// ResolvePublishes completes every pending publish with err.
func (l *Link) ResolvePublishes(err error) int {
	l.mu.Lock()
	pending := l.pendingPublish
	l.pendingPublish = nil
	l.mu.Unlock()

	for _, tok := range pending {
		tok.Complete(err)
	}
	return len(pending)
}

// Arrive delivers an inbound message to the handler.
func (l *Link) Arrive(topic string, msg link.Message) {
	if h := l.getHandler(); h != nil {
		h.MessageArrived(topic, msg)
	}
}

// Lose drops the connection and reports err to the handler.
func (l *Link) Lose(err error) {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()

	if h := l.getHandler(); h != nil {
		h.ConnectionLost(err)
	}
}

// AutoReconnect simulates the transport re-establishing the connection on
// its own: the link comes up and ConnectComplete(true) is reported.
func (l *Link) AutoReconnect() {
	l.mu.Lock()
	l.connected = true
	uri := l.opts.ServerURI
	l.mu.Unlock()

	l.flushQueue()
	if h := l.getHandler(); h != nil {
		h.ConnectComplete(true, uri)
	}
}

// =============================================================================
// Inspection
// =============================================================================

// Calls returns how many times the named operation was invoked:
// "connect", "reconnect", "publish", "subscribe", "unsubscribe",
// "disconnect", "ping" or "close".
func (l *Link) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Options returns the options of the last Connect.
func (l *Link) Options() link.Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

// Published returns every message that reached the fake broker.
func (l *Link) Published() []Published {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Published, len(l.published))
	copy(out, l.published)
	return out
}

// Subscribed returns the topic sets passed to Subscribe.
func (l *Link) Subscribed() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]string, len(l.subscribed))
	copy(out, l.subscribed)
	return out
}

// IsClosed reports whether Close was called.
func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// =============================================================================
// link.Link
// =============================================================================

// Connect implements link.Link.
func (l *Link) Connect(opts link.Options) *link.Token {
	l.mu.Lock()
	l.calls["connect"]++
	l.opts = opts
	l.buffering = opts.BufferWhileDisconnected
	l.queue.SetCapacity(opts.BufferCapacity)
	tok := link.NewToken()
	if l.manualConnect {
		l.pendingConnect = append(l.pendingConnect, tok)
		l.mu.Unlock()
		return tok
	}
	err := l.connectErr
	l.mu.Unlock()

	l.finishConnect(tok, err, false)
	return tok
}

// Reconnect implements link.Link.
func (l *Link) Reconnect() *link.Token {
	l.mu.Lock()
	l.calls["reconnect"]++
	if l.connected {
		l.mu.Unlock()
		return link.Completed(nil)
	}
	tok := link.NewToken()
	if l.manualConnect {
		l.pendingConnect = append(l.pendingConnect, tok)
		l.mu.Unlock()
		return tok
	}
	err := l.connectErr
	l.mu.Unlock()

	l.finishConnect(tok, err, true)
	return tok
}

func (l *Link) finishConnect(tok *link.Token, err error, reconnect bool) {
	if err != nil {
		tok.Complete(err)
		return
	}

	l.mu.Lock()
	l.connected = true
	uri := l.opts.ServerURI
	l.mu.Unlock()

	l.flushQueue()
	tok.Complete(nil)
	if h := l.getHandler(); h != nil {
		h.ConnectComplete(reconnect, uri)
	}
}

func (l *Link) flushQueue() {
	for _, item := range l.queue.Drain() {
		l.mu.Lock()
		l.published = append(l.published, Published{Topic: item.Topic, Msg: item.Msg})
		err := l.publishErr
		l.mu.Unlock()
		item.Token.Complete(err)
	}
}

// Publish implements link.Link.
func (l *Link) Publish(topic string, msg link.Message) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["publish"]++

	if !l.connected {
		if !l.buffering {
			return link.Completed(ErrNotConnected)
		}
		tok := link.NewToken()
		if err := l.queue.Push(topic, msg, tok); err != nil {
			return link.Completed(err)
		}
		return tok
	}

	l.published = append(l.published, Published{Topic: topic, Msg: msg})
	if l.manualPublish {
		tok := link.NewToken()
		l.pendingPublish = append(l.pendingPublish, tok)
		return tok
	}
	return link.Completed(l.publishErr)
}

// Subscribe implements link.Link.
func (l *Link) Subscribe(topics []string, _ []byte) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["subscribe"]++

	if !l.connected {
		return link.Completed(ErrNotConnected)
	}
	l.subscribed = append(l.subscribed, append([]string(nil), topics...))
	return link.Completed(l.subscribeErr)
}

// Unsubscribe implements link.Link.
func (l *Link) Unsubscribe(_ []string) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["unsubscribe"]++

	if !l.connected {
		return link.Completed(ErrNotConnected)
	}
	return link.Completed(l.unsubscribeErr)
}

// Disconnect implements link.Link.
func (l *Link) Disconnect(_ time.Duration) *link.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["disconnect"]++
	l.connected = false
	return link.Completed(l.disconnectErr)
}

// IsConnected implements link.Link.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// SetHandler implements link.Link.
func (l *Link) SetHandler(h link.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Close implements link.Link.
func (l *Link) Close() error {
	l.mu.Lock()
	l.calls["close"]++
	l.closed = true
	l.connected = false
	l.mu.Unlock()

	l.queue.Fail(ErrNotConnected)
	return nil
}

// Ping implements link.Pinger.
func (l *Link) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["ping"]++
	if !l.connected {
		return ErrNotConnected
	}
	return l.pingErr
}

// BufferedCount implements link.Buffer.
func (l *Link) BufferedCount() int { return l.queue.BufferedCount() }

// BufferedMessage implements link.Buffer.
func (l *Link) BufferedMessage(index int) (string, link.Message, bool) {
	return l.queue.BufferedMessage(index)
}

// DeleteBufferedMessage implements link.Buffer.
func (l *Link) DeleteBufferedMessage(index int) bool { return l.queue.DeleteBufferedMessage(index) }

// SetBuffering implements link.Buffer.
func (l *Link) SetBuffering(enabled bool, capacity int) {
	l.mu.Lock()
	l.buffering = enabled
	l.mu.Unlock()
	l.queue.SetCapacity(capacity)
}

func (l *Link) getHandler() link.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

var (
	_ link.Link   = (*Link)(nil)
	_ link.Pinger = (*Link)(nil)
	_ link.Buffer = (*Link)(nil)
)
