package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/graylink/internal/events"
	"github.com/nerrad567/graylink/internal/keepalive"
	"github.com/nerrad567/graylink/internal/link"
	"github.com/nerrad567/graylink/internal/store"
)

// storeTimeout bounds a single store call made by a connection.
const storeTimeout = 5 * time.Second

// maxRetryDelay caps the backoff between failed automatic reconnects.
const maxRetryDelay = 60 * time.Second

var errNetworkUnreachable = errors.New("network unreachable")

// Logger defines the logging interface used by connections and the registry.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// scheduler is the subset of keepalive.Scheduler a connection drives.
type scheduler interface {
	Start(key string, interval time.Duration)
	Stop(key string)
	ScheduleOnce(key string, delay time.Duration)
}

// deps are the collaborators shared by every connection in a registry.
type deps struct {
	store      store.Store
	scheduler  scheduler
	hold       keepalive.Hold
	dispatcher *events.Dispatcher
	reachable  func() bool
	fastProbe  time.Duration
	logger     Logger
}

// correlation ties an outstanding publish to the caller's token.
type correlation struct {
	topic  string
	msg    link.Message
	caller *Token
}

// Connection is the state machine for one identity.
//
// All exported methods are safe for concurrent use and return without
// waiting on the network or the store.
type Connection struct {
	id   Identity
	key  string
	link link.Link
	deps

	mu            sync.Mutex
	state         State
	opts          Options
	connecting    bool
	connectTok    *Token
	epoch         uint64
	session       uint64
	wantConnected bool
	delivering    bool
	closed        bool
	retries       int

	outMu    sync.Mutex
	outbound map[uint64]*correlation

	tokens  atomic.Uint64
	worker  *worker
	closing chan struct{}
	wg      sync.WaitGroup
}

func newConnection(id Identity, opts Options, l link.Link, d deps) *Connection {
	c := &Connection{
		id:       id,
		key:      id.Key(),
		link:     l,
		deps:     d,
		opts:     opts,
		outbound: make(map[uint64]*correlation),
		closing:  make(chan struct{}),
	}
	c.worker = newWorker(func(r any) {
		c.logger.Error("connection worker panic recovered",
			"connection", c.key,
			"panic", r,
		)
	})
	l.SetHandler(linkHandler{c: c})
	c.configureBuffer(opts)
	return c
}

// configureBuffer hands the buffering options to the link so publishes
// accepted before its first connect are queued.
func (c *Connection) configureBuffer(opts Options) {
	if b, ok := c.link.(link.Buffer); ok {
		b.SetBuffering(opts.BufferWhileDisconnected, opts.BufferCapacity)
	}
}

// Key returns the connection key.
func (c *Connection) Key() string { return c.key }

// Identity returns the identity the connection was created with.
func (c *Connection) Identity() Identity { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns the current options.
func (c *Connection) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Connection) newToken() *Token {
	return &Token{Token: link.NewToken(), ID: c.tokens.Add(1)}
}

func closedToken() *Token {
	return &Token{Token: link.Completed(ErrConnectionClosed)}
}

// emit dispatches ev for this connection. Only called from the worker.
func (c *Connection) emit(ev events.Event) {
	ev.Key = c.key
	c.dispatcher.Dispatch(ev)
}

// goAwait runs fn on a tracked goroutine. It reports false once the
// connection is closed.
func (c *Connection) goAwait(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// await blocks until tok completes or the connection closes.
func (c *Connection) await(tok *link.Token) error {
	select {
	case <-tok.Done():
		return tok.Err()
	case <-c.closing:
		return ErrConnectionClosed
	}
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// =============================================================================
// Connect
// =============================================================================

// Connect starts a connection attempt. When opts is non-nil it replaces
// the current options; the transport stays fixed. A Connect issued while
// an attempt is outstanding starts nothing new and returns a token for the
// outstanding attempt.
func (c *Connection) Connect(opts *Options) *Token {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return closedToken()
	}
	c.wantConnected = true

	if c.connecting {
		if c.connectTok == nil {
			c.connectTok = c.newToken()
		}
		tok := c.connectTok
		c.mu.Unlock()
		return tok
	}

	if opts != nil {
		o := *opts
		o.Transport = c.opts.Transport
		c.opts = o
	}
	current := c.opts

	tok := c.newToken()
	if c.state == Connected {
		c.mu.Unlock()
		if opts != nil {
			c.configureBuffer(current)
		}
		c.complete(tok, func() {
			c.emit(events.Event{Kind: events.KindConnect, TokenID: tok.ID})
		}, nil)
		return tok
	}

	c.connectTok = tok
	epoch := c.beginAttemptLocked()
	c.mu.Unlock()

	if opts != nil {
		c.configureBuffer(current)
	}

	c.worker.submit(func() {
		if current.CleanSession {
			c.purgeBacklog("clean session connect")
		}
		if !c.attemptCurrent(epoch) {
			return
		}
		c.logger.Debug("connecting", "connection", c.key)
		lt := c.link.Connect(current.linkOptions(c.id))
		c.goAwait(func() { c.connectResult(epoch, c.await(lt)) })
	})
	return tok
}

// complete runs emit on the worker and then resolves tok with err. If the
// worker is gone the token resolves with ErrConnectionClosed.
func (c *Connection) complete(tok *Token, emit func(), err error) {
	ok := c.worker.submit(func() {
		emit()
		tok.Complete(err)
	})
	if !ok {
		tok.Complete(ErrConnectionClosed)
	}
}

// beginAttemptLocked moves to Connecting under a fresh epoch.
func (c *Connection) beginAttemptLocked() uint64 {
	c.state = Connecting
	c.connecting = true
	c.epoch++
	return c.epoch
}

func (c *Connection) attemptCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.connecting && c.epoch == epoch
}

// connectResult applies the outcome of a link connect or reconnect.
func (c *Connection) connectResult(epoch uint64, err error) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch || !c.connecting {
		// Superseded, aborted, or already connected through ConnectComplete.
		orphan := err == nil && !c.closed && epoch != c.epoch &&
			c.state == Disconnected && !c.connecting
		c.mu.Unlock()
		if orphan {
			c.logger.Debug("dropping late connect", "connection", c.key)
			c.worker.submit(func() { c.link.Disconnect(0) })
		}
		return
	}

	if err == nil {
		c.markConnectedLocked(c.connectTok == nil)
		return
	}

	c.connecting = false
	c.state = Disconnected
	tok := c.connectTok
	c.connectTok = nil

	// A failed automatic reconnect has no caller to report to, so it is
	// retried until it succeeds or the caller disconnects.
	var retryIn time.Duration
	if tok == nil && c.wantConnected && c.opts.AutomaticReconnect {
		retryIn = c.retryDelayLocked()
		c.scheduler.ScheduleOnce(c.key, retryIn)
	}
	c.mu.Unlock()

	if tok == nil {
		c.logger.Warn("reconnect failed", "connection", c.key, "error", err, "retry_in", retryIn)
		return
	}
	c.logger.Warn("connect failed", "connection", c.key, "error", err)
	aerr := actionError("connect", c.key, nil, ErrConnectFailure, err)
	c.complete(tok, func() {
		c.emit(events.Event{Kind: events.KindConnect, Err: aerr, TokenID: tok.ID})
	}, aerr)
}

// retryDelayLocked returns the delay before the next automatic reconnect.
// It doubles from the fast probe delay up to the keep-alive interval, or
// maxRetryDelay without one.
func (c *Connection) retryDelayLocked() time.Duration {
	limit := maxRetryDelay
	if c.opts.KeepAlive > 0 && c.opts.KeepAlive < limit {
		limit = c.opts.KeepAlive
	}
	delay := c.fastProbe
	for i := 0; i < c.retries && delay < limit; i++ {
		delay *= 2
	}
	c.retries++
	return min(delay, limit)
}

// connectComplete handles the link reporting an established connection,
// including reconnects the link performed on its own.
func (c *Connection) connectComplete(reconnect bool) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
	case c.state == Connecting:
		c.markConnectedLocked(reconnect || c.connectTok == nil)
	case c.state == Disconnected && c.wantConnected:
		c.epoch++
		c.markConnectedLocked(true)
	default:
		c.mu.Unlock()
	}
}

// markConnectedLocked enters Connected and queues the connect side effects.
// It is called with c.mu held and releases it.
func (c *Connection) markConnectedLocked(reconnect bool) {
	c.state = Connected
	c.connecting = false
	c.delivering = false
	c.retries = 0
	c.session++
	session := c.session
	tok := c.connectTok
	c.connectTok = nil
	opts := c.opts

	// Queued before the lock is released so anything that observes
	// Connected is ordered after the replay.
	ok := c.worker.submit(func() { c.onConnected(session, tok, reconnect, opts) })
	c.mu.Unlock()

	c.logger.Info("connected", "connection", c.key, "reconnect", reconnect)
	if !ok && tok != nil {
		tok.Complete(ErrConnectionClosed)
	}
}

// onConnected reports success, replays the backlog and starts keep-alive
// probes. Live arrivals queue behind it on the worker, so the backlog is
// always delivered first.
func (c *Connection) onConnected(session uint64, tok *Token, reconnect bool, opts Options) {
	c.hold.Acquire(c.key)
	defer c.hold.Release(c.key)

	if tok != nil {
		c.emit(events.Event{Kind: events.KindConnect, TokenID: tok.ID})
		tok.Complete(nil)
	}
	c.emit(events.Event{
		Kind:      events.KindConnectComplete,
		Reconnect: reconnect,
		ServerURI: c.id.EndpointURI,
	})

	c.replay(session, opts.AckMode)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session != session || c.state != Connected {
		return
	}
	c.delivering = true
	if opts.KeepAlive > 0 {
		c.scheduler.Start(c.key, opts.KeepAlive)
	}
}

func (c *Connection) sessionLive(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.session == session && c.state == Connected
}

// replay delivers the stored backlog oldest first. It stops early if the
// session ends; undelivered messages stay stored for the next one.
func (c *Connection) replay(session uint64, ack AckMode) {
	ctx, cancel := storeContext()
	msgs, err := c.store.AllFor(ctx, c.key)
	cancel()
	if err != nil {
		c.logger.Error("failed to load backlog", "connection", c.key, "error", err)
		return
	}
	if len(msgs) > 0 {
		c.logger.Info("replaying backlog", "connection", c.key, "count", len(msgs))
	}

	for _, m := range msgs {
		if !c.sessionLive(session) {
			return
		}
		c.emit(events.Event{
			Kind:  events.KindMessageArrived,
			Topic: m.Topic,
			Arrival: &events.Arrival{
				ID:        m.ID,
				Topic:     m.Topic,
				Payload:   m.Payload,
				QoS:       m.QoS,
				Retained:  m.Retained,
				Duplicate: m.Duplicate,
				ArrivedAt: m.ArrivedAt,
				Replayed:  true,
			},
		})
		if ack == AckAuto {
			c.deleteStored(m.ID)
		}
	}
}

// =============================================================================
// Disconnect and loss
// =============================================================================

// Disconnect closes the connection, waiting up to quiesce for in-flight
// work. An outstanding connect attempt is aborted and pending automatic
// reconnects are cancelled. Disconnecting a connection that is not
// connected succeeds without waiting on the network, but a link left open
// by an offline signal is still closed. With a clean session the backlog
// is purged.
func (c *Connection) Disconnect(quiesce time.Duration) *Token {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return closedToken()
	}
	tok := c.newToken()
	c.wantConnected = false
	c.scheduler.Stop(c.key)
	clean := c.opts.CleanSession
	auto := c.opts.AutomaticReconnect

	switch c.state {
	case Connecting:
		aborted := c.connectTok
		c.connectTok = nil
		c.connecting = false
		c.state = Disconnected
		c.epoch++
		c.mu.Unlock()

		c.logger.Info("connect aborted", "connection", c.key)
		ok := c.worker.submit(func() {
			if aborted != nil {
				aerr := actionError("connect", c.key, nil, ErrConnectFailure, ErrConnectAborted)
				c.emit(events.Event{Kind: events.KindConnect, Err: aerr, TokenID: aborted.ID})
				aborted.Complete(aerr)
			}
			c.link.Disconnect(0)
			if clean {
				c.purgeBacklog("clean session disconnect")
			}
			c.emit(events.Event{Kind: events.KindDisconnect, TokenID: tok.ID})
			tok.Complete(nil)
		})
		if !ok {
			if aborted != nil {
				aborted.Complete(ErrConnectionClosed)
			}
			tok.Complete(ErrConnectionClosed)
		}
		return tok

	case Disconnected, Disconnecting:
		c.retries = 0
		c.mu.Unlock()
		c.complete(tok, func() {
			// An offline signal leaves the link open, and an automatic
			// link may be reconnecting on its own. Both are stopped here.
			if auto || c.link.IsConnected() {
				c.await(c.link.Disconnect(quiesce)) //nolint:errcheck // Already disconnected from the caller's view
			}
			if clean {
				c.purgeBacklog("clean session disconnect")
			}
			c.emit(events.Event{Kind: events.KindDisconnect, TokenID: tok.ID})
		}, nil)
		return tok
	}

	c.state = Disconnecting
	c.delivering = false
	c.session++
	c.mu.Unlock()

	ok := c.worker.submit(func() {
		err := c.await(c.link.Disconnect(quiesce))

		c.mu.Lock()
		if c.state == Disconnecting {
			c.state = Disconnected
		}
		c.mu.Unlock()

		if clean {
			c.purgeBacklog("clean session disconnect")
		}

		var aerr error
		if err != nil {
			aerr = actionError("disconnect", c.key, nil, ErrDisconnectFailure, err)
			c.logger.Warn("disconnect failed", "connection", c.key, "error", err)
		} else {
			c.logger.Info("disconnected", "connection", c.key)
		}
		c.emit(events.Event{Kind: events.KindDisconnect, Err: aerr, TokenID: tok.ID})
		tok.Complete(aerr)
	})
	if !ok {
		tok.Complete(ErrConnectionClosed)
	}
	return tok
}

// loseLocked moves a connected connection to Disconnected without link I/O.
func (c *Connection) loseLocked() {
	c.state = Disconnected
	c.delivering = false
	c.session++
	c.scheduler.Stop(c.key)
}

// connectionLost handles the link dropping unexpectedly. With automatic
// reconnect the link is left to recover and a fast probe is scheduled.
// Failed reconnects are retried with backoff until one succeeds or the
// caller disconnects. Without automatic reconnect the link is forced closed.
func (c *Connection) connectionLost(cause error) {
	c.mu.Lock()
	if c.closed || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.loseLocked()
	auto := c.opts.AutomaticReconnect
	if auto {
		c.scheduler.ScheduleOnce(c.key, c.fastProbe)
	}
	c.mu.Unlock()

	err := ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	c.logger.Warn("connection lost", "connection", c.key, "error", cause, "auto_reconnect", auto)

	c.worker.submit(func() {
		c.emit(events.Event{Kind: events.KindConnectionLost, Err: err})
		if !auto {
			c.link.Disconnect(0)
		}
	})
}

// offline reacts to the host losing network. A connected non-clean
// session is marked lost locally; clean sessions are left alone.
func (c *Connection) offline() {
	c.mu.Lock()
	if c.closed || c.state != Connected || c.opts.CleanSession {
		c.mu.Unlock()
		return
	}
	c.loseLocked()
	c.mu.Unlock()

	c.logger.Info("network offline, connection marked lost", "connection", c.key)
	err := fmt.Errorf("%w: %w", ErrConnectionLost, errNetworkUnreachable)
	c.worker.submit(func() {
		c.emit(events.Event{Kind: events.KindConnectionLost, Err: err})
	})
}

// reconnect is the sweep action. It does nothing while an attempt is
// outstanding, while the network is unreachable, or after the caller
// asked to disconnect. Without automatic reconnect only non-clean
// sessions are resumed.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.closed || c.connecting || !c.wantConnected || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	if c.reachable != nil && !c.reachable() {
		c.mu.Unlock()
		return
	}

	auto := c.opts.AutomaticReconnect
	if !auto && c.opts.CleanSession {
		c.mu.Unlock()
		return
	}
	epoch := c.beginAttemptLocked()
	opts := c.opts
	c.mu.Unlock()

	c.logger.Debug("reconnecting", "connection", c.key, "auto_reconnect", auto)
	c.worker.submit(func() {
		if !c.attemptCurrent(epoch) {
			return
		}
		var lt *link.Token
		if auto {
			lt = c.link.Reconnect()
		} else {
			lt = c.link.Connect(opts.linkOptions(c.id))
		}
		c.goAwait(func() { c.connectResult(epoch, c.await(lt)) })
	})
}

// probe is called by the keep-alive scheduler.
func (c *Connection) probe(ctx context.Context, kind keepalive.ProbeKind) {
	if kind == keepalive.Once {
		c.reconnect()
		return
	}

	c.mu.Lock()
	live := !c.closed && c.state == Connected
	c.mu.Unlock()
	if !live {
		return
	}

	var err error
	if p, ok := c.link.(link.Pinger); ok {
		err = p.Ping(ctx)
	} else if !c.link.IsConnected() {
		err = ErrNotConnected
	}
	if err != nil {
		c.connectionLost(fmt.Errorf("keep-alive probe: %w", err))
	}
}

// =============================================================================
// Messaging
// =============================================================================

// Publish sends payload to topic. When the connection is neither
// connected nor buffering it fails synchronously with ErrNotConnected and
// nothing is recorded.
func (c *Connection) Publish(topic string, payload []byte, qos byte, retained bool) (*Token, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidArgument)
	}
	if qos > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidArgument, qos)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	ready := c.state == Connected || c.opts.BufferWhileDisconnected
	c.mu.Unlock()

	if !ready {
		aerr := actionError("publish", c.key, []string{topic}, ErrPublishFailure, ErrNotConnected)
		c.worker.submit(func() {
			c.emit(events.Event{Kind: events.KindPublish, Topic: topic, Err: aerr})
		})
		return nil, aerr
	}

	tok := c.newToken()
	msg := link.Message{Payload: payload, QoS: qos, Retained: retained}

	c.outMu.Lock()
	c.outbound[tok.ID] = &correlation{topic: topic, msg: msg, caller: tok}
	c.outMu.Unlock()

	lt := c.link.Publish(topic, msg)
	if !c.goAwait(func() { c.resolvePublish(tok.ID, c.await(lt)) }) {
		c.resolvePublish(tok.ID, ErrConnectionClosed)
	}
	return tok, nil
}

// resolvePublish removes the correlation for id and reports the outcome.
// Only the first resolution of an id has any effect.
func (c *Connection) resolvePublish(id uint64, err error) {
	c.outMu.Lock()
	corr, ok := c.outbound[id]
	delete(c.outbound, id)
	c.outMu.Unlock()
	if !ok {
		return
	}

	if err == nil {
		c.complete(corr.caller, func() {
			c.emit(events.Event{Kind: events.KindDeliveryComplete, Topic: corr.topic, TokenID: id})
			c.emit(events.Event{Kind: events.KindPublish, Topic: corr.topic, TokenID: id})
		}, nil)
		return
	}

	aerr := actionError("publish", c.key, []string{corr.topic}, ErrPublishFailure, err)
	c.complete(corr.caller, func() {
		c.emit(events.Event{Kind: events.KindPublish, Topic: corr.topic, Err: aerr, TokenID: id})
	}, aerr)
}

// PendingDeliveries returns the number of publishes awaiting completion.
func (c *Connection) PendingDeliveries() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return len(c.outbound)
}

// Subscribe registers topic filters. qos is parallel to topics. The
// result is reported as one event for the whole topic set.
func (c *Connection) Subscribe(topics []string, qos []byte) (*Token, error) {
	if len(topics) == 0 || len(qos) != len(topics) {
		return nil, fmt.Errorf("%w: %d topics with %d qos values", ErrInvalidArgument, len(topics), len(qos))
	}
	for _, q := range qos {
		if q > 2 {
			return nil, fmt.Errorf("%w: qos %d", ErrInvalidArgument, q)
		}
	}
	return c.topicAction("subscribe", events.KindSubscribe, ErrSubscribeFailure, topics,
		func() *link.Token { return c.link.Subscribe(topics, qos) })
}

// Unsubscribe removes topic filters, reported as one event.
func (c *Connection) Unsubscribe(topics []string) (*Token, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrInvalidArgument)
	}
	return c.topicAction("unsubscribe", events.KindUnsubscribe, ErrUnsubscribeFailure, topics,
		func() *link.Token { return c.link.Unsubscribe(topics) })
}

func (c *Connection) topicAction(op string, kind events.Kind, sentinel error, topics []string, call func() *link.Token) (*Token, error) {
	topics = append([]string(nil), topics...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	connected := c.state == Connected
	c.mu.Unlock()

	tok := c.newToken()
	finish := func(err error) {
		var aerr error
		if err != nil {
			aerr = actionError(op, c.key, topics, sentinel, err)
		}
		c.complete(tok, func() {
			c.emit(events.Event{Kind: kind, Topics: topics, Err: aerr, TokenID: tok.ID})
		}, aerr)
	}

	if !connected {
		finish(ErrNotConnected)
		return tok, nil
	}

	lt := call()
	if !c.goAwait(func() { finish(c.await(lt)) }) {
		finish(ErrConnectionClosed)
	}
	return tok, nil
}

// =============================================================================
// Arrivals and storage
// =============================================================================

func (c *Connection) messageArrived(topic string, msg link.Message) {
	arrivedAt := time.Now()
	c.worker.submit(func() { c.storeAndDeliver(topic, msg, arrivedAt) })
}

// storeAndDeliver writes an arrival before handing it to listeners. While
// the connection is not delivering (down, or replaying) the message only
// goes to the store and is picked up by the next replay.
func (c *Connection) storeAndDeliver(topic string, msg link.Message, arrivedAt time.Time) {
	ctx, cancel := storeContext()
	id, err := c.store.Append(ctx, c.key, topic, msg.Payload, msg.QoS, msg.Retained, msg.Duplicate)
	cancel()
	if err != nil {
		c.logger.Error("failed to store inbound message",
			"connection", c.key,
			"topic", topic,
			"error", err,
		)
	}

	c.mu.Lock()
	deliver := c.delivering
	ack := c.opts.AckMode
	c.mu.Unlock()

	if !deliver {
		if err != nil {
			c.logger.Warn("inbound message dropped", "connection", c.key, "topic", topic)
		}
		return
	}

	c.emit(events.Event{
		Kind:  events.KindMessageArrived,
		Topic: topic,
		Arrival: &events.Arrival{
			ID:        id,
			Topic:     topic,
			Payload:   msg.Payload,
			QoS:       msg.QoS,
			Retained:  msg.Retained,
			Duplicate: msg.Duplicate,
			ArrivedAt: arrivedAt,
		},
	})
	if ack == AckAuto && id != "" {
		c.deleteStored(id)
	}
}

func (c *Connection) deleteStored(id string) {
	ctx, cancel := storeContext()
	defer cancel()
	if _, err := c.store.Delete(ctx, c.key, id); err != nil {
		c.logger.Warn("failed to delete delivered message",
			"connection", c.key,
			"message_id", id,
			"error", err,
		)
	}
}

func (c *Connection) purgeBacklog(reason string) {
	ctx, cancel := storeContext()
	defer cancel()
	n, err := c.store.Clear(ctx, c.key)
	if err != nil {
		c.logger.Warn("failed to purge backlog", "connection", c.key, "reason", reason, "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("backlog purged", "connection", c.key, "reason", reason, "count", n)
	}
}

// Acknowledge removes a delivered message in manual ack mode and waits
// for the delete. It returns false in auto mode, for unknown ids, and when
// ctx ends before the store answers. It may be called from a listener.
func (c *Connection) Acknowledge(ctx context.Context, id string) bool {
	c.mu.Lock()
	manual := c.opts.AckMode == AckManual
	c.mu.Unlock()
	if !manual || id == "" {
		return false
	}

	res := make(chan bool, 1)
	if !c.goAwait(func() { res <- c.ackStored(ctx, id) }) {
		return false
	}
	select {
	case ok := <-res:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) ackStored(ctx context.Context, id string) bool {
	ok, err := c.store.Delete(ctx, c.key, id)
	if err != nil {
		c.logger.Warn("failed to acknowledge message",
			"connection", c.key,
			"message_id", id,
			"error", err,
		)
		return false
	}
	return ok
}

// =============================================================================
// Outbound buffer
// =============================================================================

// BufferedCount returns the number of publishes queued in the link while
// disconnected.
func (c *Connection) BufferedCount() int {
	if b, ok := c.link.(link.Buffer); ok {
		return b.BufferedCount()
	}
	return 0
}

// BufferedMessage returns the queued publish at index.
func (c *Connection) BufferedMessage(index int) (string, link.Message, bool) {
	if b, ok := c.link.(link.Buffer); ok {
		return b.BufferedMessage(index)
	}
	return "", link.Message{}, false
}

// DeleteBufferedMessage drops the queued publish at index.
func (c *Connection) DeleteBufferedMessage(index int) bool {
	if b, ok := c.link.(link.Buffer); ok {
		return b.DeleteBufferedMessage(index)
	}
	return false
}

// =============================================================================
// Close
// =============================================================================

// Close stops the connection and releases its link. Pending actions
// complete with ErrConnectionClosed and late link callbacks are ignored.
// Stored messages are kept. Close must not be called from a listener.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasUp := c.state == Connected || c.connecting
	c.state = Disconnected
	c.connecting = false
	c.delivering = false
	c.epoch++
	c.session++
	pending := c.connectTok
	c.connectTok = nil
	c.scheduler.Stop(c.key)
	c.mu.Unlock()

	close(c.closing)
	c.wg.Wait()
	c.worker.close()

	if pending != nil {
		pending.Complete(ErrConnectionClosed)
	}

	c.outMu.Lock()
	outstanding := c.outbound
	c.outbound = make(map[uint64]*correlation)
	c.outMu.Unlock()
	for _, corr := range outstanding {
		corr.caller.Complete(ErrConnectionClosed)
	}

	if wasUp {
		c.link.Disconnect(0)
	}
	return c.link.Close()
}

// linkHandler adapts link callbacks onto a connection.
type linkHandler struct {
	c *Connection
}

func (h linkHandler) MessageArrived(topic string, msg link.Message) {
	h.c.messageArrived(topic, msg)
}

func (h linkHandler) ConnectionLost(err error) {
	h.c.connectionLost(err)
}

func (h linkHandler) ConnectComplete(reconnect bool, _ string) {
	h.c.connectComplete(reconnect)
}
