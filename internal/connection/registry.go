package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/graylink/internal/events"
	"github.com/nerrad567/graylink/internal/keepalive"
	"github.com/nerrad567/graylink/internal/link"
	"github.com/nerrad567/graylink/internal/store"
)

// defaultFastProbeDelay is the delay of the one-shot reconnect probe
// scheduled after a connection loss.
const defaultFastProbeDelay = 100 * time.Millisecond

// Config contains registry settings.
type Config struct {
	// Store is used as-is when set. The caller keeps ownership.
	Store store.Store

	// Provision opens the store on first use when Store is nil. A failure
	// is reported as ErrPersistenceUnavailable and retried on the next
	// GetOrCreate. A provisioned store is closed by CloseAll.
	Provision func() (store.Store, error)

	// LinkFactory creates the link for each new connection.
	LinkFactory link.Factory

	// Dispatcher receives all events. Nil creates a private one.
	Dispatcher *events.Dispatcher

	// KeepAlive configures the shared keep-alive scheduler. Its Hold is
	// also held across connect replay.
	KeepAlive keepalive.Config

	// FastProbeDelay is the delay before the reconnect probe that follows
	// a connection loss. Zero means 100ms.
	FastProbeDelay time.Duration

	// Logger is optional.
	Logger Logger
}

// Registry creates, indexes and sweeps connections. It is the entry point
// for all connection operations and implements reachability.Observer.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool

	storeMu   sync.Mutex
	store     store.Store
	provision func() (store.Store, error)
	ownsStore bool

	factory    link.Factory
	dispatcher *events.Dispatcher
	scheduler  *keepalive.Scheduler
	hold       keepalive.Hold
	fastProbe  time.Duration
	online     atomic.Bool
	logger     Logger
}

// NewRegistry creates an empty registry and starts its keep-alive scheduler.
// Call CloseAll to release it.
//
// Parameters:
//   - cfg: Store, link factory, dispatcher and scheduler settings
//
// Returns:
//   - *Registry: Registry with no connections, assuming the network is online
func NewRegistry(cfg Config) *Registry {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = events.NewDispatcher()
	}
	if cfg.FastProbeDelay <= 0 {
		cfg.FastProbeDelay = defaultFastProbeDelay
	}
	if cfg.KeepAlive.Hold == nil {
		cfg.KeepAlive.Hold = keepalive.NopHold{}
	}
	var logger Logger = noopLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
		cfg.Dispatcher.SetLogger(cfg.Logger)
	}

	r := &Registry{
		conns:      make(map[string]*Connection),
		store:      cfg.Store,
		provision:  cfg.Provision,
		factory:    cfg.LinkFactory,
		dispatcher: cfg.Dispatcher,
		hold:       cfg.KeepAlive.Hold,
		fastProbe:  cfg.FastProbeDelay,
		logger:     logger,
	}
	r.online.Store(true)
	r.scheduler = keepalive.NewScheduler(cfg.KeepAlive, r.probe)
	r.scheduler.SetLogger(logger)
	return r
}

// ensureStore returns the store, provisioning it on first use.
func (r *Registry) ensureStore() (store.Store, error) {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	if r.store != nil {
		return r.store, nil
	}
	if r.provision == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrPersistenceUnavailable)
	}
	st, err := r.provision()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	r.store = st
	r.ownsStore = true
	return st, nil
}

// GetOrCreate returns the key for identity, creating the connection if it
// does not exist. An existing connection is returned untouched and opts
// are ignored.
//
// Parameters:
//   - identity: Endpoint, client ID and namespace
//   - opts: Initial options for a new connection
//
// Returns:
//   - string: Connection key
//   - error: ErrPersistenceUnavailable if the store cannot be provisioned
func (r *Registry) GetOrCreate(identity Identity, opts Options) (string, error) {
	key := identity.Key()

	r.mu.RLock()
	_, exists := r.conns[key]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", ErrConnectionClosed
	}
	if exists {
		return key, nil
	}

	st, err := r.ensureStore()
	if err != nil {
		return "", err
	}
	if r.factory == nil {
		return "", fmt.Errorf("%w: no link factory configured", ErrInvalidArgument)
	}
	l, err := r.factory(opts.Transport)
	if err != nil {
		return "", fmt.Errorf("connection: creating link for %s: %w", key, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		l.Close() //nolint:errcheck // Unused link
		return "", ErrConnectionClosed
	}
	if _, exists := r.conns[key]; exists {
		r.mu.Unlock()
		l.Close() //nolint:errcheck // Lost creation race
		return key, nil
	}
	r.conns[key] = newConnection(identity, opts, l, deps{
		store:      st,
		scheduler:  r.scheduler,
		hold:       r.hold,
		dispatcher: r.dispatcher,
		reachable:  r.Reachable,
		fastProbe:  r.fastProbe,
		logger:     r.logger,
	})
	r.mu.Unlock()

	r.logger.Debug("connection created", "connection", key, "transport", opts.Transport.String())
	return key, nil
}

func (r *Registry) lookup(key string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, key)
	}
	return c, nil
}

// Connection returns the connection for key.
func (r *Registry) Connection(key string) (*Connection, error) {
	return r.lookup(key)
}

// Connect starts a connection attempt with the current options.
func (r *Registry) Connect(key string) (*Token, error) {
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.Connect(nil), nil
}

// ConnectWithOptions replaces the options and starts a connection attempt.
func (r *Registry) ConnectWithOptions(key string, opts Options) (*Token, error) {
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.Connect(&opts), nil
}

// Disconnect closes the connection for key gracefully.
func (r *Registry) Disconnect(key string, quiesce time.Duration) (*Token, error) {
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.Disconnect(quiesce), nil
}

// Publish sends payload to topic on the connection for key.
func (r *Registry) Publish(key, topic string, payload []byte, qos byte, retained bool) (*Token, error) {
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.Publish(topic, payload, qos, retained)
}

// Subscribe registers topic filters on the connection for key.
func (r *Registry) Subscribe(key string, topics []string, qos []byte) (*Token, error) {
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(topics, qos)
}

// Unsubscribe removes topic filters on the connection for key.
func (r *Registry) Unsubscribe(key string, topics []string) (*Token, error) {
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return c.Unsubscribe(topics)
}

// Acknowledge removes a delivered message in manual ack mode.
func (r *Registry) Acknowledge(ctx context.Context, key, messageID string) (bool, error) {
	c, err := r.lookup(key)
	if err != nil {
		return false, err
	}
	return c.Acknowledge(ctx, messageID), nil
}

// AddListener registers l for events of key.
func (r *Registry) AddListener(key string, l events.Listener) (remove func(), err error) {
	if _, err := r.lookup(key); err != nil {
		return nil, err
	}
	return r.dispatcher.AddListener(key, l), nil
}

// AddGlobalListener registers l for events of every connection.
func (r *Registry) AddGlobalListener(l events.Listener) (remove func()) {
	return r.dispatcher.AddGlobalListener(l)
}

// State returns the lifecycle state of key.
func (r *Registry) State(key string) (State, error) {
	c, err := r.lookup(key)
	if err != nil {
		return Disconnected, err
	}
	return c.State(), nil
}

// Keys returns all connection keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// PendingDeliveries returns the number of publishes awaiting completion on key.
func (r *Registry) PendingDeliveries(key string) (int, error) {
	c, err := r.lookup(key)
	if err != nil {
		return 0, err
	}
	return c.PendingDeliveries(), nil
}

// BufferedCount returns the number of publishes the link for key has queued.
func (r *Registry) BufferedCount(key string) (int, error) {
	c, err := r.lookup(key)
	if err != nil {
		return 0, err
	}
	return c.BufferedCount(), nil
}

// BufferedMessage returns the queued publish at index on key.
func (r *Registry) BufferedMessage(key string, index int) (string, link.Message, bool, error) {
	c, err := r.lookup(key)
	if err != nil {
		return "", link.Message{}, false, err
	}
	topic, msg, ok := c.BufferedMessage(index)
	return topic, msg, ok, nil
}

// DeleteBufferedMessage drops the queued publish at index on key.
func (r *Registry) DeleteBufferedMessage(key string, index int) (bool, error) {
	c, err := r.lookup(key)
	if err != nil {
		return false, err
	}
	return c.DeleteBufferedMessage(index), nil
}

// =============================================================================
// Sweeps
// =============================================================================

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Reachable reports whether the network was last reported online.
func (r *Registry) Reachable() bool {
	return r.online.Load()
}

// ReconnectAll asks every connection to reconnect if it should.
func (r *Registry) ReconnectAll() {
	for _, c := range r.snapshot() {
		c.reconnect()
	}
}

// Online marks the network reachable and runs a reconnect sweep.
func (r *Registry) Online() {
	r.online.Store(true)
	r.logger.Info("network online, reconnecting")
	r.ReconnectAll()
}

// Offline marks the network unreachable. Connected non-clean sessions are
// marked lost without touching their links.
func (r *Registry) Offline() {
	r.online.Store(false)
	r.logger.Info("network offline")
	for _, c := range r.snapshot() {
		c.offline()
	}
}

func (r *Registry) probe(ctx context.Context, key string, kind keepalive.ProbeKind) {
	c, err := r.lookup(key)
	if err != nil {
		return
	}
	c.probe(ctx, kind)
}

// =============================================================================
// Close
// =============================================================================

// Close releases the connection for key and its listeners. Stored
// messages are kept.
func (r *Registry) Close(key string) error {
	r.mu.Lock()
	c, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, key)
	}

	err := c.Close()
	r.dispatcher.RemoveKey(key)
	return err
}

// CloseAll releases every connection, stops the scheduler and closes a
// provisioned store. Stored messages are kept for the next run. The
// registry cannot be used afterwards.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var errs []error
	for key, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
		}
		r.dispatcher.RemoveKey(key)
	}
	r.scheduler.Close()

	r.storeMu.Lock()
	if r.ownsStore {
		if closer, ok := r.store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing store: %w", err))
			}
		}
	}
	r.storeMu.Unlock()

	return errors.Join(errs...)
}
