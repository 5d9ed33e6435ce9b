package events

import (
	"sync"
	"time"
)

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

type registration struct {
	id       uint64
	listener Listener
}

// Dispatcher fans events out to per-key and global listeners.
//
// All methods are safe for concurrent use. Listeners registered while a
// Dispatch is running take effect from the next Dispatch.
type Dispatcher struct {
	mu     sync.RWMutex
	byKey  map[string][]registration
	global []registration
	nextID uint64

	now    func() time.Time
	logger Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		byKey:  make(map[string][]registration),
		now:    time.Now,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used to report listener panics.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// AddListener registers l for events of one connection key.
// The returned function removes the registration.
func (d *Dispatcher) AddListener(key string, l Listener) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.byKey[key] = append(d.byKey[key], registration{id: id, listener: l})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byKey[key] = without(d.byKey[key], id)
		if len(d.byKey[key]) == 0 {
			delete(d.byKey, key)
		}
	}
}

// AddGlobalListener registers l for events of every key.
func (d *Dispatcher) AddGlobalListener(l Listener) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.global = append(d.global, registration{id: id, listener: l})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.global = without(d.global, id)
	}
}

// RemoveKey drops every listener registered for key.
func (d *Dispatcher) RemoveKey(key string) {
	d.mu.Lock()
	delete(d.byKey, key)
	d.mu.Unlock()
}

// ListenerCount returns the number of listeners for key, excluding global ones.
func (d *Dispatcher) ListenerCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKey[key])
}

// Dispatch delivers ev to the key's listeners, then to global listeners,
// on the calling goroutine. A zero ev.Time is stamped with the current time.
// A panicking listener is logged and does not stop delivery to the others.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = d.now()
	}

	d.mu.RLock()
	targets := make([]Listener, 0, len(d.byKey[ev.Key])+len(d.global))
	for _, r := range d.byKey[ev.Key] {
		targets = append(targets, r.listener)
	}
	for _, r := range d.global {
		targets = append(targets, r.listener)
	}
	logger := d.logger
	d.mu.RUnlock()

	for _, l := range targets {
		d.deliver(l, ev, logger)
	}
}

func (d *Dispatcher) deliver(l Listener, ev Event, logger Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event listener panic recovered",
				"connection", ev.Key,
				"kind", ev.Kind.String(),
				"panic", r,
			)
		}
	}()
	l.HandleEvent(ev)
}

func without(regs []registration, id uint64) []registration {
	out := regs[:0:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}
