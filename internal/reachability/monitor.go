package reachability

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 3 * time.Second
)

// Observer receives connectivity transitions. Calls are made one at a time
// in transition order.
type Observer interface {
	Online()
	Offline()
}

// Checker decides whether the network is currently reachable.
type Checker interface {
	Check(ctx context.Context) bool
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) bool

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) bool { return f(ctx) }

// DialChecker reports the network reachable when any of its addresses
// accepts a TCP connection.
type DialChecker struct {
	addresses []string
	timeout   time.Duration
	dialer    net.Dialer
}

// NewDialChecker creates a DialChecker for host:port addresses. An empty
// address list always reports reachable.
func NewDialChecker(addresses []string, timeout time.Duration) *DialChecker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DialChecker{addresses: addresses, timeout: timeout}
}

// Check implements Checker.
func (c *DialChecker) Check(ctx context.Context) bool {
	if len(c.addresses) == 0 {
		return true
	}
	for _, addr := range c.addresses {
		dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
		conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close() //nolint:errcheck // Probe connection only
			return true
		}
	}
	return false
}

// Logger defines the logging interface used by the Monitor.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains monitor settings.
type Config struct {
	// Interval between checks. Zero means 10s.
	Interval time.Duration

	// Timeout bounds a single check. Zero means 3s.
	Timeout time.Duration
}

// Monitor tracks reachability and notifies observers on transitions.
//
// The monitor starts out assuming the network is online, so the first
// failing check broadcasts Offline and a first passing check is silent.
type Monitor struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	online    bool
	observers map[int]Observer
	nextID    int

	// notifyMu serialises observer delivery so transitions arrive in order.
	notifyMu sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor. It does not poll until Start is called.
func NewMonitor(cfg Config, checker Checker) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		checker:   checker,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		online:    true,
		observers: make(map[int]Observer),
		logger:    noopLogger{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetLogger sets the logger for transition messages.
func (m *Monitor) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Monitor) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// AddObserver registers o for future transitions and returns a function
// that removes it.
func (m *Monitor) AddObserver(o Observer) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = o
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins polling. An immediate check runs first. Calling Start more
// than once has no effect.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
}

// Close stops polling and waits for the poll goroutine to exit.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// CheckNow runs one check synchronously and applies its result. A check
// interrupted by ctx cancellation is not applied.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	online := m.checker.Check(checkCtx)
	if ctx.Err() != nil {
		return online
	}
	m.Report(online)
	return online
}

// Report applies an externally observed state. Observers are notified only
// if it differs from the current state.
func (m *Monitor) Report(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	if online {
		m.getLogger().Info("network reachable")
	} else {
		m.getLogger().Info("network unreachable")
	}

	for _, o := range observers {
		m.notify(o, online)
	}
}

func (m *Monitor) notify(o Observer, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.getLogger().Error("reachability observer panic recovered", "panic", r)
		}
	}()
	if online {
		o.Online()
	} else {
		o.Offline()
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.CheckNow(m.ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(m.ctx)
		}
	}
}
