package keepalive

import (
	"context"
	"sync"
	"time"
)

// Defaults applied to zero Config fields.
const (
	defaultResolution   = time.Second
	defaultProbeTimeout = 10 * time.Second
)

// ProbeKind distinguishes recurring keep-alive probes from one-shot probes.
type ProbeKind int

const (
	// Recurring probes check an established connection every interval.
	Recurring ProbeKind = iota

	// Once probes fire a single time after a delay, e.g. to retry a lost
	// connection quickly.
	Once
)

// String returns the probe kind name.
func (k ProbeKind) String() string {
	if k == Once {
		return "once"
	}
	return "recurring"
}

// Probe is invoked for each firing. ctx is cancelled after ProbeTimeout
// or when the scheduler closes.
type Probe func(ctx context.Context, key string, kind ProbeKind)

// Logger defines the logging interface used by the Scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Config contains scheduler settings.
type Config struct {
	// Resolution is how often deadlines are checked. It bounds how late a
	// probe can fire, including after host suspension.
	Resolution time.Duration

	// ProbeTimeout bounds a single probe's context.
	ProbeTimeout time.Duration

	// Hold is acquired around every probe. Nil means NopHold.
	Hold Hold
}

type recurring struct {
	interval time.Duration
	next     time.Time
	running  bool

	// generation changes on every Start so a probe finishing for a
	// replaced entry does not clear the new entry's running flag.
	generation uint64
}

// Scheduler fires probes for connection keys on wall-clock deadlines.
//
// All methods are safe for concurrent use. Probes for different keys may run
// concurrently; recurring probes for the same key never overlap.
type Scheduler struct {
	probe        Probe
	hold         Hold
	resolution   time.Duration
	probeTimeout time.Duration
	now          func() time.Time

	mu         sync.Mutex
	recurring  map[string]*recurring
	once       map[string]time.Time
	generation uint64

	logger   Logger
	loggerMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	fireWG sync.WaitGroup
}

// NewScheduler creates a scheduler and starts its ticker goroutine.
// Call Close to stop it.
//
// Parameters:
//   - cfg: Resolution, probe timeout and hold
//   - probe: Function invoked on every firing
//
// Returns:
//   - *Scheduler: Running scheduler with no keys registered
func NewScheduler(cfg Config, probe Probe) *Scheduler {
	return newScheduler(cfg, probe, time.Now)
}

func newScheduler(cfg Config, probe Probe, now func() time.Time) *Scheduler {
	if cfg.Resolution <= 0 {
		cfg.Resolution = defaultResolution
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Hold == nil {
		cfg.Hold = NopHold{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		probe:        probe,
		hold:         cfg.Hold,
		resolution:   cfg.Resolution,
		probeTimeout: cfg.ProbeTimeout,
		now:          now,
		recurring:    make(map[string]*recurring),
		once:         make(map[string]time.Time),
		logger:       noopLogger{},
		ctx:          ctx,
		cancel:       cancel,
	}

	s.loopWG.Add(1)
	go s.loop()
	return s
}

// SetLogger sets the logger for probe panics and debug tracing.
func (s *Scheduler) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Scheduler) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// wallNow returns the current time without its monotonic reading, so
// comparisons follow the wall clock across host suspension.
func (s *Scheduler) wallNow() time.Time {
	return s.now().Round(0)
}

// Start begins recurring probes for key every interval, replacing any
// existing schedule for key. A non-positive interval stops recurring probes.
func (s *Scheduler) Start(key string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if interval <= 0 {
		delete(s.recurring, key)
		return
	}
	s.generation++
	s.recurring[key] = &recurring{
		interval:   interval,
		next:       s.wallNow().Add(interval),
		generation: s.generation,
	}
}

// ScheduleOnce fires a single Once probe for key after delay. A pending
// one-shot for the same key is replaced.
func (s *Scheduler) ScheduleOnce(key string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once[key] = s.wallNow().Add(delay)
}

// Stop cancels recurring and pending one-shot probes for key.
// A probe already running is allowed to finish.
func (s *Scheduler) Stop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recurring, key)
	delete(s.once, key)
}

// Active reports whether key has a recurring schedule.
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recurring[key]
	return ok
}

// Pending reports whether key has a one-shot probe waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.once[key]
	return ok
}

// Close stops the ticker, cancels running probes' contexts and waits for
// them to return. Schedules are discarded.
func (s *Scheduler) Close() {
	s.cancel()
	s.loopWG.Wait()
	s.fireWG.Wait()

	s.mu.Lock()
	s.recurring = make(map[string]*recurring)
	s.once = make(map[string]time.Time)
	s.mu.Unlock()
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

type firing struct {
	key        string
	kind       ProbeKind
	generation uint64
}

// tick fires every probe whose deadline has passed.
func (s *Scheduler) tick() {
	now := s.wallNow()

	s.mu.Lock()
	var due []firing
	for key, deadline := range s.once {
		if !now.Before(deadline) {
			due = append(due, firing{key: key, kind: Once})
			delete(s.once, key)
		}
	}
	for key, r := range s.recurring {
		if r.running || now.Before(r.next) {
			continue
		}
		r.running = true
		r.next = now.Add(r.interval)
		due = append(due, firing{key: key, kind: Recurring, generation: r.generation})
	}
	s.mu.Unlock()

	for _, f := range due {
		s.fireWG.Add(1)
		go s.fire(f)
	}
}

// fire runs one probe under the hold.
func (s *Scheduler) fire(f firing) {
	defer s.fireWG.Done()

	s.hold.Acquire(f.key)
	defer s.hold.Release(f.key)

	if f.kind == Recurring {
		defer s.finishRecurring(f)
	}

	defer func() {
		if r := recover(); r != nil {
			s.getLogger().Error("keep-alive probe panic recovered",
				"connection", f.key,
				"kind", f.kind.String(),
				"panic", r,
			)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.probeTimeout)
	defer cancel()

	s.getLogger().Debug("keep-alive probe firing", "connection", f.key, "kind", f.kind.String())
	s.probe(ctx, f.key, f.kind)
}

func (s *Scheduler) finishRecurring(f firing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recurring[f.key]; ok && r.generation == f.generation {
		r.running = false
	}
}
