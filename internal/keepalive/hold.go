package keepalive

import "sync"

// Hold keeps the host awake while work that must not be suspended runs.
// On server hosts there is nothing to hold and NopHold is used.
type Hold interface {
	Acquire(key string)
	Release(key string)
}

// NopHold is a Hold that does nothing.
type NopHold struct{}

// Acquire implements Hold.
func (NopHold) Acquire(string) {}

// Release implements Hold.
func (NopHold) Release(string) {}

// CountingHold tracks outstanding acquisitions per key. It is useful for
// asserting that every acquisition is released.
type CountingHold struct {
	mu       sync.Mutex
	held     map[string]int
	acquired int
}

// NewCountingHold returns an empty CountingHold.
func NewCountingHold() *CountingHold {
	return &CountingHold{held: make(map[string]int)}
}

// Acquire implements Hold.
func (h *CountingHold) Acquire(key string) {
	h.mu.Lock()
	h.held[key]++
	h.acquired++
	h.mu.Unlock()
}

// Release implements Hold. Releasing a key that is not held is ignored.
func (h *CountingHold) Release(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held[key] == 0 {
		return
	}
	h.held[key]--
	if h.held[key] == 0 {
		delete(h.held, key)
	}
}

// Outstanding returns the number of unreleased acquisitions across all keys.
func (h *CountingHold) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.held {
		n += c
	}
	return n
}

// Acquired returns the total number of acquisitions ever made.
func (h *CountingHold) Acquired() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired
}
