package connection

import "sync"

// worker runs submitted functions one at a time in submission order.
// The queue is unbounded so submitting never blocks link callbacks.
type worker struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}

	recoverFn func(r any)
}

func newWorker(recoverFn func(r any)) *worker {
	w := &worker{
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		recoverFn: recoverFn,
	}
	go w.run()
	return w
}

// submit queues fn. It reports false once the worker is closed.
func (w *worker) submit(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// barrier blocks until everything submitted before it has run.
// It returns immediately on a closed worker.
func (w *worker) barrier() {
	ch := make(chan struct{})
	if !w.submit(func() { close(ch) }) {
		return
	}
	<-ch
}

// close stops accepting work, runs what is already queued and waits for
// the goroutine to exit. It must not be called from a task.
func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.tasks) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		fn := w.tasks[0]
		w.tasks[0] = nil
		w.tasks = w.tasks[1:]
		w.mu.Unlock()

		w.exec(fn)
	}
}

func (w *worker) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil && w.recoverFn != nil {
			w.recoverFn(r)
		}
	}()
	fn()
}
