package download

import "sync"

// Dispatcher runs consumer callbacks on the designated delivery context.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs callbacks on the goroutine that triggered the delivery.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialQueue runs callbacks one at a time, in submission order, on a
// dedicated goroutine. Dispatch never blocks.
type SerialQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewSerialQueue starts a queue. Call Close to stop it.
func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Dispatch enqueues fn. Dispatch after Close runs fn on the caller.
func (q *SerialQueue) Dispatch(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fn()
		return
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
	q.mu.Unlock()
}

// Flush blocks until every callback enqueued before the call has run. It must
// not be called from a callback running on the queue.
func (q *SerialQueue) Flush() {
	ch := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.pending = append(q.pending, func() { close(ch) })
	q.cond.Signal()
	q.mu.Unlock()
	<-ch
}

// Close stops accepting callbacks, runs the ones already queued and waits
// for the queue goroutine to exit.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
