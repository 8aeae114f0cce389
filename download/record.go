package download

import (
	"context"
	"sync"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

// Record holds the state of one key and the consumers waiting on it.
// Callbacks are never invoked while the record lock is held.
type Record[T any] struct {
	key      fetchcache.Key
	dispatch Dispatcher
	index    *ownerIndex[T]

	mu        sync.Mutex
	status    Status[T]
	consumers []*Consumer[T]
}

func newRecord[T any](key fetchcache.Key, d Dispatcher) *Record[T] {
	return &Record[T]{key: key, dispatch: d, status: None[T]()}
}

func (r *Record[T]) Key() fetchcache.Key { return r.key }

func (r *Record[T]) Status() Status[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Consumers returns the number of live consumers attached.
func (r *Record[T]) Consumers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.consumers {
		if c.Alive() {
			n++
		}
	}
	return n
}

// AddConsumer attaches c unless a consumer with the same owner is already
// present. Dead consumers are pruned on the way. Tracker keeps an owner on one
// record at a time; attaching directly leaves that to the caller.
func (r *Record[T]) AddConsumer(c *Consumer[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(c)
}

func (r *Record[T]) addLocked(c *Consumer[T]) bool {
	live := r.consumers[:0]
	present := false
	for _, existing := range r.consumers {
		if !existing.Alive() {
			r.index.drop(existing.owner, r)
			continue
		}
		if existing.same(c) {
			present = true
		}
		live = append(live, existing)
	}
	clear(r.consumers[len(live):])
	r.consumers = live
	if present {
		return false
	}
	r.consumers = append(r.consumers, c)
	r.index.put(c.owner, r)
	return true
}

// RemoveConsumer detaches the consumer sharing c's owner.
func (r *Record[T]) RemoveConsumer(c *Consumer[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.consumers {
		if existing.same(c) {
			r.consumers = append(r.consumers[:i], r.consumers[i+1:]...)
			r.index.drop(c.owner, r)
			return true
		}
	}
	return false
}

// SetStatus replaces the status. A terminal status is fanned out to every
// attached consumer, after which the consumer list is empty.
func (r *Record[T]) SetStatus(s Status[T]) {
	r.mu.Lock()
	r.status = s
	var batch []*Consumer[T]
	if s.Terminal() {
		batch = r.takeLocked()
	}
	r.mu.Unlock()
	r.deliver(batch, s)
}

// Notify delivers the current terminal status to every attached consumer and
// empties the list. It does nothing unless the record is terminal.
func (r *Record[T]) Notify() int {
	r.mu.Lock()
	s := r.status
	if !s.Terminal() {
		r.mu.Unlock()
		return 0
	}
	batch := r.takeLocked()
	r.mu.Unlock()
	return r.deliver(batch, s)
}

// AttachOrDeliver attaches c while the record is still pending. When the
// record is already terminal, c alone receives the terminal status.
// It reports whether c was attached.
func (r *Record[T]) AttachOrDeliver(c *Consumer[T]) bool {
	r.mu.Lock()
	s := r.status
	if s.Terminal() {
		r.mu.Unlock()
		r.deliver([]*Consumer[T]{c}, s)
		return false
	}
	r.addLocked(c)
	r.mu.Unlock()
	return true
}

// Outcome describes what happened when a consumer was joined to a record.
type Outcome int

const (
	// Started means the record moved from none to downloading and the
	// caller owns the fetch.
	Started Outcome = iota
	// Joined means the consumer was attached to an in-flight fetch.
	Joined
	// Delivered means the record was already finished and the consumer was
	// handed the result.
	Delivered
	// stale means the record has failed and must be replaced.
	stale
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Joined:
		return "joined"
	case Delivered:
		return "delivered"
	default:
		return "stale"
	}
}

// join attaches c and reports the outcome. A finished record is returned as
// Delivered without invoking c; the caller delivers once it holds no locks.
func (r *Record[T]) join(c *Consumer[T]) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status.State() {
	case StateNone:
		r.addLocked(c)
		r.status = Downloading[T]()
		return Started
	case StateDownloading:
		r.addLocked(c)
		return Joined
	case StateFinished:
		return Delivered
	default:
		return stale
	}
}

// deliverTo hands the current terminal status to c alone.
func (r *Record[T]) deliverTo(c *Consumer[T]) {
	s := r.Status()
	if s.Terminal() {
		r.deliver([]*Consumer[T]{c}, s)
	}
}

func (r *Record[T]) takeLocked() []*Consumer[T] {
	batch := r.consumers
	r.consumers = nil
	for _, c := range batch {
		r.index.drop(c.owner, r)
	}
	return batch
}

// discard empties the consumer list without notifying anyone.
func (r *Record[T]) discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.takeLocked()
}

func (r *Record[T]) deliver(batch []*Consumer[T], s Status[T]) int {
	for _, c := range batch {
		r.dispatch.Dispatch(func() {
			delivered := c.deliver(s)
			telemetry.RecordDelivery(context.Background(), delivered)
		})
	}
	return len(batch)
}
