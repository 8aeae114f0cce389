package download

import (
	"sync"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

// Tracker is the registry of records keyed by request identity.
// Lock order is tracker, then record, then the owner index.
type Tracker[T any] struct {
	dispatch Dispatcher
	index    *ownerIndex[T]

	mu      sync.Mutex
	records map[fetchcache.Key]*Record[T]
}

// NewTracker creates a tracker delivering callbacks through d. A nil d
// delivers inline.
func NewTracker[T any](d Dispatcher) *Tracker[T] {
	if d == nil {
		d = Inline
	}
	return &Tracker[T]{
		dispatch: d,
		index:    newOwnerIndex[T](),
		records:  make(map[fetchcache.Key]*Record[T]),
	}
}

// RecordFor returns the record for key, creating it in the none state.
func (t *Tracker[T]) RecordFor(key fetchcache.Key) *Record[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordForLocked(key)
}

func (t *Tracker[T]) recordForLocked(key fetchcache.Key) *Record[T] {
	rec, ok := t.records[key]
	if !ok {
		rec = t.newRecordLocked(key)
	}
	return rec
}

func (t *Tracker[T]) newRecordLocked(key fetchcache.Key) *Record[T] {
	rec := newRecord[T](key, t.dispatch)
	rec.index = t.index
	t.records[key] = rec
	return rec
}

// Lookup returns the record for key without creating one.
func (t *Tracker[T]) Lookup(key fetchcache.Key) (*Record[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	return rec, ok
}

// Acquire moves c onto the record for key and reports how it was joined.
// A failed record is replaced with a fresh one, so the caller of a key that
// previously failed gets a new fetch. When the outcome is Started the caller
// must run the fetch and settle the returned record.
func (t *Tracker[T]) Acquire(key fetchcache.Key, c *Consumer[T]) (*Record[T], Outcome) {
	t.mu.Lock()
	rec := t.recordForLocked(key)
	t.detachPreviousLocked(c, rec)
	out := rec.join(c)
	if out == stale {
		rec = t.newRecordLocked(key)
		out = rec.join(c)
	}
	t.mu.Unlock()

	if out == Delivered {
		rec.deliverTo(c)
	}
	return rec, out
}

// MigrateConsumer moves c off the record it waits on and onto the record for
// to. A terminal target hands c its result, failures included, and reports
// Delivered. A target in the none state is started as with Acquire, and the
// caller must run the fetch.
func (t *Tracker[T]) MigrateConsumer(c *Consumer[T], to fetchcache.Key) (*Record[T], Outcome) {
	t.mu.Lock()
	rec := t.recordForLocked(to)
	t.detachPreviousLocked(c, rec)
	out := rec.join(c)
	if out == stale {
		out = Delivered
	}
	t.mu.Unlock()

	if out == Delivered {
		rec.deliverTo(c)
	}
	return rec, out
}

// Detach removes c from the record it waits on. It returns the number of
// records c was removed from.
func (t *Tracker[T]) Detach(c *Consumer[T]) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detachPreviousLocked(c, nil) {
		return 1
	}
	return 0
}

// detachPreviousLocked removes c from the record its owner is attached to
// unless that record is keep. The record may already have left the map.
func (t *Tracker[T]) detachPreviousLocked(c *Consumer[T], keep *Record[T]) bool {
	prev := t.index.get(c.owner)
	if prev == nil || prev == keep {
		return false
	}
	return prev.RemoveConsumer(c)
}

// SweepTerminal gives every terminal record a final notify pass and removes
// it. Downloading records are never touched. It returns the number of
// records removed.
func (t *Tracker[T]) SweepTerminal() int {
	t.mu.Lock()
	var swept []*Record[T]
	for k, rec := range t.records {
		if rec.Status().Terminal() {
			swept = append(swept, rec)
			delete(t.records, k)
		}
	}
	t.mu.Unlock()

	for _, rec := range swept {
		rec.Notify()
	}
	return len(swept)
}

// ClearIdle removes every record that is neither downloading nor holding a
// live consumer that still waits for it.
func (t *Tracker[T]) ClearIdle() int {
	t.mu.Lock()
	var removed []*Record[T]
	for k, rec := range t.records {
		s := rec.Status()
		if s.State() == StateDownloading || (!s.Terminal() && rec.Consumers() > 0) {
			continue
		}
		removed = append(removed, rec)
		delete(t.records, k)
	}
	t.mu.Unlock()

	for _, rec := range removed {
		if rec.Notify() == 0 {
			rec.discard()
		}
	}
	return len(removed)
}

// Clear removes every record. Terminal records get a final notify pass.
// Fetches in flight keep their record and still notify the consumers
// attached to it.
func (t *Tracker[T]) Clear() int {
	t.mu.Lock()
	removed := make([]*Record[T], 0, len(t.records))
	for _, rec := range t.records {
		removed = append(removed, rec)
	}
	clear(t.records)
	t.mu.Unlock()

	for _, rec := range removed {
		rec.Notify()
	}
	return len(removed)
}

// Len returns the number of records.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Counts is the number of records per state.
type Counts struct {
	None        int `json:"none"`
	Downloading int `json:"downloading"`
	Finished    int `json:"finished"`
	Failed      int `json:"failed"`
}

// Total returns the number of records counted.
func (c Counts) Total() int {
	return c.None + c.Downloading + c.Finished + c.Failed
}

// Snapshot counts records by state.
func (t *Tracker[T]) Snapshot() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	var c Counts
	for _, rec := range t.records {
		switch rec.Status().State() {
		case StateNone:
			c.None++
		case StateDownloading:
			c.Downloading++
		case StateFinished:
			c.Finished++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}
