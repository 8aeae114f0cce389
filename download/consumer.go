package download

import (
	"context"
	"sync/atomic"
)

// Owner is an ownership token for consumers. Callbacks registered under an
// owner stop being invoked once the owner is released.
type Owner struct {
	released atomic.Bool
}

// NewOwner returns a live owner.
func NewOwner() *Owner {
	return &Owner{}
}

// OwnerFromContext returns an owner that is released when ctx ends. The
// returned stop function detaches the owner from ctx without releasing it.
func OwnerFromContext(ctx context.Context) (*Owner, func() bool) {
	o := NewOwner()
	stop := context.AfterFunc(ctx, o.Release)
	return o, stop
}

// Release marks the owner as gone. It is safe to call more than once and
// from any goroutine, and never blocks.
func (o *Owner) Release() {
	o.released.Store(true)
}

// Alive reports whether the owner has not been released.
func (o *Owner) Alive() bool {
	return o != nil && !o.released.Load()
}

// Callback receives the outcome of a resolve. Exactly one of value or err is
// meaningful: err is nil on success.
type Callback[T any] func(value T, err error)

// Consumer pairs an owner with the callback to invoke when a key resolves.
// Two consumers are the same consumer when they share an owner.
type Consumer[T any] struct {
	owner *Owner
	fn    Callback[T]
}

// NewConsumer returns a consumer invoking fn on behalf of owner.
func NewConsumer[T any](owner *Owner, fn Callback[T]) *Consumer[T] {
	return &Consumer[T]{owner: owner, fn: fn}
}

func (c *Consumer[T]) Owner() *Owner { return c.owner }

func (c *Consumer[T]) Alive() bool { return c.owner.Alive() }

func (c *Consumer[T]) same(other *Consumer[T]) bool {
	return c.owner == other.owner
}

// deliver invokes the callback with a terminal status if the owner is still
// alive at this instant.
func (c *Consumer[T]) deliver(s Status[T]) bool {
	if !c.Alive() || c.fn == nil {
		return false
	}
	v, _ := s.Value()
	c.fn(v, s.Err())
	return true
}

// DeliverOn schedules a single delivery of s to c on d, for results that
// never had a record such as malformed identifiers.
func DeliverOn[T any](d Dispatcher, c *Consumer[T], s Status[T]) {
	if d == nil {
		d = Inline
	}
	d.Dispatch(func() { c.deliver(s) })
}
