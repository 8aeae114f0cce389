package pressure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManual_Trigger(t *testing.T) {
	m := NewManual()
	var a, b atomic.Int32
	unsubA := m.Subscribe(func() { a.Add(1) })
	m.Subscribe(func() { b.Add(1) })

	require.Equal(t, 2, m.Trigger())
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(1), b.Load())

	unsubA()
	unsubA()
	require.Equal(t, 1, m.Trigger())
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(2), b.Load())
}

func TestManual_SubscribeFromHandler(t *testing.T) {
	m := NewManual()
	var inner atomic.Int32
	m.Subscribe(func() {
		m.Subscribe(func() { inner.Add(1) })
	})

	m.Trigger()
	require.Equal(t, int32(0), inner.Load())
	m.Trigger()
	require.Equal(t, int32(1), inner.Load())
}

func TestHeapMonitor_FiresOncePerCrossing(t *testing.T) {
	var used atomic.Uint64
	h := NewHeapMonitor(100, WithInterval(time.Millisecond), WithHeapReader(used.Load))

	var fired atomic.Int32
	h.Subscribe(func() { fired.Add(1) })

	armed := true
	used.Store(50)
	armed = h.check(armed)
	require.Equal(t, int32(0), fired.Load())

	used.Store(150)
	armed = h.check(armed)
	armed = h.check(armed)
	require.Equal(t, int32(1), fired.Load())

	used.Store(10)
	armed = h.check(armed)
	used.Store(200)
	h.check(armed)
	require.Equal(t, int32(2), fired.Load())
}

func TestHeapMonitor_Run(t *testing.T) {
	var used atomic.Uint64
	used.Store(1000)
	h := NewHeapMonitor(100, WithInterval(5*time.Millisecond), WithHeapReader(used.Load))

	fired := make(chan struct{}, 1)
	h.Subscribe(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("heap monitor did not fire")
	}

	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}

func TestReadHeapObjects(t *testing.T) {
	require.Greater(t, readHeapObjects(), uint64(0))
}
