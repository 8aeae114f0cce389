// Package pressure provides memory-pressure event sources for the loader.
package pressure

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/metrics"
	"sync"
	"time"
)

// Source delivers memory-pressure events to its subscribers.
type Source interface {
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func()) (unsubscribe func())
}

// hub fans events out to subscribers. Handlers run outside the lock.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

func (h *hub) Subscribe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func())
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish() int {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Manual is a Source triggered explicitly, for example from an admin
// endpoint.
type Manual struct {
	hub
}

// NewManual creates a manual source.
func NewManual() *Manual {
	return &Manual{}
}

// Trigger notifies every subscriber and returns how many were notified.
func (m *Manual) Trigger() int {
	return m.publish()
}

// Signal is a Source raised by operating system signals.
type Signal struct {
	hub
	signals []os.Signal
	logger  *slog.Logger
}

// NewSignal creates a source raised whenever one of signals arrives.
func NewSignal(logger *slog.Logger, signals ...os.Signal) *Signal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signal{signals: signals, logger: logger}
}

// Run relays signals until ctx is done.
func (s *Signal) Run(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, s.signals...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-ch:
			s.logger.Info("memory pressure signal", "signal", sig.String())
			s.publish()
		}
	}
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// HeapMonitor is a Source raised when live heap objects cross a limit.
// It fires once per crossing and re-arms after usage falls below the limit.
type HeapMonitor struct {
	hub
	limit    uint64
	interval time.Duration
	read     func() uint64
	logger   *slog.Logger
}

// HeapOption configures a HeapMonitor.
type HeapOption func(*HeapMonitor)

// WithInterval sets how often the heap is sampled.
func WithInterval(d time.Duration) HeapOption {
	return func(h *HeapMonitor) {
		h.interval = d
	}
}

// WithHeapReader replaces the heap sampler.
func WithHeapReader(read func() uint64) HeapOption {
	return func(h *HeapMonitor) {
		h.read = read
	}
}

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) HeapOption {
	return func(h *HeapMonitor) {
		h.logger = logger
	}
}

// NewHeapMonitor creates a monitor with the given limit in bytes.
func NewHeapMonitor(limit uint64, opts ...HeapOption) *HeapMonitor {
	h := &HeapMonitor{
		limit:    limit,
		interval: 5 * time.Second,
		read:     readHeapObjects,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run samples the heap until ctx is done.
func (h *HeapMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	armed := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			armed = h.check(armed)
		}
	}
}

func (h *HeapMonitor) check(armed bool) bool {
	used := h.read()
	if used < h.limit {
		return true
	}
	if armed {
		h.logger.Warn("heap above limit", "used", used, "limit", h.limit)
		h.publish()
	}
	return false
}

func readHeapObjects() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

var (
	_ Source = (*Manual)(nil)
	_ Source = (*Signal)(nil)
	_ Source = (*HeapMonitor)(nil)
)
