// Package loader resolves requests into decoded artifacts. It deduplicates
// concurrent requests per key, consults the persisted store under the
// request's cache policy, fetches from the transport when needed and fans
// each result out to every consumer waiting on the key.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/decode"
	"github.com/wolfeidau/fetch-cache/download"
	"github.com/wolfeidau/fetch-cache/pressure"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/telemetry"
	"github.com/wolfeidau/fetch-cache/transport"
)

// ErrClosed is delivered to consumers resolving after Close.
var ErrClosed = errors.New("manager closed")

// Manager resolves requests to artifacts of type T.
type Manager[T any] struct {
	tracker    *download.Tracker[T]
	downloader *download.Downloader[*transport.Response]
	store      store.Store
	fetcher    transport.Fetcher
	decoder    decode.Decoder[T]
	dispatch   download.Dispatcher
	queue      *download.SerialQueue // owned queue, nil when a dispatcher was supplied
	logger     *slog.Logger
	now        func() time.Time

	mu  sync.RWMutex
	cfg Config

	unsubscribe []func()
	fetches     sync.WaitGroup
	life        sync.RWMutex
	closed      bool
}

type options struct {
	config     Config
	logger     *slog.Logger
	dispatcher download.Dispatcher
	sources    []pressure.Source
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDispatcher sets where consumer callbacks run. By default the manager
// owns a download.SerialQueue.
func WithDispatcher(d download.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithPressureSource subscribes the manager to memory-pressure events. It
// may be given more than once.
func WithPressureSource(src pressure.Source) Option {
	return func(o *options) {
		if src != nil {
			o.sources = append(o.sources, src)
		}
	}
}

// WithNow sets the clock used for response freshness.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a manager. A nil store keeps nothing beyond the in-memory
// records.
func New[T any](s store.Store, f transport.Fetcher, d decode.Decoder[T], opts ...Option) (*Manager[T], error) {
	if f == nil {
		return nil, errors.New("fetcher is required")
	}
	if d == nil {
		return nil, errors.New("decoder is required")
	}

	o := options{
		config: DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := o.logger.With("component", "loader")
	m := &Manager[T]{
		downloader: download.NewDownloader[*transport.Response](download.WithLogger(logger)),
		store:      s,
		fetcher:    f,
		decoder:    d,
		dispatch:   o.dispatcher,
		logger:     logger,
		now:        o.now,
		cfg:        o.config,
	}
	if m.dispatch == nil {
		m.queue = download.NewSerialQueue()
		m.dispatch = m.queue
	}
	m.tracker = download.NewTracker[T](m.dispatch)

	if c, ok := f.(transport.Configurable); ok {
		c.SetTimeout(o.config.RequestTimeout)
		c.SetCachePolicy(o.config.CachePolicy)
	}
	for _, src := range o.sources {
		m.unsubscribe = append(m.unsubscribe, src.Subscribe(func() { m.HandleMemoryPressure() }))
	}
	return m, nil
}

// Resolve delivers the artifact for req to c. It never blocks: the result
// arrives through c's callback on the manager's dispatcher. ctx only
// carries values, its cancellation does not stop the fetch.
//
// A consumer observes one key at a time, so resolving with a consumer that
// waits on another key moves it to this one.
func (m *Manager[T]) Resolve(ctx context.Context, req fetchcache.Request, c *download.Consumer[T]) {
	m.attach(ctx, req, c, m.tracker.Acquire)
}

func (m *Manager[T]) attach(ctx context.Context, req fetchcache.Request, c *download.Consumer[T],
	join func(fetchcache.Key, *download.Consumer[T]) (*download.Record[T], download.Outcome),
) {
	if m.isClosed() {
		download.DeliverOn(m.dispatch, c, download.Failed[T](ErrClosed))
		return
	}

	key, err := m.key(req)
	if err != nil {
		telemetry.RecordResolve(ctx, "invalid")
		m.logger.Debug("invalid request", "url", req.URL, "error", err)
		download.DeliverOn(m.dispatch, c, download.Failed[T](err))
		return
	}

	rec, out := join(key, c)
	telemetry.RecordResolve(ctx, resolvePath(out))

	if out == download.Started && !m.startFetch(context.WithoutCancel(ctx), rec) {
		rec.SetStatus(download.Failed[T](ErrClosed))
	}
}

func (m *Manager[T]) isClosed() bool {
	m.life.RLock()
	defer m.life.RUnlock()
	return m.closed
}

// startFetch runs the fetch for rec on its own goroutine unless the manager
// is closing.
func (m *Manager[T]) startFetch(ctx context.Context, rec *download.Record[T]) bool {
	m.life.RLock()
	defer m.life.RUnlock()
	if m.closed {
		return false
	}
	m.fetches.Add(1)
	go m.fetchRun(ctx, rec)
	return true
}

// Migrate moves c from whatever key it waits on to req. Unlike Resolve, a
// target that already failed hands c its failure instead of fetching again.
func (m *Manager[T]) Migrate(ctx context.Context, c *download.Consumer[T], req fetchcache.Request) {
	m.attach(ctx, req, c, func(k fetchcache.Key, c *download.Consumer[T]) (*download.Record[T], download.Outcome) {
		return m.tracker.MigrateConsumer(c, k)
	})
}

// Cancel detaches c from the record it waits on. Its callback will not be invoked
// for results settled afterwards.
func (m *Manager[T]) Cancel(c *download.Consumer[T]) int {
	return m.tracker.Detach(c)
}

// Cached returns the in-memory artifact for req, if its record finished.
func (m *Manager[T]) Cached(req fetchcache.Request) (T, bool) {
	var zero T
	key, err := m.key(req)
	if err != nil {
		return zero, false
	}
	rec, ok := m.tracker.Lookup(key)
	if !ok {
		return zero, false
	}
	return rec.Status().Value()
}

func (m *Manager[T]) key(req fetchcache.Request) (fetchcache.Key, error) {
	if req.Accept == "" {
		req.Accept = m.Config().DefaultAccept
	}
	return fetchcache.NewKey(req)
}

func resolvePath(out download.Outcome) string {
	switch out {
	case download.Started:
		return "started"
	case download.Joined:
		return "joined"
	default:
		return "memory"
	}
}

// HandleMemoryPressure drops records according to the configured pressure
// mode. Only PressureClear removes downloading records, and their fetches
// still notify the consumers attached to them. It returns the number of
// records removed.
func (m *Manager[T]) HandleMemoryPressure() int {
	mode := m.Config().PressureMode
	var removed int
	switch mode {
	case PressureClearIdle:
		removed = m.tracker.ClearIdle()
	case PressureClear:
		removed = m.tracker.Clear()
	default:
		removed = m.tracker.SweepTerminal()
	}
	telemetry.RecordMemoryPressure(context.Background(), mode.String(), removed)
	m.logger.Info("memory pressure handled", "mode", mode.String(), "removed", removed)
	return removed
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Records download.Counts `json:"records"`
	Config  ConfigView      `json:"config"`
}

// ConfigView is the JSON form of Config.
type ConfigView struct {
	DiskCacheMaxAge    string  `json:"disk_cache_max_age"`
	RequestTimeout     string  `json:"request_timeout"`
	CachePolicy        string  `json:"cache_policy"`
	DiskCapacity       int64   `json:"disk_capacity"`
	MaxPersistFraction float64 `json:"max_persist_fraction"`
	PressureMode       string  `json:"pressure_mode"`
	DefaultAccept      string  `json:"default_accept"`
}

// Stats counts records by state and reports the current configuration.
func (m *Manager[T]) Stats() Stats {
	counts := m.tracker.Snapshot()
	telemetry.UpdateRecordCounts(context.Background(), map[string]int{
		download.StateNone.String():        counts.None,
		download.StateDownloading.String(): counts.Downloading,
		download.StateFinished.String():    counts.Finished,
		download.StateFailed.String():      counts.Failed,
	})

	cfg := m.Config()
	return Stats{
		Records: counts,
		Config: ConfigView{
			DiskCacheMaxAge:    cfg.DiskCacheMaxAge.String(),
			RequestTimeout:     cfg.RequestTimeout.String(),
			CachePolicy:        cfg.CachePolicy.String(),
			DiskCapacity:       cfg.DiskCapacity,
			MaxPersistFraction: cfg.MaxPersistFraction,
			PressureMode:       cfg.PressureMode.String(),
			DefaultAccept:      cfg.DefaultAccept,
		},
	}
}

// Config returns a copy of the current configuration.
func (m *Manager[T]) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// DiskCacheMaxAge returns how long persisted responses stay fresh.
func (m *Manager[T]) DiskCacheMaxAge() time.Duration { return m.Config().DiskCacheMaxAge }

// RequestTimeout returns the transport timeout.
func (m *Manager[T]) RequestTimeout() time.Duration { return m.Config().RequestTimeout }

// CachePolicy returns the session policy.
func (m *Manager[T]) CachePolicy() fetchcache.CachePolicy { return m.Config().CachePolicy }

// FadeDuration returns the configured transition duration.
func (m *Manager[T]) FadeDuration() time.Duration { return m.Config().FadeDuration }

// SetDiskCacheMaxAge changes the persisted freshness window. Zero purges
// the store and disables persistence.
func (m *Manager[T]) SetDiskCacheMaxAge(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("disk cache max age must not be negative: %s", d)
	}
	m.mu.Lock()
	m.cfg.DiskCacheMaxAge = d
	m.mu.Unlock()

	if d == 0 && m.store != nil {
		if err := m.store.Purge(ctx); err != nil {
			m.logger.Error("failed to purge store", "error", err)
			return fmt.Errorf("purging store: %w", err)
		}
		m.logger.Info("persisted responses purged")
	}
	return nil
}

// SetRequestTimeout changes the timeout of fetches started afterwards.
func (m *Manager[T]) SetRequestTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("request timeout must be positive: %s", d)
	}
	m.mu.Lock()
	m.cfg.RequestTimeout = d
	m.mu.Unlock()

	if c, ok := m.fetcher.(transport.Configurable); ok {
		c.SetTimeout(d)
	}
	return nil
}

// SetCachePolicy changes the session policy.
func (m *Manager[T]) SetCachePolicy(p fetchcache.CachePolicy) error {
	if p == fetchcache.PolicyDefault {
		return errors.New("session cache policy must not be default")
	}
	if _, err := p.MarshalText(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.CachePolicy = p
	m.mu.Unlock()

	if c, ok := m.fetcher.(transport.Configurable); ok {
		c.SetCachePolicy(p)
	}
	return nil
}

// SetPressureMode changes what memory-pressure events remove.
func (m *Manager[T]) SetPressureMode(mode PressureMode) {
	m.mu.Lock()
	m.cfg.PressureMode = mode
	m.mu.Unlock()
}

// Close stops accepting requests, waits for fetches in flight and drains
// pending callbacks. It does not close the store.
func (m *Manager[T]) Close() error {
	m.life.Lock()
	if m.closed {
		m.life.Unlock()
		return nil
	}
	m.closed = true
	m.life.Unlock()

	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	m.fetches.Wait()
	if m.queue != nil {
		m.queue.Close()
	}
	return nil
}

// Flush waits until every callback queued so far has run. It is a no-op
// with a caller supplied dispatcher.
func (m *Manager[T]) Flush() {
	if m.queue != nil {
		m.queue.Flush()
	}
}
