// Package expiry removes persisted responses that outlived their TTL and
// keeps the store within its size budget.
package expiry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

// Store is a persisted store whose entries can be enumerated.
type Store interface {
	store.Lister
	Delete(ctx context.Context, key string) error
}

// Config holds expiration configuration.
type Config struct {
	// TTL is the time-to-live of a response since it was stored.
	// Zero means no TTL-based expiration.
	TTL time.Duration

	// MaxSize is the maximum total size of stored bodies in bytes.
	// When exceeded, the oldest responses are evicted until under limit.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Sweep, when set, runs at the end of every check. The CLI uses it to
	// drop settled in-memory records.
	Sweep func() int

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           7 * 24 * time.Hour,
		MaxSize:       100 * 1024 * 1024,
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager expires persisted responses by age and by total size.
type Manager struct {
	config Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(s Store, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		store:  s,
		logger: cfg.Logger.With("component", "expiry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetTTL changes the TTL used by subsequent checks.
func (m *Manager) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.TTL = ttl
}

func (m *Manager) settings() (time.Duration, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.TTL, m.config.MaxSize
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// Run performs checks until ctx is done. It blocks, for use as a run group actor.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-m.stopCh:
	}
	m.Stop()
	return ctx.Err()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	TTLExpired   int
	SizeEvicted  int
	BytesFreed   int64
	RecordsSwept int
	Errors       int
	Duration     time.Duration
}

func (m *Manager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}
	ttl, maxSize := m.settings()

	m.logger.Debug("starting expiration check")

	entries, err := m.store.Entries(ctx)
	if err != nil {
		m.logger.Error("failed to list stored responses", "error", err)
		result.Errors++
		return result
	}

	// Phase 1: TTL expiration
	if ttl > 0 {
		phaseStart := time.Now()
		ttlResult := m.expireByTTL(ctx, entries, ttl)
		result.TTLExpired = ttlResult.expired
		result.BytesFreed += ttlResult.bytesFreed
		result.Errors += ttlResult.errors
		entries = ttlResult.remaining
		telemetry.RecordReaperCycle(ctx, "ttl", ttlResult.expired, time.Since(phaseStart))
	}

	// Phase 2: oldest-first eviction if over size limit
	if maxSize > 0 {
		phaseStart := time.Now()
		sizeResult := m.evictBySize(ctx, entries, maxSize)
		result.SizeEvicted = sizeResult.evicted
		result.BytesFreed += sizeResult.bytesFreed
		result.Errors += sizeResult.errors
		telemetry.RecordReaperCycle(ctx, "size", sizeResult.evicted, time.Since(phaseStart))
	}

	if m.config.Sweep != nil {
		result.RecordsSwept = m.config.Sweep()
	}

	result.Duration = m.now().Sub(start)

	if result.TTLExpired > 0 || result.SizeEvicted > 0 {
		m.logger.Info("expiration complete",
			"ttl_expired", result.TTLExpired,
			"size_evicted", result.SizeEvicted,
			"bytes_freed", result.BytesFreed,
			"records_swept", result.RecordsSwept,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire", "records_swept", result.RecordsSwept)
	}

	return result
}

type ttlResult struct {
	expired    int
	bytesFreed int64
	errors     int
	remaining  []store.Entry
}

func (m *Manager) expireByTTL(ctx context.Context, entries []store.Entry, ttl time.Duration) ttlResult {
	result := ttlResult{}
	cutoff := m.now().Add(-ttl)

	for _, entry := range entries {
		if !entry.CreatedAt.Before(cutoff) {
			result.remaining = append(result.remaining, entry)
			continue
		}
		if err := m.store.Delete(ctx, entry.Key); err != nil {
			m.logger.Warn("failed to delete expired response", "key", entry.Key, "error", err)
			result.errors++
			continue
		}
		result.expired++
		result.bytesFreed += entry.Size
		m.logger.Debug("expired response by TTL",
			"key", entry.Key,
			"created_at", entry.CreatedAt,
			"age", m.now().Sub(entry.CreatedAt),
		)
	}

	return result
}

type sizeResult struct {
	evicted    int
	bytesFreed int64
	errors     int
}

func (m *Manager) evictBySize(ctx context.Context, entries []store.Entry, maxSize int64) sizeResult {
	result := sizeResult{}

	var totalSize int64
	for _, entry := range entries {
		totalSize += entry.Size
	}

	if totalSize <= maxSize {
		return result
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	for _, entry := range entries {
		if totalSize <= maxSize {
			break
		}

		if err := m.store.Delete(ctx, entry.Key); err != nil {
			m.logger.Warn("failed to evict response", "key", entry.Key, "error", err)
			result.errors++
			continue
		}

		result.evicted++
		result.bytesFreed += entry.Size
		totalSize -= entry.Size

		m.logger.Debug("evicted response by size",
			"key", entry.Key,
			"created_at", entry.CreatedAt,
			"size", entry.Size,
		)
	}

	return result
}

// ForceExpire immediately removes responses stored longer ago than olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	result := &ExpireResult{}
	start := m.now()

	entries, err := m.store.Entries(ctx)
	if err != nil {
		result.Errors++
		return result
	}

	r := m.expireByTTL(ctx, entries, olderThan)
	result.TTLExpired = r.expired
	result.BytesFreed = r.bytesFreed
	result.Errors = r.errors
	result.Duration = m.now().Sub(start)
	return result
}

// Stats summarises the stored responses.
type Stats struct {
	Entries   int       `json:"entries"`
	TotalSize int64     `json:"total_size"`
	Oldest    time.Time `json:"oldest,omitzero"`
}

// GetStats returns current store statistics.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Entries: len(entries)}
	for _, entry := range entries {
		stats.TotalSize += entry.Size
		if stats.Oldest.IsZero() || entry.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = entry.CreatedAt
		}
	}
	return stats, nil
}
