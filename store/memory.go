package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process Store backed by ttlcache. Entries expire by the
// max-age recorded on each response.
type Memory struct {
	cache      *ttlcache.Cache[string, *CachedResponse]
	defaultTTL time.Duration
	now        func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithDefaultTTL sets the lifetime of responses that carry no max-age.
// Zero keeps them until deleted.
func WithDefaultTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.defaultTTL = d
	}
}

// WithMemoryNow sets the clock used to age responses.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a Memory store and starts its expiry loop.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.cache = ttlcache.New[string, *CachedResponse](
		ttlcache.WithTTL[string, *CachedResponse](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[string, *CachedResponse](),
	)
	go m.cache.Start()
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (*CachedResponse, error) {
	item := m.cache.Get(key)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value().Clone(), nil
}

// Put stores resp for the remainder of its max-age. A response whose
// max-age has already elapsed is not stored.
func (m *Memory) Put(ctx context.Context, key string, resp *CachedResponse) error {
	ttl := ttlcache.NoTTL
	if m.defaultTTL > 0 {
		ttl = m.defaultTTL
	}
	if expires, ok := resp.ExpiresAt(); ok {
		ttl = expires.Sub(m.now())
		if ttl <= 0 {
			m.cache.Delete(key)
			return nil
		}
	}
	m.cache.Set(key, resp.Clone(), ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Purge(ctx context.Context) error {
	m.cache.DeleteAll()
	return nil
}

// Entries lists the stored responses.
func (m *Memory) Entries(ctx context.Context) ([]Entry, error) {
	items := m.cache.Items()
	entries := make([]Entry, 0, len(items))
	for key, item := range items {
		resp := item.Value()
		entries = append(entries, Entry{Key: key, Size: resp.Size(), CreatedAt: resp.CreatedAt})
	}
	return entries, nil
}

// Len returns the number of stored responses.
func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close stops the expiry loop.
func (m *Memory) Close() error {
	m.cache.Stop()
	return nil
}

var (
	_ Store  = (*Memory)(nil)
	_ Lister = (*Memory)(nil)
)
