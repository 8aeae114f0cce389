package loader

import (
	"context"
	"errors"
	"net/http"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/download"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/telemetry"
	"github.com/wolfeidau/fetch-cache/transport"
)

const (
	sourceStore   = "persisted"
	sourceNetwork = "transport"
)

// fetchRun settles rec exactly once: from the persisted store when it holds
// a fresh response, otherwise from the transport.
func (m *Manager[T]) fetchRun(ctx context.Context, rec *download.Record[T]) {
	defer m.fetches.Done()

	start := time.Now()
	key := rec.Key()
	cfg := m.Config()
	policy := key.Policy.Or(cfg.CachePolicy)
	ctx = telemetry.WithPolicyContext(ctx, policy.String())

	value, source, err := m.fetch(ctx, key, policy, cfg)

	outcome := "finished"
	if err != nil {
		outcome = outcomeOf(err)
		m.logger.Debug("fetch failed", "url", key.URL, "policy", policy.String(), "error", err)
		rec.SetStatus(download.Failed[T](err))
	} else {
		rec.SetStatus(download.Finished(value))
	}
	telemetry.RecordFetch(ctx, source, outcome, time.Since(start))
}

func (m *Manager[T]) fetch(ctx context.Context, key fetchcache.Key, policy fetchcache.CachePolicy, cfg Config) (T, string, error) {
	var zero T

	if policy.ReadsStore() {
		if value, ok := m.loadPersisted(ctx, key, cfg); ok {
			return value, sourceStore, nil
		}
	}
	if !policy.Loads() {
		return zero, sourceStore, fetchcache.NewError(fetchcache.ErrNotCached, key.URL, nil)
	}

	resp, _, err := m.downloader.Do(ctx, key.StorageKey(), func(ctx context.Context) (*transport.Response, error) {
		return m.fetcher.Fetch(ctx, key)
	})
	if err != nil {
		return zero, sourceNetwork, fetchcache.NewError(fetchcache.ErrTransportFailure, key.URL, err)
	}

	value, err := m.decoder.Decode(resp.Body)
	if err != nil {
		return zero, sourceNetwork, fetchcache.NewError(fetchcache.ErrDecodeFailure, key.URL, err)
	}

	m.persist(ctx, key, cfg, resp)
	return value, sourceNetwork, nil
}

// loadPersisted returns the decoded persisted response for key when it is
// fresh. Stale and undecodable responses are removed.
func (m *Manager[T]) loadPersisted(ctx context.Context, key fetchcache.Key, cfg Config) (T, bool) {
	var zero T
	if m.store == nil || cfg.DiskCacheMaxAge == 0 {
		return zero, false
	}

	storageKey := key.StorageKey()
	resp, err := m.store.Get(ctx, storageKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to read persisted response", "url", key.URL, "error", err)
		}
		return zero, false
	}

	if !cfg.fresh(resp.CreatedAt, m.now()) {
		m.logger.Debug("persisted response stale", "url", key.URL, "created_at", resp.CreatedAt)
		m.remove(ctx, storageKey)
		return zero, false
	}

	value, err := m.decoder.Decode(resp.Body)
	if err != nil {
		m.logger.Warn("persisted response undecodable", "url", key.URL, "error", err)
		m.remove(ctx, storageKey)
		return zero, false
	}
	return value, true
}

func (m *Manager[T]) remove(ctx context.Context, storageKey string) {
	if err := m.store.Delete(ctx, storageKey); err != nil {
		m.logger.Warn("failed to remove persisted response", "key", storageKey, "error", err)
	}
}

// persist writes resp to the store when the policies and size allow it.
// Failures are logged and never reach consumers.
func (m *Manager[T]) persist(ctx context.Context, key fetchcache.Key, cfg Config, resp *transport.Response) {
	if m.store == nil {
		return
	}
	if reason := cfg.skipPersist(key.Policy, int64(len(resp.Body))); reason != "" {
		telemetry.RecordPersist(ctx, reason)
		return
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Cache-Control", store.FormatMaxAge(cfg.DiskCacheMaxAge))

	cached := &store.CachedResponse{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
		CreatedAt:  m.now(),
	}
	if err := m.store.Put(ctx, key.StorageKey(), cached); err != nil {
		m.logger.Warn("failed to persist response", "url", key.URL, "error", err)
		telemetry.RecordPersist(ctx, "error")
		return
	}
	telemetry.RecordPersist(ctx, "stored")
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, fetchcache.ErrNotCached):
		return "not_cached"
	case errors.Is(err, fetchcache.ErrDecodeFailure):
		return "decode_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport_error"
	}
}
