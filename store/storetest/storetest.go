// Package storetest provides a behavioural test suite shared by every
// store.Store implementation.
package storetest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Response returns a response for url created at createdAt, valid for maxAge.
func Response(url string, body []byte, createdAt time.Time, maxAge time.Duration) *store.CachedResponse {
	return &store.CachedResponse{
		URL:        url,
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":  []string{"image/png"},
			"Cache-Control": []string{store.FormatMaxAge(maxAge)},
		},
		Body:      body,
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
	}
}

// StorageKey returns the storage key for url.
func StorageKey(t *testing.T, url string) string {
	t.Helper()
	k, err := fetchcache.NewKey(fetchcache.Request{URL: url})
	require.NoError(t, err)
	return k.StorageKey()
}

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), StorageKey(t, "https://example.com/missing"))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := StorageKey(t, "https://example.com/a.png")
		want := Response("https://example.com/a.png", []byte("png-bytes"), time.Now(), time.Hour)

		require.NoError(t, s.Put(ctx, key, want))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want.URL, got.URL)
		require.Equal(t, want.StatusCode, got.StatusCode)
		require.Equal(t, want.Body, got.Body)
		require.Equal(t, "image/png", got.Header.Get("Content-Type"))
		require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created at %v, got %v", want.CreatedAt, got.CreatedAt)

		age, ok := got.MaxAge()
		require.True(t, ok)
		require.Equal(t, time.Hour, age)
	})

	t.Run("PutReplaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := StorageKey(t, "https://example.com/a.png")

		require.NoError(t, s.Put(ctx, key, Response("https://example.com/a.png", []byte("old"), time.Now(), time.Hour)))
		require.NoError(t, s.Put(ctx, key, Response("https://example.com/a.png", []byte("new"), time.Now(), time.Hour)))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte("new"), got.Body)
	})

	t.Run("LargeBody", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := StorageKey(t, "https://example.com/large")
		body := make([]byte, 256*1024)
		for i := range body {
			body[i] = byte(i % 7)
		}

		require.NoError(t, s.Put(ctx, key, Response("https://example.com/large", body, time.Now(), time.Hour)))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, body, got.Body)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := StorageKey(t, "https://example.com/a.png")

		require.NoError(t, s.Put(ctx, key, Response("https://example.com/a.png", []byte("x"), time.Now(), time.Hour)))
		require.NoError(t, s.Delete(ctx, key))
		_, err := s.Get(ctx, key)
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Delete(ctx, key), "delete is idempotent")
	})

	t.Run("Purge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		keys := []string{
			StorageKey(t, "https://example.com/1"),
			StorageKey(t, "https://example.com/2"),
			StorageKey(t, "https://example.com/3"),
		}
		for _, k := range keys {
			require.NoError(t, s.Put(ctx, k, Response("https://example.com/", []byte("x"), time.Now(), time.Hour)))
		}

		require.NoError(t, s.Purge(ctx))
		for _, k := range keys {
			_, err := s.Get(ctx, k)
			require.ErrorIs(t, err, store.ErrNotFound)
		}
	})

	t.Run("Entries", func(t *testing.T) {
		s := newStore(t)
		l, ok := s.(store.Lister)
		if !ok {
			t.Skip("store does not enumerate entries")
		}
		ctx := context.Background()
		created := time.Now().Add(-time.Minute)
		key := StorageKey(t, "https://example.com/listed")
		require.NoError(t, s.Put(ctx, key, Response("https://example.com/listed", []byte("12345"), created, time.Hour)))

		entries, err := l.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, key, entries[0].Key)
		require.EqualValues(t, 5, entries[0].Size)
		require.WithinDuration(t, created, entries[0].CreatedAt, time.Millisecond)
	})
}
