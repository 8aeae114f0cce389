package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/store/storetest"
)

func newTestFilesystem(t *testing.T) *store.Filesystem {
	t.Helper()
	f, err := store.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFilesystem(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestFilesystem(t)
	})
}

func TestFilesystem_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := storetest.StorageKey(t, "https://example.com/reopen.png")

	f, err := store.NewFilesystem(dir)
	require.NoError(t, err)
	require.NoError(t, f.Put(ctx, key, storetest.Response("https://example.com/reopen.png", []byte("persisted"), time.Now(), time.Hour)))
	require.NoError(t, f.Close())

	f, err = store.NewFilesystem(dir)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	got, err := f.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got.Body)
}

func TestFilesystem_EntriesReportsUnreadable(t *testing.T) {
	dir := t.TempDir()
	f, err := store.NewFilesystem(dir)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	path := filepath.Join(dir, "responses", "zz", "garbage")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	entries, err := f.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "responses/zz/garbage", entries[0].Key)
	require.True(t, entries[0].CreatedAt.IsZero())

	_, err = f.Get(context.Background(), "responses/zz/garbage")
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrNotFound)
}

func TestFilesystem_EntriesEmpty(t *testing.T) {
	f := newTestFilesystem(t)
	entries, err := f.Entries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}
