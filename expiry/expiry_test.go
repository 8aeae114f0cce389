package expiry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/fetch-cache/store"
)

func TestManagerTTLExpiration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	baseTime := time.Now()

	oldKey := seed(t, s, "old", baseTime.Add(-10*24*time.Hour), 100)
	newKey := seed(t, s, "new", baseTime.Add(-24*time.Hour), 100)

	cfg := Config{
		TTL:           7 * 24 * time.Hour,
		CheckInterval: time.Hour,
	}
	mgr := NewManager(s, cfg)
	mgr.now = func() time.Time { return baseTime }

	result := mgr.RunOnce(ctx)

	require.Equal(t, 1, result.TTLExpired)
	require.Equal(t, int64(100), result.BytesFreed)

	_, err := s.Get(ctx, oldKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(ctx, newKey)
	require.NoError(t, err)
}

func TestManagerSizeEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	baseTime := time.Now()

	keys := make([]string, 5)
	for i := range 5 {
		keys[i] = seed(t, s, fmt.Sprintf("blob-%d", i), baseTime.Add(time.Duration(i)*time.Hour), 100)
	}

	// 300 byte max should evict the 2 oldest
	cfg := Config{
		MaxSize:       300,
		CheckInterval: time.Hour,
	}
	mgr := NewManager(s, cfg)
	mgr.now = func() time.Time { return baseTime.Add(10 * time.Hour) }

	result := mgr.RunOnce(ctx)

	require.Equal(t, 2, result.SizeEvicted)

	for i := range 2 {
		_, err := s.Get(ctx, keys[i])
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	for i := 2; i < 5; i++ {
		_, err := s.Get(ctx, keys[i])
		require.NoError(t, err)
	}
}

func TestManagerCombinedTTLAndSize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	baseTime := time.Now()

	seed(t, s, "old1", baseTime.Add(-10*24*time.Hour), 100)
	for i := range 3 {
		seed(t, s, strings.Repeat("r", i+1), baseTime.Add(time.Duration(i)*time.Hour), 100)
	}

	cfg := Config{
		TTL:           7 * 24 * time.Hour,
		MaxSize:       200,
		CheckInterval: time.Hour,
	}
	mgr := NewManager(s, cfg)
	mgr.now = func() time.Time { return baseTime.Add(5 * time.Hour) }

	result := mgr.RunOnce(ctx)

	require.Equal(t, 1, result.TTLExpired)
	require.Equal(t, 1, result.SizeEvicted)
	require.Equal(t, int64(200), result.BytesFreed)
}

func TestManagerUnreadableEntriesExpire(t *testing.T) {
	s := &fakeStore{entries: []store.Entry{{Key: "responses/zz/garbage"}}}
	mgr := NewManager(s, Config{TTL: time.Hour})

	result := mgr.RunOnce(context.Background())
	require.Equal(t, 1, result.TTLExpired)
	require.Equal(t, []string{"responses/zz/garbage"}, s.deleted)
}

func TestManagerDeleteErrors(t *testing.T) {
	s := &fakeStore{
		entries:   []store.Entry{{Key: "a", Size: 10}, {Key: "b", Size: 10}},
		deleteErr: errors.New("read-only"),
	}
	mgr := NewManager(s, Config{TTL: time.Hour})

	result := mgr.RunOnce(context.Background())
	require.Equal(t, 0, result.TTLExpired)
	require.Equal(t, 2, result.Errors)
}

func TestManagerListError(t *testing.T) {
	s := &fakeStore{listErr: errors.New("disk gone")}
	mgr := NewManager(s, Config{TTL: time.Hour})

	result := mgr.RunOnce(context.Background())
	require.Equal(t, 1, result.Errors)
}

func TestManagerSweepHook(t *testing.T) {
	var calls atomic.Int32
	mgr := NewManager(&fakeStore{}, Config{Sweep: func() int {
		calls.Add(1)
		return 3
	}})

	result := mgr.RunOnce(context.Background())
	require.Equal(t, 3, result.RecordsSwept)
	require.Equal(t, int32(1), calls.Load())
}

func TestManagerSetTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	baseTime := time.Now()
	seed(t, s, "two-hours", baseTime.Add(-2*time.Hour), 10)

	mgr := NewManager(s, Config{TTL: 24 * time.Hour})
	mgr.now = func() time.Time { return baseTime }
	require.Equal(t, 0, mgr.RunOnce(ctx).TTLExpired)

	mgr.SetTTL(time.Hour)
	require.Equal(t, 1, mgr.RunOnce(ctx).TTLExpired)
}

func TestManagerForceExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	baseTime := time.Now()

	// -1h, -3h, -5h avoids the exact boundary
	for i, age := range []time.Duration{1 * time.Hour, 3 * time.Hour, 5 * time.Hour} {
		seed(t, s, strings.Repeat("f", i+1), baseTime.Add(-age), 100)
	}

	mgr := NewManager(s, Config{CheckInterval: time.Hour})
	mgr.now = func() time.Time { return baseTime }

	result := mgr.ForceExpire(ctx, 2*time.Hour)

	require.Equal(t, 2, result.TTLExpired)
}

func TestManagerGetStats(t *testing.T) {
	s := newTestStore(t)
	baseTime := time.Now().UTC().Truncate(time.Millisecond)
	seed(t, s, "old", baseTime.Add(-2*time.Hour), 100)
	seed(t, s, "mid", baseTime.Add(-1*time.Hour), 200)
	seed(t, s, "new", baseTime, 300)

	stats, err := NewManager(s, Config{}).GetStats(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, stats.Entries)
	require.Equal(t, int64(600), stats.TotalSize)
	require.True(t, stats.Oldest.Equal(baseTime.Add(-2*time.Hour)))
}

func TestManagerBackgroundRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := Config{
		TTL:           time.Hour,
		CheckInterval: 50 * time.Millisecond,
	}
	mgr := NewManager(s, cfg)

	require.NoError(t, mgr.Start(ctx))

	time.Sleep(150 * time.Millisecond)

	mgr.Stop()

	// Should be able to stop again without issue
	mgr.Stop()
}

func TestManagerRunStopsWithContext(t *testing.T) {
	var sweeps atomic.Int32
	mgr := NewManager(&fakeStore{}, Config{
		CheckInterval: 10 * time.Millisecond,
		Sweep:         func() int { sweeps.Add(1); return 0 },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeps.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// Helper functions

func newTestStore(t *testing.T) *store.Filesystem {
	t.Helper()
	s, err := store.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s store.Store, name string, createdAt time.Time, size int) string {
	t.Helper()
	key := "responses/" + name[:1] + "/" + name
	require.NoError(t, s.Put(context.Background(), key, &store.CachedResponse{
		URL:        "https://example.com/" + name,
		StatusCode: 200,
		Body:       []byte(strings.Repeat("x", size)),
		CreatedAt:  createdAt,
	}))
	return key
}

type fakeStore struct {
	entries   []store.Entry
	listErr   error
	deleteErr error
	deleted   []string
}

func (f *fakeStore) Entries(context.Context) ([]store.Entry, error) {
	return f.entries, f.listErr
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}
