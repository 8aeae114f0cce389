package loader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/decode"
	"github.com/wolfeidau/fetch-cache/download"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/transport"
)

var errUpstream = errors.New("upstream down")

// fakeFetcher serves "body:<url>" for every key unless told otherwise.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	bodies  map[string][]byte
	fail    map[string]error
	gate    chan struct{}
	timeout time.Duration
	policy  fetchcache.CachePolicy
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:  make(map[string]int),
		bodies: make(map[string][]byte),
		fail:   make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key fetchcache.Key) (*transport.Response, error) {
	f.mu.Lock()
	f.calls[key.URL]++
	gate := f.gate
	body, ok := f.bodies[key.URL]
	err := f.fail[key.URL]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		body = []byte("body:" + key.URL)
	}
	return &transport.Response{
		URL:        key.URL,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/png"}},
		Body:       body,
	}, nil
}

func (f *fakeFetcher) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = d
}

func (f *fakeFetcher) SetCachePolicy(p fetchcache.CachePolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
}

// block makes every following fetch wait until the returned release runs.
func (f *fakeFetcher) block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeFetcher) setBody(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
}

func (f *fakeFetcher) setError(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[url] = err
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

var errBadBody = errors.New("bad body")

// stringDecoder decodes any body except "bad".
var stringDecoder = decode.Func[string](func(data []byte) (string, error) {
	if string(data) == "bad" {
		return "", errBadBody
	}
	return string(data), nil
})

type result struct {
	value string
	err   error
}

// waiter is a consumer whose callbacks land on a channel.
type waiter struct {
	owner    *download.Owner
	consumer *download.Consumer[string]
	results  chan result
}

func newWaiter() *waiter {
	w := &waiter{owner: download.NewOwner(), results: make(chan result, 16)}
	w.consumer = download.NewConsumer(w.owner, func(v string, err error) {
		w.results <- result{value: v, err: err}
	})
	return w
}

func (w *waiter) await(t *testing.T) result {
	t.Helper()
	select {
	case r := <-w.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		return result{}
	}
}

func (w *waiter) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-w.results:
		t.Fatalf("unexpected callback: %+v", r)
	default:
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestManager(t *testing.T, s store.Store, f transport.Fetcher, opts ...Option) *Manager[string] {
	t.Helper()
	m, err := New[string](s, f, stringDecoder, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newMemoryStore(t *testing.T) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func req(url string) fetchcache.Request {
	return fetchcache.Request{URL: url}
}

func storageKey(t *testing.T, r fetchcache.Request) string {
	t.Helper()
	if r.Accept == "" {
		r.Accept = DefaultConfig().DefaultAccept
	}
	k, err := fetchcache.NewKey(r)
	require.NoError(t, err)
	return k.StorageKey()
}
