package download

import (
	"sync"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

type call struct {
	value string
	err   error
}

// recorder collects the callbacks a consumer receives.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) callback(v string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{value: v, err: err})
}

func (r *recorder) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newConsumer() (*Consumer[string], *recorder) {
	rec := &recorder{}
	return NewConsumer(NewOwner(), rec.callback), rec
}

func mustKey(raw string) fetchcache.Key {
	k, err := fetchcache.NewKey(fetchcache.Request{URL: raw})
	if err != nil {
		panic(err)
	}
	return k
}
