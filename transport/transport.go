// Package transport defines the upstream fetch contract used by the loader
// and an HTTP implementation of it.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

// Response is a completed upstream fetch with its body fully read.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher retrieves the bytes for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key fetchcache.Key) (*Response, error)
}

// Configurable is implemented by fetchers whose settings follow the
// manager's configuration. Changes apply to fetches started afterwards.
type Configurable interface {
	SetTimeout(d time.Duration)
	SetCachePolicy(p fetchcache.CachePolicy)
}

// Func adapts a function to a Fetcher.
type Func func(ctx context.Context, key fetchcache.Key) (*Response, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, key fetchcache.Key) (*Response, error) {
	return f(ctx, key)
}

// StatusError reports a non-2xx upstream answer.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
