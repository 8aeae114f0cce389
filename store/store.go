// Package store provides persisted response stores for fetched resources.
// Every store is keyed by fetchcache.Key.StorageKey and applies its own
// expiry from the Cache-Control max-age recorded on each response.
package store

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when no response is stored under a key.
var ErrNotFound = errors.New("response not found")

// CachedResponse is a persisted fetch result.
type CachedResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	CreatedAt  time.Time
}

// Size returns the body length in bytes.
func (r *CachedResponse) Size() int64 {
	return int64(len(r.Body))
}

// MaxAge returns the Cache-Control max-age of the response.
func (r *CachedResponse) MaxAge() (time.Duration, bool) {
	return ParseMaxAge(r.Header.Get("Cache-Control"))
}

// ExpiresAt returns the instant the response stops being usable according to
// its own max-age.
func (r *CachedResponse) ExpiresAt() (time.Time, bool) {
	age, ok := r.MaxAge()
	if !ok {
		return time.Time{}, false
	}
	return r.CreatedAt.Add(age), true
}

// Clone returns a deep copy of r.
func (r *CachedResponse) Clone() *CachedResponse {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// ParseMaxAge extracts the max-age directive from a Cache-Control value.
func ParseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// FormatMaxAge renders a Cache-Control value carrying max-age for d.
func FormatMaxAge(d time.Duration) string {
	return "max-age=" + strconv.FormatInt(int64(d/time.Second), 10)
}

// Store persists responses by storage key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the response stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*CachedResponse, error)

	// Put stores resp under key, replacing any previous response.
	Put(ctx context.Context, key string, resp *CachedResponse) error

	// Delete removes the response under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Purge removes every stored response.
	Purge(ctx context.Context) error

	// Close releases the resources held by the store.
	Close() error
}

// Entry describes a stored response without its body.
type Entry struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// Lister is implemented by stores that can enumerate their entries. The
// expiry manager only manages stores that implement it.
type Lister interface {
	Entries(ctx context.Context) ([]Entry, error)
}
