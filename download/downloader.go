// Package download tracks per-key fetch state and fans results out to the
// consumers waiting on each key. It also provides singleflight-based
// deduplication for the transport calls themselves.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func performs one upstream fetch.
// The context passed to Func is detached from any single caller so that one
// caller going away does not cancel the fetch for other waiters.
type Func[R any] func(ctx context.Context) (R, error)

// Downloader deduplicates concurrent fetches for the same storage key using
// singleflight. It uses DoChan so each caller can respect its own context
// without cancelling the in-flight fetch for others.
type Downloader[R any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

type options struct {
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*options)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewDownloader creates a new Downloader.
func NewDownloader[R any](opts ...Option) *Downloader[R] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[R]{logger: o.logger}
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Downloader[R]) Do(ctx context.Context, key string, fn Func[R]) (R, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero R
	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(R), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}
