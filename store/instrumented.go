package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/fetch-cache/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (i *Instrumented) Get(ctx context.Context, key string) (*CachedResponse, error) {
	start := time.Now()
	resp, err := i.store.Get(ctx, key)
	var n int64
	if resp != nil {
		n = resp.Size()
	}
	telemetry.RecordBackendOp(ctx, i.name, "get", outcomeFromError(err), time.Since(start), n)
	return resp, err
}

func (i *Instrumented) Put(ctx context.Context, key string, resp *CachedResponse) error {
	start := time.Now()
	err := i.store.Put(ctx, key, resp)
	telemetry.RecordBackendOp(ctx, i.name, "put", outcomeFromError(err), time.Since(start), resp.Size())
	return err
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.store.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, i.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (i *Instrumented) Purge(ctx context.Context) error {
	start := time.Now()
	err := i.store.Purge(ctx)
	telemetry.RecordBackendOp(ctx, i.name, "purge", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Entries delegates to the wrapped store when it implements Lister.
func (i *Instrumented) Entries(ctx context.Context) ([]Entry, error) {
	l, ok := i.store.(Lister)
	if !ok {
		return nil, nil
	}
	start := time.Now()
	entries, err := l.Entries(ctx)
	telemetry.RecordBackendOp(ctx, i.name, "entries", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (i *Instrumented) Close() error {
	return i.store.Close()
}

// Unwrap returns the underlying store.
func (i *Instrumented) Unwrap() Store {
	return i.store
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ Store = (*Instrumented)(nil)
