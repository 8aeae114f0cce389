package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/fetch-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Stat delegates to the underlying backend if it implements StatBackend.
func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (Info, error) {
	sb, ok := ib.backend.(StatBackend)
	if !ok {
		return Info{}, fmt.Errorf("backend does not support stat")
	}
	start := time.Now()
	info, err := sb.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return info, err
}

// DeletePrefix delegates to the underlying backend if it implements
// PrefixDeleter, and otherwise deletes the listed keys one by one.
func (ib *InstrumentedBackend) DeletePrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	var err error
	if pd, ok := ib.backend.(PrefixDeleter); ok {
		err = pd.DeletePrefix(ctx, prefix)
	} else {
		err = deleteListed(ctx, ib.backend, prefix)
	}
	telemetry.RecordBackendOp(ctx, ib.name, "delete_prefix", outcomeFromError(err), time.Since(start), 0)
	return err
}

func deleteListed(ctx context.Context, b Backend, prefix string) error {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
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

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Backend       = (*InstrumentedBackend)(nil)
	_ StatBackend   = (*InstrumentedBackend)(nil)
	_ PrefixDeleter = (*InstrumentedBackend)(nil)
)
