package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wolfeidau/fetch-cache/backend"
)

// responsesPrefix is the backend prefix every storage key lives under.
const responsesPrefix = "responses"

// Filesystem is a Store keeping one framed file per response on a
// backend.Filesystem.
type Filesystem struct {
	backend *backend.InstrumentedBackend
	codec   *Codec
	logger  *slog.Logger
}

// FilesystemOption configures a Filesystem store.
type FilesystemOption func(*Filesystem)

// WithFilesystemLogger sets the logger for the store.
func WithFilesystemLogger(logger *slog.Logger) FilesystemOption {
	return func(f *Filesystem) {
		f.logger = logger
	}
}

// NewFilesystem opens a filesystem store rooted at dir.
func NewFilesystem(dir string, opts ...FilesystemOption) (*Filesystem, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(false)
	if err != nil {
		return nil, err
	}
	f := &Filesystem{
		backend: backend.NewInstrumentedBackend(fs, "filesystem"),
		codec:   codec,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Filesystem) Get(ctx context.Context, key string) (*CachedResponse, error) {
	rc, err := f.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	resp, err := f.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding response %s: %w", key, err)
	}
	return resp, nil
}

func (f *Filesystem) Put(ctx context.Context, key string, resp *CachedResponse) error {
	data, err := f.codec.Encode(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if err := f.backend.Write(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func (f *Filesystem) Delete(ctx context.Context, key string) error {
	return f.backend.Delete(ctx, key)
}

func (f *Filesystem) Purge(ctx context.Context) error {
	return f.backend.DeletePrefix(ctx, responsesPrefix)
}

// Entries reads the header of every stored response. Files that cannot be
// parsed are reported with zero CreatedAt so the expiry manager removes them.
func (f *Filesystem) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := f.backend.List(ctx, responsesPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing responses: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := f.entry(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			f.logger.Warn("unreadable stored response", "key", key, "error", err)
			entry = Entry{Key: key}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (f *Filesystem) entry(ctx context.Context, key string) (Entry, error) {
	rc, err := f.backend.Read(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = rc.Close() }()
	return DecodeEntry(key, rc)
}

// Close releases the codec.
func (f *Filesystem) Close() error {
	f.codec.Close()
	return nil
}

var (
	_ Store  = (*Filesystem)(nil)
	_ Lister = (*Filesystem)(nil)
)
