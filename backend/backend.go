// Package backend provides key/value blob storage used underneath the
// persisted response stores.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it should be overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Info describes a stored object.
type Info struct {
	Size    int64
	ModTime time.Time
}

// StatBackend extends Backend with object metadata.
type StatBackend interface {
	Backend

	// Stat returns size and modification time of the data at key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)
}

// PrefixDeleter removes every key under a prefix in one call.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) error
}
