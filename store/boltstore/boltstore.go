// Package boltstore implements store.Store on a single bbolt database file.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/fetch-cache/store"
	"go.etcd.io/bbolt"
)

var bucketResponses = []byte("responses")

// Store keeps framed responses in a bbolt bucket keyed by storage key.
type Store struct {
	db     *bbolt.DB
	codec  *store.Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the clock used to skip expired responses.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketResponses, err)
	}

	codec, err := store.NewCodec(true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.codec = codec

	s.logger.Debug("opened response database", "path", path, "noSync", s.noSync)
	return s, nil
}

// Get returns the response under key. Responses past their max-age are
// reported as missing and left for the expiry manager.
func (s *Store) Get(ctx context.Context, key string) (*store.CachedResponse, error) {
	var resp *store.CachedResponse
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResponses).Get([]byte(key))
		if data == nil {
			return store.ErrNotFound
		}
		r, err := s.codec.Decode(data)
		if err != nil {
			return fmt.Errorf("decoding response %s: %w", key, err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expires, ok := resp.ExpiresAt(); ok && !s.now().Before(expires) {
		return nil, store.ErrNotFound
	}
	return resp, nil
}

func (s *Store) Put(ctx context.Context, key string, resp *store.CachedResponse) error {
	data, err := s.codec.Encode(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), data)
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResponses).Delete([]byte(key))
	})
}

// Purge drops and recreates the responses bucket.
func (s *Store) Purge(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketResponses); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("deleting bucket: %w", err)
		}
		_, err := tx.CreateBucket(bucketResponses)
		return err
	})
}

// Entries reads the header of every stored response. Values that cannot be
// parsed are reported with zero CreatedAt.
func (s *Store) Entries(ctx context.Context) ([]store.Entry, error) {
	var entries []store.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResponses).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(k)
			entry, err := store.DecodeEntry(key, bytes.NewReader(v))
			if err != nil {
				s.logger.Warn("unreadable stored response", "key", key, "error", err)
				entry = store.Entry{Key: key}
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database and releases resources.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Lister = (*Store)(nil)
)
