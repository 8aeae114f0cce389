// Package redisstore implements store.Store on Redis. Each response is a
// single string value whose expiry is set from its remaining max-age, so
// Redis removes stale responses itself.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfeidau/fetch-cache/store"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "fetch-cache:"

	purgeBatch = 256
)

// Store keeps framed responses in Redis.
type Store struct {
	client *redis.Client
	codec  *store.Codec
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the clock used to compute remaining lifetimes.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store backed by the Redis server at addr.
func New(addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s, err := NewWithClient(client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient creates a store using an existing client. Close closes it.
func NewWithClient(client *redis.Client, opts ...Option) (*Store, error) {
	codec, err := store.NewCodec(true)
	if err != nil {
		return nil, err
	}
	s := &Store{
		client: client,
		codec:  codec,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the connection to the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) (*store.CachedResponse, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	resp, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding response %s: %w", key, err)
	}
	return resp, nil
}

// Put stores resp for the remainder of its max-age. A response without
// max-age never expires. One whose max-age has elapsed deletes the key.
func (s *Store) Put(ctx context.Context, key string, resp *store.CachedResponse) error {
	var ttl time.Duration
	if expires, ok := resp.ExpiresAt(); ok {
		ttl = expires.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, key)
		}
	}
	data, err := s.codec.Encode(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge deletes every key under the store prefix.
func (s *Store) Purge(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", purgeBatch).Iterator()
	batch := make([]string, 0, purgeBatch)
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == purgeBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	s.logger.Debug("purged redis responses", "prefix", s.prefix, "deleted", deleted)
	return nil
}

// Close releases the codec and the client.
func (s *Store) Close() error {
	s.codec.Close()
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)
