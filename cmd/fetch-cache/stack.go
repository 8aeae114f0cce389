package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/units"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/decode"
	"github.com/wolfeidau/fetch-cache/loader"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/store/boltstore"
	"github.com/wolfeidau/fetch-cache/store/redisstore"
	"github.com/wolfeidau/fetch-cache/transport"
)

// CacheFlags configure the store, transport and loader.
type CacheFlags struct {
	Store     string `help:"Persisted response store (${enum})." default:"filesystem" enum:"memory,filesystem,bolt,redis"`
	StorePath string `help:"Directory for the filesystem and bolt stores." default:"./cache" type:"path"`

	RedisAddr     string `help:"Redis address for the redis store." default:"localhost:6379"`
	RedisPassword string `help:"Redis password."`
	RedisDB       int    `help:"Redis database number." default:"0"`
	RedisPrefix   string `help:"Key prefix for the redis store." default:"fetch-cache:"`

	CacheMaxAge        time.Duration          `help:"How long persisted responses stay fresh (0 disables persistence and purges the store)." default:"168h"`
	RequestTimeout     time.Duration          `help:"Timeout for one upstream request." default:"60s"`
	CachePolicy        fetchcache.CachePolicy `help:"Session cache policy." default:"prefer-cache-else-load"`
	DiskCapacity       string                 `help:"Persisted store capacity (e.g. 100MiB, 10GiB)." default:"100MiB"`
	MaxPersistFraction float64                `help:"Largest response persisted, as a fraction of disk capacity." default:"0.05"`
	PressureMode       string                 `help:"What memory pressure clears (${enum})." default:"sweep-terminal" enum:"sweep-terminal,clear-idle,clear"`
	DefaultAccept      string                 `help:"Accept header used when a request sets none." default:"image/*"`
	AllowTypes         []string               `help:"Media types the decoder accepts." default:"image/*"`
	UserAgent          string                 `help:"User-Agent sent upstream." default:"fetch-cache"`
}

func (f *CacheFlags) loaderConfig() (loader.Config, error) {
	capacity, err := units.ParseStrictBytes(f.DiskCapacity)
	if err != nil {
		return loader.Config{}, fmt.Errorf("invalid disk capacity %q: %w", f.DiskCapacity, err)
	}
	mode, err := loader.ParsePressureMode(f.PressureMode)
	if err != nil {
		return loader.Config{}, err
	}

	cfg := loader.DefaultConfig()
	cfg.DiskCacheMaxAge = f.CacheMaxAge
	cfg.RequestTimeout = f.RequestTimeout
	cfg.CachePolicy = f.CachePolicy
	cfg.DiskCapacity = capacity
	cfg.MaxPersistFraction = f.MaxPersistFraction
	cfg.PressureMode = mode
	cfg.DefaultAccept = f.DefaultAccept
	return cfg, nil
}

// openStore opens the configured store wrapped with metrics. listable
// reports whether the expiry manager can manage it.
func (f *CacheFlags) openStore(logger *slog.Logger) (s store.Store, listable bool, err error) {
	var raw store.Store
	switch f.Store {
	case "memory":
		raw = store.NewMemory()
	case "filesystem":
		raw, err = store.NewFilesystem(f.StorePath, store.WithFilesystemLogger(logger))
	case "bolt":
		if err = os.MkdirAll(f.StorePath, 0o755); err != nil {
			return nil, false, fmt.Errorf("creating store directory: %w", err)
		}
		raw, err = boltstore.Open(filepath.Join(f.StorePath, "responses.db"), boltstore.WithLogger(logger))
	case "redis":
		raw, err = redisstore.New(f.RedisAddr, f.RedisPassword, f.RedisDB,
			redisstore.WithPrefix(f.RedisPrefix), redisstore.WithLogger(logger))
	default:
		return nil, false, fmt.Errorf("unknown store %q", f.Store)
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening %s store: %w", f.Store, err)
	}

	_, listable = raw.(store.Lister)
	return store.NewInstrumented(raw, f.Store), listable, nil
}

func (f *CacheFlags) newTransport(logger *slog.Logger) *transport.HTTP {
	return transport.NewHTTP(
		transport.WithTimeout(f.RequestTimeout),
		transport.WithCachePolicy(f.CachePolicy),
		transport.WithUserAgent(f.UserAgent),
		transport.WithLogger(logger),
	)
}

func (f *CacheFlags) newManager(s store.Store, logger *slog.Logger, opts ...loader.Option) (*loader.Manager[decode.Blob], error) {
	cfg, err := f.loaderConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]loader.Option{loader.WithConfig(cfg), loader.WithLogger(logger)}, opts...)
	return loader.New[decode.Blob](s, f.newTransport(logger), decode.NewBlob(f.AllowTypes...), opts...)
}
