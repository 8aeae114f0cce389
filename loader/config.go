package loader

import (
	"errors"
	"fmt"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

// PressureMode selects what a memory-pressure event removes from the tracker.
type PressureMode int

const (
	// PressureSweepTerminal removes finished and failed records.
	PressureSweepTerminal PressureMode = iota
	// PressureClearIdle removes every record that is not downloading.
	PressureClearIdle
	// PressureClear removes every record. Fetches in flight still settle
	// the records they started on and notify the consumers attached to them.
	PressureClear
)

func (m PressureMode) String() string {
	switch m {
	case PressureSweepTerminal:
		return "sweep-terminal"
	case PressureClearIdle:
		return "clear-idle"
	case PressureClear:
		return "clear"
	default:
		return fmt.Sprintf("PressureMode(%d)", int(m))
	}
}

// ParsePressureMode parses the name of a pressure mode.
func ParsePressureMode(s string) (PressureMode, error) {
	switch s {
	case "", "sweep-terminal":
		return PressureSweepTerminal, nil
	case "clear-idle":
		return PressureClearIdle, nil
	case "clear":
		return PressureClear, nil
	default:
		return 0, fmt.Errorf("unknown pressure mode %q", s)
	}
}

// Config holds the manager configuration.
type Config struct {
	// DiskCacheMaxAge is how long a persisted response stays fresh.
	// Zero disables persistence.
	DiskCacheMaxAge time.Duration

	// RequestTimeout bounds each upstream fetch.
	RequestTimeout time.Duration

	// CachePolicy is the session policy used when a request sets none.
	CachePolicy fetchcache.CachePolicy

	// DiskCapacity is the total persisted budget in bytes.
	DiskCapacity int64

	// MaxPersistFraction is the largest share of DiskCapacity one response
	// may take and still be persisted.
	MaxPersistFraction float64

	PressureMode PressureMode

	// FadeDuration is exposed for rendering collaborators and unused here.
	FadeDuration time.Duration

	// DefaultAccept is sent when a request names no media types.
	DefaultAccept string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DiskCacheMaxAge:    7 * 24 * time.Hour,
		RequestTimeout:     60 * time.Second,
		CachePolicy:        fetchcache.PreferCacheElseLoad,
		DiskCapacity:       100 * 1024 * 1024,
		MaxPersistFraction: 0.05,
		PressureMode:       PressureSweepTerminal,
		FadeDuration:       100 * time.Millisecond,
		DefaultAccept:      "image/*",
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.DiskCacheMaxAge < 0 {
		errs = append(errs, fmt.Errorf("disk cache max age must not be negative: %s", c.DiskCacheMaxAge))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive: %s", c.RequestTimeout))
	}
	if c.CachePolicy == fetchcache.PolicyDefault {
		errs = append(errs, errors.New("session cache policy must not be default"))
	} else if _, err := c.CachePolicy.MarshalText(); err != nil {
		errs = append(errs, err)
	}
	if c.DiskCapacity < 0 {
		errs = append(errs, fmt.Errorf("disk capacity must not be negative: %d", c.DiskCapacity))
	}
	if c.MaxPersistFraction < 0 || c.MaxPersistFraction > 1 {
		errs = append(errs, fmt.Errorf("max persist fraction must be within [0, 1]: %v", c.MaxPersistFraction))
	}
	if c.PressureMode < PressureSweepTerminal || c.PressureMode > PressureClear {
		errs = append(errs, fmt.Errorf("unknown pressure mode %d", int(c.PressureMode)))
	}
	if c.FadeDuration < 0 {
		errs = append(errs, fmt.Errorf("fade duration must not be negative: %s", c.FadeDuration))
	}
	return errors.Join(errs...)
}

// maxPersistSize is the size limit for persisted bodies. Only bodies strictly
// below it are written to the store.
func (c Config) maxPersistSize() int64 {
	return int64(float64(c.DiskCapacity) * c.MaxPersistFraction)
}

// skipPersist returns why a body of size bytes fetched under the request
// policy must not be written to the store, or "" when it may be.
func (c Config) skipPersist(request fetchcache.CachePolicy, size int64) string {
	switch {
	case c.DiskCacheMaxAge <= 0:
		return "skipped_ttl"
	case !request.Or(c.CachePolicy).Persistable() || !c.CachePolicy.Persistable():
		return "skipped_policy"
	case size >= c.maxPersistSize():
		return "skipped_size"
	default:
		return ""
	}
}

// fresh reports whether a response created at createdAt is still usable at now.
func (c Config) fresh(createdAt, now time.Time) bool {
	return c.DiskCacheMaxAge > 0 && now.Sub(createdAt) < c.DiskCacheMaxAge
}
