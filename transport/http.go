package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxBodySize caps the bytes read from one response.
	DefaultMaxBodySize = 64 * 1024 * 1024

	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "fetch-cache"
)

// ErrBodyTooLarge is returned when a response body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("response body exceeds maximum size")

// HTTP fetches keys over HTTP. The client is replaced wholesale whenever
// the timeout or session policy changes, so requests already in flight
// finish with the settings they started with.
type HTTP struct {
	client      atomic.Pointer[http.Client]
	policy      atomic.Int32
	base        http.RoundTripper
	userAgent   string
	maxBodySize int64
	logger      *slog.Logger
}

// HTTPOption configures an HTTP fetcher.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	timeout     time.Duration
	base        http.RoundTripper
	userAgent   string
	maxBodySize int64
	policy      fetchcache.CachePolicy
	logger      *slog.Logger
}

// WithTimeout sets the initial request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) {
		o.timeout = d
	}
}

// WithRoundTripper sets the underlying transport.
func WithRoundTripper(rt http.RoundTripper) HTTPOption {
	return func(o *httpOptions) {
		o.base = rt
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) HTTPOption {
	return func(o *httpOptions) {
		o.userAgent = ua
	}
}

// WithMaxBodySize sets the largest body accepted from upstream.
func WithMaxBodySize(n int64) HTTPOption {
	return func(o *httpOptions) {
		o.maxBodySize = n
	}
}

// WithCachePolicy sets the initial session policy.
func WithCachePolicy(p fetchcache.CachePolicy) HTTPOption {
	return func(o *httpOptions) {
		o.policy = p
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(o *httpOptions) {
		o.logger = logger
	}
}

// NewHTTP creates an HTTP fetcher.
func NewHTTP(opts ...HTTPOption) *HTTP {
	o := httpOptions{
		timeout:     DefaultTimeout,
		base:        http.DefaultTransport,
		userAgent:   DefaultUserAgent,
		maxBodySize: DefaultMaxBodySize,
		policy:      fetchcache.PreferCacheElseLoad,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &HTTP{
		base:        telemetry.NewInstrumentedTransport(o.base, "http"),
		userAgent:   o.userAgent,
		maxBodySize: o.maxBodySize,
		logger:      o.logger.With("component", "transport"),
	}
	h.policy.Store(int32(o.policy))
	h.client.Store(h.newClient(o.timeout))
	return h
}

func (h *HTTP) newClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: h.base, Timeout: timeout}
}

// SetTimeout replaces the client with one using d as its timeout.
func (h *HTTP) SetTimeout(d time.Duration) {
	h.client.Store(h.newClient(d))
	h.logger.Debug("transport timeout changed", "timeout", d)
}

// SetCachePolicy changes the session policy and rebuilds the client.
func (h *HTTP) SetCachePolicy(p fetchcache.CachePolicy) {
	h.policy.Store(int32(p))
	h.client.Store(h.newClient(h.Timeout()))
	h.logger.Debug("transport cache policy changed", "policy", p)
}

// Timeout returns the timeout of the current client.
func (h *HTTP) Timeout() time.Duration {
	return h.client.Load().Timeout
}

// CachePolicy returns the session policy.
func (h *HTTP) CachePolicy() fetchcache.CachePolicy {
	return fetchcache.CachePolicy(h.policy.Load())
}

// Fetch performs a GET for key and reads the whole body.
func (h *HTTP) Fetch(ctx context.Context, key fetchcache.Key) (*Response, error) {
	client := h.client.Load()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if key.Accept != "" {
		req.Header.Set("Accept", key.Accept)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	switch key.Policy.Or(h.CachePolicy()) {
	case fetchcache.AlwaysLoad, fetchcache.NeverCache:
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, ErrBodyTooLarge
	}

	h.logger.Debug("fetched", "url", key.URL, "status", resp.StatusCode, "bytes", len(body))
	return &Response{
		URL:        key.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

var (
	_ Fetcher      = (*HTTP)(nil)
	_ Configurable = (*HTTP)(nil)
)
