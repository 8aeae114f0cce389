// Package server provides the HTTP front end for the fetch cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/decode"
	"github.com/wolfeidau/fetch-cache/download"
	"github.com/wolfeidau/fetch-cache/expiry"
	"github.com/wolfeidau/fetch-cache/loader"
	"github.com/wolfeidau/fetch-cache/pressure"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

// Cache paths reported in the X-Cache-Path header.
const (
	CachePathMemory  = "memory"
	CachePathFetched = "fetched"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ResolveTimeout bounds how long a /fetch request waits for its result.
	// Default is 90 seconds.
	ResolveTimeout time.Duration

	// AdminToken, when set, is required as a Bearer token on /admin/ routes.
	AdminToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the fetch cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	manager  *loader.Manager[decode.Blob]
	pressure *pressure.Manual
	expiry   *expiry.Manager
}

// Option configures a Server.
type Option func(*Server)

// WithPressure exposes src through POST /admin/pressure.
func WithPressure(src *pressure.Manual) Option {
	return func(s *Server) {
		s.pressure = src
	}
}

// WithExpiry includes persisted store statistics in /stats.
func WithExpiry(m *expiry.Manager) Option {
	return func(s *Server) {
		s.expiry = m
	}
}

// New creates a new server resolving through mgr.
func New(cfg Config, mgr *loader.Manager[decode.Blob], opts ...Option) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = 90 * time.Second
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		manager: mgr,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ResolveTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(mux)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /fetch", s.handleFetch)

	// Tracker and store stats
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.Handle("POST /admin/pressure", s.authMiddleware(http.HandlerFunc(s.handlePressure)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type fetchResult struct {
	blob decode.Blob
	err  error
}

// handleFetch resolves one URL and waits for its consumer to be called.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "fetch")
	q := r.URL.Query()

	policy, err := fetchcache.ParseCachePolicy(q.Get("policy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.SetPolicy(r, policy.Or(s.manager.CachePolicy()).String())

	req := fetchcache.Request{URL: q.Get("url"), Accept: q.Get("accept"), Policy: policy}

	path := CachePathFetched
	if _, ok := s.manager.Cached(req); ok {
		path = CachePathMemory
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ResolveTimeout)
	defer cancel()

	owner, stop := download.OwnerFromContext(ctx)
	defer stop()
	defer owner.Release()

	results := make(chan fetchResult, 1)
	consumer := download.NewConsumer(owner, func(b decode.Blob, err error) {
		select {
		case results <- fetchResult{blob: b, err: err}:
		default:
		}
	})

	s.manager.Resolve(ctx, req, consumer)

	var res fetchResult
	select {
	case res = <-results:
	case <-ctx.Done():
		s.manager.Cancel(consumer)
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for "+req.URL)
		return
	}

	if res.err != nil {
		status := statusFor(res.err)
		s.logger.Debug("fetch failed", "url", req.URL, "status", status, "error", res.err)
		writeError(w, status, res.err.Error())
		return
	}

	if path == CachePathMemory {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}
	w.Header().Set("Content-Type", res.blob.ContentType)
	w.Header().Set("Content-Length", fmt.Sprint(res.blob.Size()))
	w.Header().Set("X-Cache-Path", path)
	_, _ = w.Write(res.blob.Data)
}

// statusFor maps a delivered error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fetchcache.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, fetchcache.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, fetchcache.ErrDecodeFailure):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, fetchcache.ErrTransportFailure):
		return http.StatusBadGateway
	case errors.Is(err, loader.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statsResponse struct {
	loader.Stats
	Store *expiry.Stats `json:"store,omitempty"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	resp := statsResponse{Stats: s.manager.Stats()}

	if s.expiry != nil {
		stats, err := s.expiry.GetStats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Store = stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePressure raises a manual memory-pressure event.
func (s *Server) handlePressure(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "pressure")
	if s.pressure == nil {
		writeError(w, http.StatusNotFound, "manual pressure source not configured")
		return
	}
	notified := s.pressure.Trigger()
	writeJSON(w, http.StatusOK, map[string]int{"notified": notified})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Policy != "" {
			attrs = append(attrs, "policy", tags.Policy)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if cp := wrapped.Header().Get("X-Cache-Path"); cp != "" {
			attrs = append(attrs, "cache_path", cp)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
