package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader for testing.
// Returns the reader to collect metrics from; the global state is reset on cleanup.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/fetch?url=https://example.com/a.png", nil)
	r = InjectTags(r)
	SetPolicy(r, "prefer-cache-else-load")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	// Verify requests_total
	dps := findCounter(rm, "fetch_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "policy", "prefer-cache-else-load"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	// Verify response_bytes_total
	bytesDps := findCounter(rm, "fetch_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	// Verify request_duration histogram
	histDps := findHistogram(rm, "fetch_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/fetch?url=https://example.com/b.png", nil)
	r = InjectTags(r)
	SetPolicy(r, "always-load")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "fetch")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "fetch_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "policy", "always-load"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "fetch"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)
	SetPolicy(r, "internal")
	SetCacheResult(r, CacheNA)
	// No SetEndpoint call

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	// Shared metrics should exist
	dps := findCounter(rm, "fetch_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "policy", "internal"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))

	// Detail metric should have no data points
	detailDps := findCounter(rm, "fetch_cache_http_requests_by_endpoint_total")
	require.Empty(t, detailDps)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags - simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "fetch_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "policy", "none"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func TestRecordResolveByPath(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordResolve(ctx, "memory")
	RecordResolve(ctx, "memory")
	RecordResolve(ctx, "started")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "fetch_cache_resolve_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "path", "memory"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "path", "started"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}
}

func TestRecordFetchAndPersist(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordFetch(ctx, "transport", "finished", 120*time.Millisecond)
	RecordPersist(ctx, "skipped_size")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "fetch_cache_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "source", "transport"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "finished"))

	hist := findHistogram(rm, "fetch_cache_fetch_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)

	persist := findCounter(rm, "fetch_cache_persist_total")
	require.Len(t, persist, 1)
	require.True(t, hasAttr(persist[0].Attributes, "result", "skipped_size"))
}

func TestRecordFetchAndPersist_Policy(t *testing.T) {
	tests := []struct {
		name       string
		ctx        func() context.Context
		wantPolicy string
	}{
		{
			name: "background context",
			ctx: func() context.Context {
				return WithPolicyContext(context.Background(), "never-cache")
			},
			wantPolicy: "never-cache",
		},
		{
			name: "request tags",
			ctx: func() context.Context {
				r := InjectTags(httptest.NewRequest(http.MethodGet, "/fetch", nil))
				SetPolicy(r, "always-load")
				return r.Context()
			},
			wantPolicy: "always-load",
		},
		{
			name:       "no policy",
			ctx:        context.Background,
			wantPolicy: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)

			ctx := tt.ctx()
			RecordFetch(ctx, "transport", "finished", time.Millisecond)
			RecordPersist(ctx, "skipped_policy")

			rm := collectMetrics(t, reader)
			for _, name := range []string{"fetch_cache_fetch_total", "fetch_cache_persist_total"} {
				dps := findCounter(rm, name)
				require.Len(t, dps, 1)
				v, ok := dps[0].Attributes.Value("policy")
				if tt.wantPolicy == "" {
					require.False(t, ok, name)
					continue
				}
				require.True(t, ok, name)
				require.Equal(t, tt.wantPolicy, v.AsString(), name)
			}
		})
	}
}

func TestRecordDelivery(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordDelivery(ctx, true)
	RecordDelivery(ctx, false)
	RecordDelivery(ctx, false)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "fetch_cache_deliveries_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "dropped") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "delivered"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordMemoryPressure(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordMemoryPressure(context.Background(), "sweep-terminal", 7)

	rm := collectMetrics(t, reader)
	events := findCounter(rm, "fetch_cache_memory_pressure_total")
	require.Len(t, events, 1)
	require.EqualValues(t, 1, events[0].Value)

	swept := findCounter(rm, "fetch_cache_memory_pressure_swept_total")
	require.Len(t, swept, 1)
	require.EqualValues(t, 7, swept[0].Value)
	require.True(t, hasAttr(swept[0].Attributes, "mode", "sweep-terminal"))
}

func TestUpdateRecordCounts(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateRecordCounts(context.Background(), map[string]int{"downloading": 3, "finished": 10})

	rm := collectMetrics(t, reader)
	dps := findGauge(rm, "fetch_cache_records")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "state", "downloading") {
			require.EqualValues(t, 3, dp.Value)
		} else {
			require.EqualValues(t, 10, dp.Value)
		}
	}
}

func TestRecordReaperCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReaperCycle(context.Background(), "ttl", 4, 5*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "fetch_cache_reaper_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reaper", "ttl"))
}

func TestPrometheusHandlerNotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
