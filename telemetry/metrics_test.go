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

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and a cleanup function.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	backendRequestsTotal, err := meter.Int64Counter("quaver_backend_requests_total")
	require.NoError(t, err)

	backendRequestDuration, err := meter.Float64Histogram("quaver_backend_request_duration_seconds")
	require.NoError(t, err)

	backendBytesTotal, err := meter.Int64Counter("quaver_backend_bytes_total")
	require.NoError(t, err)

	cacheOpsTotal, err := meter.Int64Counter("quaver_cache_ops_total")
	require.NoError(t, err)

	cacheEvictionsTotal, err := meter.Int64Counter("quaver_cache_evictions_total")
	require.NoError(t, err)

	cacheEvictionBytesTotal, err := meter.Int64Counter("quaver_cache_eviction_bytes_total")
	require.NoError(t, err)

	cachePinnedSkipsTotal, err := meter.Int64Counter("quaver_cache_pinned_skips_total")
	require.NoError(t, err)

	cacheUsageBytes, err := meter.Int64Gauge("quaver_cache_usage_bytes")
	require.NoError(t, err)

	cacheEntries, err := meter.Int64Gauge("quaver_cache_entries")
	require.NoError(t, err)

	cachePinnedEntries, err := meter.Int64Gauge("quaver_cache_pinned_entries")
	require.NoError(t, err)

	chunkFetchTotal, err := meter.Int64Counter("quaver_chunk_fetch_total")
	require.NoError(t, err)

	chunkFetchBytesTotal, err := meter.Int64Counter("quaver_chunk_fetch_bytes_total")
	require.NoError(t, err)

	reconstructTotal, err := meter.Int64Counter("quaver_reconstruct_total")
	require.NoError(t, err)

	reconstructDuration, err := meter.Float64Histogram("quaver_reconstruct_duration_seconds")
	require.NoError(t, err)

	reconstructBytesTotal, err := meter.Int64Counter("quaver_reconstruct_bytes_total")
	require.NoError(t, err)

	packTotal, err := meter.Int64Counter("quaver_pack_total")
	require.NoError(t, err)

	packDuration, err := meter.Float64Histogram("quaver_pack_duration_seconds")
	require.NoError(t, err)

	packBytesTotal, err := meter.Int64Counter("quaver_pack_bytes_total")
	require.NoError(t, err)

	streamUnderrunsTotal, err := meter.Int64Counter("quaver_stream_underruns_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		backendRequestsTotal:    backendRequestsTotal,
		backendRequestDuration:  backendRequestDuration,
		backendBytesTotal:       backendBytesTotal,
		cacheOpsTotal:           cacheOpsTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		cacheEvictionBytesTotal: cacheEvictionBytesTotal,
		cachePinnedSkipsTotal:   cachePinnedSkipsTotal,
		cacheUsageBytes:         cacheUsageBytes,
		cacheEntries:            cacheEntries,
		cachePinnedEntries:      cachePinnedEntries,
		chunkFetchTotal:         chunkFetchTotal,
		chunkFetchBytesTotal:    chunkFetchBytesTotal,
		reconstructTotal:        reconstructTotal,
		reconstructDuration:     reconstructDuration,
		reconstructBytesTotal:   reconstructBytesTotal,
		packTotal:               packTotal,
		packDuration:            packDuration,
		packBytesTotal:          packBytesTotal,
		streamUnderrunsTotal:    streamUnderrunsTotal,
		meterProvider:           mp,
	}

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

// attrValue returns the string value of an attribute from a data point, or "".
func attrValue(attrs attribute.Set, key string) string {
	val, ok := attrs.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return val.AsString()
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBackendOp(ctx, "filesystem", "write", "success", 25*time.Millisecond, 4096)
	RecordBackendOp(ctx, "s3", "read", "not_found", 5*time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	points := findCounter(rm, "quaver_backend_requests_total")
	require.Len(t, points, 2)

	for _, p := range points {
		require.Equal(t, int64(1), p.Value)
	}

	bytePoints := findCounter(rm, "quaver_backend_bytes_total")
	require.Len(t, bytePoints, 1)
	require.Equal(t, int64(4096), bytePoints[0].Value)
	require.Equal(t, "filesystem", attrValue(bytePoints[0].Attributes, "backend"))

	durPoints := findHistogram(rm, "quaver_backend_request_duration_seconds")
	require.Len(t, durPoints, 2)
}

func TestRecordCacheOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheOp(ctx, "get", "hit")
	RecordCacheOp(ctx, "get", "hit")
	RecordCacheOp(ctx, "get", "miss")
	RecordCacheOp(ctx, "put", "stored")

	rm := collectMetrics(t, reader)

	points := findCounter(rm, "quaver_cache_ops_total")
	require.Len(t, points, 3)

	var hits int64
	for _, p := range points {
		if attrValue(p.Attributes, "op") == "get" && attrValue(p.Attributes, "outcome") == "hit" {
			hits = p.Value
		}
	}
	require.Equal(t, int64(2), hits)
}

func TestRecordCacheEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheEviction(ctx, "size", 1024)
	RecordCacheEviction(ctx, "size", 2048)
	RecordCachePinnedSkip(ctx)

	rm := collectMetrics(t, reader)

	evictions := findCounter(rm, "quaver_cache_evictions_total")
	require.Len(t, evictions, 1)
	require.Equal(t, int64(2), evictions[0].Value)
	require.Equal(t, "size", attrValue(evictions[0].Attributes, "reason"))

	bytes := findCounter(rm, "quaver_cache_eviction_bytes_total")
	require.Len(t, bytes, 1)
	require.Equal(t, int64(3072), bytes[0].Value)

	skips := findCounter(rm, "quaver_cache_pinned_skips_total")
	require.Len(t, skips, 1)
	require.Equal(t, int64(1), skips[0].Value)
}

func TestRecordReconstruct(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordReconstruct(ctx, "success", 120*time.Millisecond, 1<<20)

	rm := collectMetrics(t, reader)

	points := findCounter(rm, "quaver_reconstruct_total")
	require.Len(t, points, 1)
	require.Equal(t, "success", attrValue(points[0].Attributes, "outcome"))

	bytes := findCounter(rm, "quaver_reconstruct_bytes_total")
	require.Len(t, bytes, 1)
	require.Equal(t, int64(1<<20), bytes[0].Value)
}

func TestRecordWithNilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// All record functions must be safe before InitMetrics.
	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
	RecordCacheOp(ctx, "get", "hit")
	RecordCacheEviction(ctx, "size", 1)
	RecordCachePinnedSkip(ctx)
	UpdateCacheUsage(ctx, 1, 1, 0)
	RecordChunkFetch(ctx, "cache", 1)
	RecordReconstruct(ctx, "success", time.Millisecond, 1)
	RecordPack(ctx, "success", time.Millisecond, 1)
	RecordStreamUnderrun(ctx)
}

func TestPrometheusHandlerNotEnabled(t *testing.T) {
	globalMetrics = nil

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	PrometheusHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
