package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/quaverhq/quaver"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	cacheOpsTotal           metric.Int64Counter
	cacheEvictionsTotal     metric.Int64Counter
	cacheEvictionBytesTotal metric.Int64Counter
	cachePinnedSkipsTotal   metric.Int64Counter
	cacheUsageBytes         metric.Int64Gauge
	cacheEntries            metric.Int64Gauge
	cachePinnedEntries      metric.Int64Gauge

	chunkFetchTotal      metric.Int64Counter
	chunkFetchBytesTotal metric.Int64Counter

	reconstructTotal      metric.Int64Counter
	reconstructDuration   metric.Float64Histogram
	reconstructBytesTotal metric.Int64Counter

	packTotal      metric.Int64Counter
	packDuration   metric.Float64Histogram
	packBytesTotal metric.Int64Counter

	streamUnderrunsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "quaver"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	backendRequestDuration, err := meter.Float64Histogram(
		"quaver_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"quaver_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"quaver_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheOpsTotal, err := meter.Int64Counter(
		"quaver_cache_ops_total",
		metric.WithDescription("Total cache operations by outcome"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"quaver_cache_evictions_total",
		metric.WithDescription("Total entries evicted from the disk cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionBytesTotal, err := meter.Int64Counter(
		"quaver_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by cache eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cachePinnedSkipsTotal, err := meter.Int64Counter(
		"quaver_cache_pinned_skips_total",
		metric.WithDescription("Total eviction skips due to pinned entries"),
		metric.WithUnit("{skip}"),
	)
	if err != nil {
		return err
	}

	cacheUsageBytes, err := meter.Int64Gauge(
		"quaver_cache_usage_bytes",
		metric.WithDescription("Current bytes held by the disk cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"quaver_cache_entries",
		metric.WithDescription("Current entries held by the disk cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cachePinnedEntries, err := meter.Int64Gauge(
		"quaver_cache_pinned_entries",
		metric.WithDescription("Current pinned entries in the disk cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	chunkFetchTotal, err := meter.Int64Counter(
		"quaver_chunk_fetch_total",
		metric.WithDescription("Total chunk fetches by source"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return err
	}

	chunkFetchBytesTotal, err := meter.Int64Counter(
		"quaver_chunk_fetch_bytes_total",
		metric.WithDescription("Total chunk bytes fetched by source"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	reconstructTotal, err := meter.Int64Counter(
		"quaver_reconstruct_total",
		metric.WithDescription("Total file reconstructions"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	reconstructDuration, err := meter.Float64Histogram(
		"quaver_reconstruct_duration_seconds",
		metric.WithDescription("Duration of file reconstructions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	reconstructBytesTotal, err := meter.Int64Counter(
		"quaver_reconstruct_bytes_total",
		metric.WithDescription("Total bytes produced by file reconstructions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	packTotal, err := meter.Int64Counter(
		"quaver_pack_total",
		metric.WithDescription("Total file packing runs"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	packDuration, err := meter.Float64Histogram(
		"quaver_pack_duration_seconds",
		metric.WithDescription("Duration of file packing runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	packBytesTotal, err := meter.Int64Counter(
		"quaver_pack_bytes_total",
		metric.WithDescription("Total bytes uploaded by file packing"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	streamUnderrunsTotal, err := meter.Int64Counter(
		"quaver_stream_underruns_total",
		metric.WithDescription("Total playback ring buffer underruns"),
		metric.WithUnit("{underrun}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
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
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordCacheOp records a cache operation. op is "get" or "put",
// outcome is "hit", "miss", "corrupt" or "stored".
func RecordCacheOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheEviction records an eviction. reason is "size", "count" or
// "corrupt".
func RecordCacheEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("reason", reason)}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
}

// RecordCachePinnedSkip records an eviction candidate skipped because it
// was pinned.
func RecordCachePinnedSkip(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cachePinnedSkipsTotal.Add(ctx, 1)
}

// UpdateCacheUsage updates the cache usage gauges. Called after any
// mutation of the cache ledger.
func UpdateCacheUsage(ctx context.Context, usedBytes int64, entries, pinned int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheUsageBytes.Record(ctx, usedBytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cachePinnedEntries.Record(ctx, int64(pinned))
}

// RecordChunkFetch records a chunk fetch. source is "cache" or "backend".
func RecordChunkFetch(ctx context.Context, source string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	globalMetrics.chunkFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.chunkFetchBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordReconstruct records one file reconstruction.
func RecordReconstruct(ctx context.Context, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.reconstructTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.reconstructDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.reconstructBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordPack records one file packing run.
func RecordPack(ctx context.Context, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.packTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.packDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.packBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordStreamUnderrun records a playback ring buffer underrun.
func RecordStreamUnderrun(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.streamUnderrunsTotal.Add(ctx, 1)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
