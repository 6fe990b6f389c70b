package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/media-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Range cache metrics
	lookupsTotal           metric.Int64Counter
	readBytesTotal         metric.Int64Counter
	segmentWriteSize       metric.Float64Histogram
	fetchesTotal           metric.Int64Counter
	evictionsTotal         metric.Int64Counter
	evictionBytesTotal     metric.Int64Counter
	pinnedSkipsTotal       metric.Int64Counter
	evictionFailuresTotal  metric.Int64Counter
	evictionRunDuration    metric.Float64Histogram
	persistenceErrorsTotal metric.Int64Counter
	corruptEntriesTotal    metric.Int64Counter
	storedBytes            metric.Int64Gauge
	maxSizeBytes           metric.Int64Gauge
	overlimitBytes         metric.Int64Gauge
	spanCount              metric.Int64Gauge

	// Expiry metrics
	expiryDeletedTotal metric.Int64Counter
	expiryDuration     metric.Float64Histogram

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
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instrumentBuilder creates instruments on a meter, keeping the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return g
}

func (b *instrumentBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	backendBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = []float64{1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 8388608, 16777216, 67108864}
)

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}

	m := &Metrics{
		requestsTotal:           b.counter("media_cache_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      b.counter("media_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         b.histogram("media_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets...),
		requestsByEndpointTotal: b.counter("media_cache_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		upstreamFetchDuration:   b.histogram("media_cache_upstream_fetch_duration_seconds", "Duration of upstream fetch requests", "s", fetchBuckets...),
		upstreamFetchTotal:      b.counter("media_cache_upstream_fetch_total", "Total number of upstream fetch requests", "{request}"),
		upstreamFetchBytesTotal: b.counter("media_cache_upstream_fetch_bytes_total", "Total bytes fetched from upstream", "By"),
		backendRequestDuration:  b.histogram("media_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s", backendBuckets...),
		backendRequestsTotal:    b.counter("media_cache_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:       b.counter("media_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		lookupsTotal:           b.counter("media_cache_lookups_total", "Range lookups by result (hit, miss, shared)", "{lookup}"),
		readBytesTotal:         b.counter("media_cache_read_bytes_total", "Bytes delivered to readers by source", "By"),
		segmentWriteSize:       b.histogram("media_cache_segment_write_size_bytes", "Size of committed segments", "By", sizeBuckets...),
		fetchesTotal:           b.counter("media_cache_fetches_total", "Gap fetches by outcome", "{fetch}"),
		evictionsTotal:         b.counter("media_cache_evictions_total", "Total spans evicted", "{span}"),
		evictionBytesTotal:     b.counter("media_cache_eviction_bytes_total", "Total bytes freed by eviction", "By"),
		pinnedSkipsTotal:       b.counter("media_cache_pinned_skips_total", "Eviction candidates skipped because an open handle covers them", "{skip}"),
		evictionFailuresTotal:  b.counter("media_cache_eviction_failures_total", "Segment deletions that failed during eviction", "{failure}"),
		evictionRunDuration:    b.histogram("media_cache_eviction_run_duration_seconds", "Duration of eviction runs", "s", latencyBuckets...),
		persistenceErrorsTotal: b.counter("media_cache_persistence_errors_total", "Index writes that failed after retry", "{error}"),
		corruptEntriesTotal:    b.counter("media_cache_corrupt_entries_total", "Index entries discarded at startup", "{entry}"),
		storedBytes:            b.gauge("media_cache_stored_bytes", "Bytes currently held in cached spans", "By"),
		maxSizeBytes:           b.gauge("media_cache_max_size_bytes", "Configured maximum cache size", "By"),
		overlimitBytes:         b.gauge("media_cache_overlimit_bytes", "Bytes over the cache limit (pressure indicator)", "By"),
		spanCount:              b.gauge("media_cache_spans", "Current number of cached spans", "{span}"),

		expiryDeletedTotal: b.counter("media_cache_expiry_deleted_total", "Total spans removed by idle expiry", "{span}"),
		expiryDuration:     b.histogram("media_cache_expiry_duration_seconds", "Duration of idle expiry cycles", "s", latencyBuckets...),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Upstream and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	upstream := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Upstream != "" {
			upstream = tags.Upstream
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {upstream, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("upstream", upstream),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
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

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordLookup records the outcome of positioning a reader on a byte offset.
// result is CacheHit, CacheMiss or CacheShared.
func RecordLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordReadBytes records bytes handed to a reader. source is "cache" or "upstream".
func RecordReadBytes(ctx context.Context, source string, n int64) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.readBytesTotal.Add(ctx, n, metric.WithAttributes(attribute.String("source", source)))
}

// RecordFetch records one gap fetch. outcome is "committed", "failed", "short" or "discarded".
func RecordFetch(ctx context.Context, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "committed" && size > 0 {
		globalMetrics.segmentWriteSize.Record(ctx, float64(size))
	}
}

// RecordEviction records one evicted span. reason is "budget", "expiry",
// "invalidate" or "stale".
func RecordEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordPinnedSkip records an eviction candidate skipped because it is in use.
func RecordPinnedSkip(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pinnedSkipsTotal.Add(ctx, 1)
}

// RecordEvictionFailure records a segment that could not be deleted.
func RecordEvictionFailure(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionFailuresTotal.Add(ctx, 1)
}

// RecordEvictionRun records the duration of one eviction pass.
func RecordEvictionRun(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds())
}

// RecordPersistenceError records an index write that failed after retry.
func RecordPersistenceError(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.persistenceErrorsTotal.Add(ctx, 1)
}

// RecordCorruptEntry records an index entry dropped while loading.
func RecordCorruptEntry(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.corruptEntriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateCacheState updates the cache occupancy gauges.
func UpdateCacheState(ctx context.Context, storedBytes, maxBytes int64, spans int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storedBytes.Record(ctx, storedBytes)
	globalMetrics.maxSizeBytes.Record(ctx, maxBytes)
	globalMetrics.spanCount.Record(ctx, int64(spans))
	globalMetrics.overlimitBytes.Record(ctx, max(storedBytes-maxBytes, 0))
}

// RecordExpiryCycle records one idle expiry cycle's removed count and duration.
func RecordExpiryCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.expiryDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.expiryDuration.Record(ctx, duration.Seconds())
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
