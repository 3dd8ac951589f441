// Package telemetry provides OpenTelemetry metrics for the cache, the
// registry fetch path, and package installs. Instruments live behind a
// guarded global so callers can record unconditionally; before InitMetrics
// every Record call is a no-op.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/invokerpm/invokerpm"
)

// Tier identifies which cache tier served a lookup.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// LookupResult classifies the outcome of a cache lookup.
type LookupResult string

const (
	LookupHit     LookupResult = "hit"
	LookupMiss    LookupResult = "miss"
	LookupExpired LookupResult = "expired"
	LookupCorrupt LookupResult = "corrupt"
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
	cacheLookupsTotal   metric.Int64Counter
	cacheWritesTotal    metric.Int64Counter
	cacheWriteSize      metric.Float64Histogram
	cacheEvictionsTotal metric.Int64Counter
	cacheCleanupDeleted metric.Int64Counter
	cacheCleanupTime    metric.Float64Histogram

	upstreamFetchTotal    metric.Int64Counter
	upstreamFetchDuration metric.Float64Histogram
	upstreamFetchBytes    metric.Int64Counter

	installsTotal metric.Int64Counter

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
		cfg.ServiceName = "invokerpm"
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

	meter := mp.Meter(meterName)

	cacheLookupsTotal, err := meter.Int64Counter(
		"invokerpm_cache_lookups_total",
		metric.WithDescription("Total number of cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheWritesTotal, err := meter.Int64Counter(
		"invokerpm_cache_writes_total",
		metric.WithDescription("Total number of cache writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	cacheWriteSize, err := meter.Float64Histogram(
		"invokerpm_cache_write_size_bytes",
		metric.WithDescription("Size of values written to the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"invokerpm_cache_evictions_total",
		metric.WithDescription("Total memory-tier evictions"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheCleanupDeleted, err := meter.Int64Counter(
		"invokerpm_cache_cleanup_deleted_total",
		metric.WithDescription("Total entries deleted by expiry cleanup"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheCleanupTime, err := meter.Float64Histogram(
		"invokerpm_cache_cleanup_duration_seconds",
		metric.WithDescription("Duration of expiry cleanup passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"invokerpm_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"invokerpm_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytes, err := meter.Int64Counter(
		"invokerpm_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	installsTotal, err := meter.Int64Counter(
		"invokerpm_installs_total",
		metric.WithDescription("Total package install attempts"),
		metric.WithUnit("{install}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		cacheLookupsTotal:     cacheLookupsTotal,
		cacheWritesTotal:      cacheWritesTotal,
		cacheWriteSize:        cacheWriteSize,
		cacheEvictionsTotal:   cacheEvictionsTotal,
		cacheCleanupDeleted:   cacheCleanupDeleted,
		cacheCleanupTime:      cacheCleanupTime,
		upstreamFetchTotal:    upstreamFetchTotal,
		upstreamFetchDuration: upstreamFetchDuration,
		upstreamFetchBytes:    upstreamFetchBytes,
		installsTotal:         installsTotal,
		meterProvider:         mp,
		promHandler:           promHandler,
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

// RecordCacheLookup records a cache lookup and which tier answered it.
func RecordCacheLookup(ctx context.Context, tier Tier, result LookupResult) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", string(tier)),
		attribute.String("result", string(result)),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheWrite records a cache write and the encoded value size.
func RecordCacheWrite(ctx context.Context, persisted bool, size int64) {
	if globalMetrics == nil {
		return
	}

	tier := "memory"
	if persisted {
		tier = "disk"
	}

	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.cacheWritesTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheWriteSize.Record(ctx, float64(size), attrs)
}

// RecordCacheEviction records memory-tier evictions.
func RecordCacheEviction(ctx context.Context, count int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(count))
}

// RecordCacheCleanup records one expiry cleanup pass.
func RecordCacheCleanup(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheCleanupDeleted.Add(ctx, int64(deleted))
	globalMetrics.cacheCleanupTime.Record(ctx, duration.Seconds())
}

// RecordUpstreamFetch records one upstream HTTP fetch.
// kind is "registry" or "script"; outcome is "success", "http_error" or "error".
func RecordUpstreamFetch(ctx context.Context, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytes.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordInstall records a package install attempt.
// outcome is "installed", "validation_failed" or "error".
func RecordInstall(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.installsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
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
