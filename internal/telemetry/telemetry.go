package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Jobs
	jobsEnqueuedTotal  metric.Int64Counter
	jobsProcessedTotal metric.Int64Counter
	jobDuration        metric.Float64Histogram

	// Downloads
	downloadsTotal     metric.Int64Counter
	downloadsActive    metric.Int64UpDownCounter
	downloadBytesTotal metric.Int64Counter

	// Playback
	sessionsActive  metric.Int64UpDownCounter
	sessionsEvicted metric.Int64Counter

	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, pushes metrics to an OTLP gRPC collector in addition to the
	// Prometheus scrape endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled instance is valid and records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	registry := promclient.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider()

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Go runtime metrics (memory, goroutines, GC).
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics. route must be a route pattern, never a raw path.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// RecordJobEnqueued counts a job submission to the broker.
func (t *Telemetry) RecordJobEnqueued(ctx context.Context, queue, jobType string) {
	if t == nil || t.jobsEnqueuedTotal == nil {
		return
	}

	t.jobsEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("job_type", jobType),
	))
}

// RecordJob records the outcome and duration of one processor run.
func (t *Telemetry) RecordJob(ctx context.Context, jobType, status string, duration time.Duration) {
	if t == nil || t.jobsProcessedTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("status", status),
	)

	t.jobsProcessedTotal.Add(ctx, 1, attrs)
	t.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDownload counts a download reaching the given status.
func (t *Telemetry) RecordDownload(ctx context.Context, status string) {
	if t != nil && t.downloadsTotal != nil {
		t.downloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordDownloadBytes adds transferred bytes.
func (t *Telemetry) RecordDownloadBytes(ctx context.Context, n int64) {
	if t != nil && t.downloadBytesTotal != nil && n > 0 {
		t.downloadBytesTotal.Add(ctx, n)
	}
}

func (t *Telemetry) IncrementActiveDownloads(ctx context.Context) {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(ctx, 1)
	}
}

func (t *Telemetry) DecrementActiveDownloads(ctx context.Context) {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(ctx, -1)
	}
}

// SessionStarted and SessionsEnded track the in-memory playback session table.
func (t *Telemetry) SessionStarted(ctx context.Context) {
	if t != nil && t.sessionsActive != nil {
		t.sessionsActive.Add(ctx, 1)
	}
}

func (t *Telemetry) SessionsEnded(ctx context.Context, n int, evicted bool) {
	if t == nil || t.sessionsActive == nil || n == 0 {
		return
	}

	t.sessionsActive.Add(ctx, -int64(n))

	if evicted {
		t.sessionsEvicted.Add(ctx, int64(n))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		))
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter and tracer providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(t.meterProvider.Shutdown(ctx), t.tracerProvider.Shutdown(ctx))
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&t.jobsEnqueuedTotal, "jobs_enqueued_total", "Total number of jobs submitted to the broker"},
		{&t.jobsProcessedTotal, "jobs_processed_total", "Total number of job processor runs"},
		{&t.downloadsTotal, "downloads_total", "Total number of downloads by final status"},
		{&t.downloadBytesTotal, "download_bytes_total", "Total number of bytes transferred for offline downloads"},
		{&t.sessionsEvicted, "playback_sessions_evicted_total", "Total number of idle playback sessions evicted"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		if *c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1")); err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	upDown := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.downloadsActive, "downloads_active", "Number of transfers currently running"},
		{&t.sessionsActive, "playback_sessions_active", "Number of in-memory playback sessions"},
	}

	for _, c := range upDown {
		if *c.dst, err = t.meter.Int64UpDownCounter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1")); err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.jobDuration, "job_duration_seconds", "Job processor duration in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		if *h.dst, err = t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s")); err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	return nil
}
