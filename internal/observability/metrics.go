package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/loop throughput
// - Errors: Rate of failures
// - Saturation: In-flight jobs and dispatch queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Pipeline metrics (Latency, Traffic, Errors, Saturation)
	JobsTotal          metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter
	JobDuration        metric.Float64Histogram
	LoopsTotal         metric.Int64Counter
	FinalizationsTotal metric.Int64Counter
	CallbacksTotal     metric.Int64Counter

	// Render dispatch metrics (Latency, Traffic, Errors, Saturation)
	DispatchDuration  metric.Float64Histogram
	DispatchDelivered metric.Int64Counter
	DispatchFailed    metric.Int64Counter
	DispatchDropped   metric.Int64Counter
	DispatchQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("videoloop")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pipeline metrics
	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs not yet terminal (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Submission-to-terminal duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600, 1200, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LoopsTotal, err = meter.Int64Counter(
		"loops_completed_total",
		metric.WithDescription("Total render loops completed across all jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FinalizationsTotal, err = meter.Int64Counter(
		"finalizations_total",
		metric.WithDescription("Total finalization attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksTotal, err = meter.Int64Counter(
		"callbacks_total",
		metric.WithDescription("Total render callbacks received, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Render dispatch metrics
	m.DispatchDuration, err = meter.Float64Histogram(
		"render_dispatch_duration_seconds",
		metric.WithDescription("Render dispatch latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchDelivered, err = meter.Int64Counter(
		"render_dispatch_delivered_total",
		metric.WithDescription("Total render requests successfully submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchFailed, err = meter.Int64Counter(
		"render_dispatch_failed_total",
		metric.WithDescription("Total render requests abandoned after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchDropped, err = meter.Int64Counter(
		"render_dispatch_dropped_total",
		metric.WithDescription("Total render requests dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchQueueSize, err = meter.Int64Gauge(
		"render_dispatch_queue_size",
		metric.WithDescription("Current number of render requests queued (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being submitted.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	m.JobsTotal.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordLoopCompleted records one render loop finishing.
func (m *Metrics) RecordLoopCompleted(ctx context.Context) {
	m.LoopsTotal.Add(ctx, 1)
}

// RecordFinalizationAttempt records a finalization attempt (including retries).
func (m *Metrics) RecordFinalizationAttempt(ctx context.Context) {
	m.FinalizationsTotal.Add(ctx, 1)
}

// RecordCallback records a received callback by outcome ("success" or "failure").
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	m.CallbacksTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, success bool, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	m.JobsActive.Add(ctx, -1)
}

// RecordDispatchDelivered records a successful render submission with its duration.
func (m *Metrics) RecordDispatchDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatchDelivered.Add(ctx, 1)
	m.DispatchDuration.Record(ctx, durationSeconds)
}

// RecordDispatchFailed records an abandoned render submission.
func (m *Metrics) RecordDispatchFailed(ctx context.Context) {
	m.DispatchFailed.Add(ctx, 1)
}

// RecordDispatchDropped records a dropped render request.
func (m *Metrics) RecordDispatchDropped(ctx context.Context) {
	m.DispatchDropped.Add(ctx, 1)
}

// RecordDispatchQueueSize records the current queue size.
func (m *Metrics) RecordDispatchQueueSize(ctx context.Context, size int64) {
	m.DispatchQueueSize.Record(ctx, size)
}
