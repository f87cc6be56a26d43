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
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (queue depth, concurrent renders)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Queue metrics (Saturation, Errors)
	QueueDepth   metric.Int64Gauge
	QueueStalled metric.Int64Counter
	QueueRetries metric.Int64Counter

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	NotifierDuration  metric.Float64Histogram
	NotifierDelivered metric.Int64Counter
	NotifierFailed    metric.Int64Counter
	NotifierDropped   metric.Int64Counter
	NotifierRequeued  metric.Int64Counter
	NotifierQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("previewstudio")
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

	// Job metrics. Renders run minutes, not seconds.
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Render job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Queue metrics
	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Current number of queue entries per state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueStalled, err = meter.Int64Counter(
		"queue_stalled_total",
		metric.WithDescription("Total jobs flagged stalled"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueRetries, err = meter.Int64Counter(
		"queue_retries_total",
		metric.WithDescription("Total re-run attempts after a failed render"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifierDuration, err = meter.Float64Histogram(
		"notifier_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDelivered, err = meter.Int64Counter(
		"notifier_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierFailed, err = meter.Int64Counter(
		"notifier_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDropped, err = meter.Int64Counter(
		"notifier_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierRequeued, err = meter.Int64Counter(
		"notifier_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierQueueSize, err = meter.Int64Gauge(
		"notifier_queue_size",
		metric.WithDescription("Current number of events in notifier buffer (saturation)"),
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

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context, preset string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(presetAttr(preset)))
}

// RecordJobStarted records a job entering execution.
func (m *Metrics) RecordJobStarted(ctx context.Context, preset string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(presetAttr(preset)))
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, preset string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(presetAttr(preset), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(presetAttr(preset)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordQueueDepth records the entry count for one queue state.
func (m *Metrics) RecordQueueDepth(ctx context.Context, state string, depth int64) {
	m.QueueDepth.Record(ctx, depth, metric.WithAttributes(stateAttr(state)))
}

// RecordQueueStalled records a job being flagged stalled.
func (m *Metrics) RecordQueueStalled(ctx context.Context) {
	m.QueueStalled.Add(ctx, 1)
}

// RecordQueueRetry records a failed render being re-run.
func (m *Metrics) RecordQueueRetry(ctx context.Context) {
	m.QueueRetries.Add(ctx, 1)
}

// RecordNotifierDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifierDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifierDelivered.Add(ctx, 1)
	m.NotifierDuration.Record(ctx, durationSeconds)
}

// RecordNotifierFailed records a failed event delivery.
func (m *Metrics) RecordNotifierFailed(ctx context.Context) {
	m.NotifierFailed.Add(ctx, 1)
}

// RecordNotifierDropped records a dropped event.
func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	m.NotifierDropped.Add(ctx, 1)
}

// RecordNotifierRequeued records a requeued event.
func (m *Metrics) RecordNotifierRequeued(ctx context.Context) {
	m.NotifierRequeued.Add(ctx, 1)
}

// RecordNotifierQueueSize records the current buffer size.
func (m *Metrics) RecordNotifierQueueSize(ctx context.Context, size int64) {
	m.NotifierQueueSize.Record(ctx, size)
}
