// Package observability provides OpenTelemetry tracing and metrics,
// in-process counters, and audit logging for process lifecycles.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metric names, registered under TelemetryConfig.MetricsPrefix.
const (
	MetricSpawnsTotal     = "spawns_total"
	MetricRejectedTotal   = "rejected_total"
	MetricErrorsTotal     = "errors_total"
	MetricKilledTotal     = "killed_total"
	MetricProcessDuration = "process_duration_seconds"
	MetricActiveProcesses = "active_processes"
)

// Telemetry reports spans and metrics for process lifecycles.
type Telemetry interface {
	// StartSpan starts a trace span. The returned func ends it.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, func())

	// RecordCounter increments the named counter.
	RecordCounter(name string, labels map[string]string)

	// RecordDuration records a duration in seconds on the named
	// histogram.
	RecordDuration(name string, seconds float64, labels map[string]string)

	// AddGauge moves the named gauge by delta.
	AddGauge(name string, delta int64, labels map[string]string)
}

// SpanOption configures span creation.
type SpanOption func(*spanConfig)

type spanConfig struct {
	attributes []attribute.KeyValue
	kind       trace.SpanKind
}

// WithAttribute adds an attribute to the span.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(c *spanConfig) {
		switch v := value.(type) {
		case string:
			c.attributes = append(c.attributes, attribute.String(key, v))
		case int:
			c.attributes = append(c.attributes, attribute.Int(key, v))
		case int64:
			c.attributes = append(c.attributes, attribute.Int64(key, v))
		case float64:
			c.attributes = append(c.attributes, attribute.Float64(key, v))
		case bool:
			c.attributes = append(c.attributes, attribute.Bool(key, v))
		}
	}
}

// WithSpanKind sets the span kind.
func WithSpanKind(kind trace.SpanKind) SpanOption {
	return func(c *spanConfig) {
		c.kind = kind
	}
}

// TelemetryConfig configures telemetry.
type TelemetryConfig struct {
	// ServiceName names the tracer and meter.
	ServiceName string

	// ServiceVersion is the service version.
	ServiceVersion string

	// Environment is the deployment environment.
	Environment string

	// EnableTracing enables span creation.
	EnableTracing bool

	// EnableMetrics enables metric recording.
	EnableMetrics bool

	// MetricsPrefix is prepended to every metric name.
	MetricsPrefix string
}

// DefaultTelemetryConfig returns the default configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		ServiceName:    "goproc",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		EnableTracing:  true,
		EnableMetrics:  true,
		MetricsPrefix:  "goproc_",
	}
}

type telemetry struct {
	config TelemetryConfig
	tracer trace.Tracer
	meter  metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Int64UpDownCounter
}

// metricDescriptions documents the instruments this package emits.
var metricDescriptions = map[string]string{
	MetricSpawnsTotal:     "Total number of processes spawned",
	MetricRejectedTotal:   "Total number of commands rejected before spawn",
	MetricErrorsTotal:     "Total number of process failures",
	MetricKilledTotal:     "Total number of processes killed",
	MetricProcessDuration: "Process duration from spawn to exit",
	MetricActiveProcesses: "Number of currently running processes",
}

// NewTelemetry creates a telemetry instance backed by the global
// OpenTelemetry providers.
func NewTelemetry(config TelemetryConfig) (Telemetry, error) {
	t := &telemetry{
		config:     config,
		tracer:     otel.Tracer(config.ServiceName),
		meter:      otel.Meter(config.ServiceName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Int64UpDownCounter),
	}

	// Register the known instruments up front so a bad meter fails
	// construction, not the first spawn.
	for _, name := range []string{MetricSpawnsTotal, MetricRejectedTotal, MetricErrorsTotal, MetricKilledTotal} {
		if _, err := t.counter(name); err != nil {
			return nil, err
		}
	}
	if _, err := t.histogram(MetricProcessDuration); err != nil {
		return nil, err
	}
	if _, err := t.gauge(MetricActiveProcesses); err != nil {
		return nil, err
	}

	return t, nil
}

// StartSpan implements Telemetry.StartSpan.
func (t *telemetry) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, func()) {
	if !t.config.EnableTracing {
		return ctx, func() {}
	}

	cfg := &spanConfig{
		kind: trace.SpanKindInternal,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(cfg.attributes...),
		trace.WithSpanKind(cfg.kind),
	)

	return ctx, func() {
		span.End()
	}
}

// RecordCounter implements Telemetry.RecordCounter.
func (t *telemetry) RecordCounter(name string, labels map[string]string) {
	if !t.config.EnableMetrics {
		return
	}
	counter, err := t.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(labelsToAttributes(labels)...))
}

// RecordDuration implements Telemetry.RecordDuration.
func (t *telemetry) RecordDuration(name string, seconds float64, labels map[string]string) {
	if !t.config.EnableMetrics {
		return
	}
	histogram, err := t.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), seconds, metric.WithAttributes(labelsToAttributes(labels)...))
}

// AddGauge implements Telemetry.AddGauge.
func (t *telemetry) AddGauge(name string, delta int64, labels map[string]string) {
	if !t.config.EnableMetrics {
		return
	}
	gauge, err := t.gauge(name)
	if err != nil {
		return
	}
	gauge.Add(context.Background(), delta, metric.WithAttributes(labelsToAttributes(labels)...))
}

func (t *telemetry) counter(name string) (metric.Int64Counter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if counter, ok := t.counters[name]; ok {
		return counter, nil
	}
	counter, err := t.meter.Int64Counter(
		t.config.MetricsPrefix+name,
		metric.WithDescription(metricDescriptions[name]),
	)
	if err != nil {
		return nil, err
	}
	t.counters[name] = counter
	return counter, nil
}

func (t *telemetry) histogram(name string) (metric.Float64Histogram, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if histogram, ok := t.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := t.meter.Float64Histogram(
		t.config.MetricsPrefix+name,
		metric.WithDescription(metricDescriptions[name]),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	t.histograms[name] = histogram
	return histogram, nil
}

func (t *telemetry) gauge(name string) (metric.Int64UpDownCounter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gauge, ok := t.gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := t.meter.Int64UpDownCounter(
		t.config.MetricsPrefix+name,
		metric.WithDescription(metricDescriptions[name]),
	)
	if err != nil {
		return nil, err
	}
	t.gauges[name] = gauge
	return gauge, nil
}

// labelsToAttributes converts labels to OTEL attributes.
func labelsToAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// NoopTelemetry returns a telemetry implementation that does nothing.
func NoopTelemetry() Telemetry {
	return &noopTelemetry{}
}

type noopTelemetry struct{}

func (t *noopTelemetry) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, func()) {
	return ctx, func() {}
}

func (t *noopTelemetry) RecordCounter(name string, labels map[string]string)                   {}
func (t *noopTelemetry) RecordDuration(name string, seconds float64, labels map[string]string) {}
func (t *noopTelemetry) AddGauge(name string, delta int64, labels map[string]string)           {}
