package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/safeharbour/harbour/internal/redact"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	extractCounter        metric.Int64Counter
	extractDuration       metric.Float64Histogram
	recognizerDuration    metric.Float64Histogram
	mentionsCounter       metric.Int64Counter
	sanitizeCounter       metric.Int64Counter
	sanitizeDuration      metric.Float64Histogram
	auditEvents           metric.Int64Counter
	auditDeliveries       metric.Int64Counter
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// Audit queue results reported by RecordAuditEvent.
const (
	AuditEnqueued = "enqueued"
	AuditDropped  = "dropped"
)

// ExtractMetrics carries the measurements of one extraction.
type ExtractMetrics struct {
	Outcome      string
	Recognizer   string
	Source       string
	DurationMs   float64
	RecognizerMs float64
	Mentions     int
	Matched      int
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	protocol := strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if protocol != "" && protocol != "grpc" && protocol != "http" {
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s; if no collector is listening, periodic 'failed to upload metrics' warnings are expected", protocol, cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var traceExp sdktrace.SpanExporter
	var metricExp sdkmetric.Exporter
	switch protocol {
	case "", "grpc":
		if traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
	case "http":
		if traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure()); err != nil {
			return nil, err
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("harbour"),
		meter:                 mp.Meter("harbour"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

// Noop returns a provider whose instruments discard everything.
func Noop() *Provider {
	p := &Provider{
		Enabled: false,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   noop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// WithMeter returns a provider recording into meter with a no-op tracer.
func WithMeter(meter metric.Meter) *Provider {
	p := &Provider{
		Enabled: true,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   meter,
	}
	p.initInstruments()
	return p
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.extractCounter, _ = p.meter.Int64Counter("harbour_extract_requests_total")
	p.extractDuration, _ = p.meter.Float64Histogram("harbour_extract_duration_ms")
	p.recognizerDuration, _ = p.meter.Float64Histogram("harbour_recognizer_duration_ms")
	p.mentionsCounter, _ = p.meter.Int64Counter("harbour_mentions_total")
	p.sanitizeCounter, _ = p.meter.Int64Counter("harbour_sanitize_requests_total")
	p.sanitizeDuration, _ = p.meter.Float64Histogram("harbour_sanitize_duration_ms")
	p.auditEvents, _ = p.meter.Int64Counter("harbour_audit_events_total")
	p.auditDeliveries, _ = p.meter.Int64Counter("harbour_audit_deliveries_total")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordExtract emits counters/histograms for one extraction with safe labels.
func (p *Provider) RecordExtract(ctx context.Context, m ExtractMetrics) {
	if p == nil || p.extractCounter == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("harbour.outcome", m.Outcome),
		attribute.String("harbour.recognizer", m.Recognizer),
		attribute.String("harbour.source", m.Source),
	)
	p.extractCounter.Add(ctx, 1, labels)
	p.extractDuration.Record(ctx, m.DurationMs, labels)
	if m.RecognizerMs > 0 {
		p.recognizerDuration.Record(ctx, m.RecognizerMs, labels)
	}
	if m.Matched > 0 {
		p.mentionsCounter.Add(ctx, int64(m.Matched), metric.WithAttributes(attribute.Bool("harbour.matched", true)))
	}
	if unmatched := m.Mentions - m.Matched; unmatched > 0 {
		p.mentionsCounter.Add(ctx, int64(unmatched), metric.WithAttributes(attribute.Bool("harbour.matched", false)))
	}
}

// RecordSanitize emits counters/histograms for one sanitized document.
func (p *Provider) RecordSanitize(ctx context.Context, outcome, source string, durMs float64) {
	if p == nil || p.sanitizeCounter == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("harbour.outcome", outcome),
		attribute.String("harbour.source", source),
	)
	p.sanitizeCounter.Add(ctx, 1, labels)
	p.sanitizeDuration.Record(ctx, durMs, labels)
}

// RecordAuditEvent counts one audit event by queue result (AuditEnqueued or
// AuditDropped).
func (p *Provider) RecordAuditEvent(ctx context.Context, result string) {
	if p == nil || p.auditEvents == nil {
		return
	}
	p.auditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("harbour.audit.result", result)))
}

// RecordAuditDelivery counts one delivery attempt to a sink type.
func (p *Provider) RecordAuditDelivery(ctx context.Context, sink string, ok bool) {
	if p == nil || p.auditDeliveries == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	p.auditDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("harbour.audit.sink", sink),
		attribute.String("harbour.outcome", outcome),
	))
}
