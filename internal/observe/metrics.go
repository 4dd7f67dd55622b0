// Package observe holds carecall's telemetry: OpenTelemetry instruments for
// the call pipeline, tracing helpers, trace-aware loggers and the HTTP
// middleware. [InitProvider] installs the SDK with a Prometheus reader, so the
// instruments are scraped from the metrics endpoint. Tests build their own
// [Metrics] with [NewMetrics] and a manual reader.
//
// No attribute value recorded here ever carries transcript or reply text.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all carecall metrics.
const meterName = "github.com/MrWong99/carecall"

// Pipeline stage names used as the "stage" attribute.
const (
	StageSTT       = "stt"
	StageSafety    = "safety"
	StageReasoning = "reasoning"
	StageTTS       = "tts"
	StagePlayback  = "playback"
	StageTurn      = "turn"
)

// Error kinds used as the "kind" attribute on stage errors.
const (
	KindTimeout = "timeout"
	KindError   = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Intake ---

	// FramesReceived counts inbound wire frames.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded before classification. Use with
	//   attribute.String("reason", "malformed"|"busy"|"overflow")
	FramesDropped metric.Int64Counter

	// VADDecisions counts classified chunks. Use with
	//   attribute.String("result", "speech"|"noise")
	VADDecisions metric.Int64Counter

	// Utterances counts completed utterances handed to the pipeline.
	Utterances metric.Int64Counter

	// --- Pipeline ---

	// Turns counts finished turns. Use with
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// StageDuration tracks per-stage latency. Use with
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// StageErrors counts stage failures. Use with
	//   attribute.String("stage", ...), attribute.String("kind", "timeout"|"error")
	StageErrors metric.Int64Counter

	// SafetyAlerts counts raised safety alerts. Use with
	//   attribute.String("level", ...), attribute.String("category", ...)
	SafetyAlerts metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StateTransitions counts session state changes. Use with
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// CallDuration tracks the wall-clock length of finished calls.
	CallDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers call lengths from a few seconds to half an hour.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900, 1200, 1800,
}

// builder creates instruments on one meter and keeps the first error, so
// [NewMetrics] reads as a flat list of instruments.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return g
}

func (b *builder) seconds(name, desc string, bounds []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if bounds != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(name, err)
	return h
}

func (b *builder) keep(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("observe: instrument %s: %w", name, err)
	}
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}
	met := &Metrics{
		FramesReceived: b.counter("carecall.frames.received", "Total inbound audio frames."),
		FramesDropped:  b.counter("carecall.frames.dropped", "Inbound audio frames dropped before classification, by reason."),
		VADDecisions:   b.counter("carecall.vad.decisions", "Voice activity decisions by result."),
		Utterances:     b.counter("carecall.utterances", "Completed caller utterances."),

		Turns:         b.counter("carecall.turns", "Finished conversation turns by outcome."),
		StageDuration: b.seconds("carecall.stage.duration", "Latency of a pipeline stage.", latencyBuckets),
		StageErrors:   b.counter("carecall.stage.errors", "Pipeline stage failures by stage and kind."),
		SafetyAlerts:  b.counter("carecall.safety.alerts", "Safety alerts raised by level and category."),

		ProviderRequests: b.counter("carecall.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:   b.counter("carecall.provider.errors", "Provider failures by provider and kind."),

		ActiveSessions:   b.gauge("carecall.sessions.active", "Number of live call sessions."),
		StateTransitions: b.counter("carecall.state.transitions", "Call session state transitions."),
		CallDuration:     b.seconds("carecall.call.duration", "Length of finished calls.", callBuckets),

		HTTPRequestDuration: b.seconds("carecall.http.request.duration", "HTTP request latency by method and path.", nil),
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built on
// [otel.GetMeterProvider]. It panics if an instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordStageError records one stage failure of the given kind.
func (m *Metrics) RecordStageError(ctx context.Context, stage, kind string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrameDropped records one dropped inbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordVADDecision records one voice activity decision.
func (m *Metrics) RecordVADDecision(ctx context.Context, speech bool) {
	result := "silence"
	if speech {
		result = "speech"
	}
	m.VADDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSafetyAlert records one raised safety alert.
func (m *Metrics) RecordSafetyAlert(ctx context.Context, level, category string) {
	m.SafetyAlerts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("level", level),
			attribute.String("category", category),
		),
	)
}

// RecordTransition records one session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordProviderRequest records one provider call with its status ("ok",
// "error" or "skipped").
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
