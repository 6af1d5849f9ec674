// Package observe provides application-wide observability primitives for
// Kestrel: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kestrel metrics.
const meterName = "github.com/kestrelvoice/kestrel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// StepDuration tracks one generation step, the dominant cost of a frame.
	StepDuration metric.Float64Histogram

	// EncodeDuration tracks codec encoding latency per frame.
	EncodeDuration metric.Float64Histogram

	// DecodeDuration tracks codec decoding latency per frame.
	DecodeDuration metric.Float64Histogram

	// FrameDuration tracks total per-frame pipeline latency, which must stay
	// under the frame period for the session to hold real time.
	FrameDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts inbound frames that completed the pipeline.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts dropped frames. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// SuggestionsAccepted counts admitted suggestion injections. Use with
	// attribute:
	//   attribute.String("source", ...)
	SuggestionsAccepted metric.Int64Counter

	// SuggestionsRejected counts refused injections. Use with attribute:
	//   attribute.String("reason", ...)
	SuggestionsRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SuggestionQueueDepth tracks pending suggestions across all sessions.
	SuggestionQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a real-time frame budget in the tens of milliseconds.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StepDuration, err = m.Float64Histogram("kestrel.step.duration",
		metric.WithDescription("Latency of one generation step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("kestrel.codec.encode.duration",
		metric.WithDescription("Latency of codec encoding per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("kestrel.codec.decode.duration",
		metric.WithDescription("Latency of codec decoding per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("kestrel.frame.duration",
		metric.WithDescription("Total per-frame pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("kestrel.frames.processed",
		metric.WithDescription("Total inbound frames that completed the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("kestrel.frames.dropped",
		metric.WithDescription("Total dropped frames by reason."),
	); err != nil {
		return nil, err
	}
	if met.SuggestionsAccepted, err = m.Int64Counter("kestrel.suggestions.accepted",
		metric.WithDescription("Total admitted suggestion injections by source."),
	); err != nil {
		return nil, err
	}
	if met.SuggestionsRejected, err = m.Int64Counter("kestrel.suggestions.rejected",
		metric.WithDescription("Total refused suggestion injections by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kestrel.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.SuggestionQueueDepth, err = m.Int64UpDownCounter("kestrel.suggestion_queue.depth",
		metric.WithDescription("Pending suggestions across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kestrel.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStep records one generation step's latency.
func (m *Metrics) RecordStep(ctx context.Context, d time.Duration) {
	m.StepDuration.Record(ctx, d.Seconds())
}

// RecordFrameDropped records a dropped frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSuggestionAccepted records an admitted injection with its source.
func (m *Metrics) RecordSuggestionAccepted(ctx context.Context, source string) {
	m.SuggestionsAccepted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
	m.SuggestionQueueDepth.Add(ctx, 1)
}

// RecordSuggestionRejected records a refused injection with its reason.
func (m *Metrics) RecordSuggestionRejected(ctx context.Context, reason string) {
	m.SuggestionsRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSuggestionConsumed decrements the pending-suggestion gauge when a
// session pops an entry.
func (m *Metrics) RecordSuggestionConsumed(ctx context.Context) {
	m.SuggestionQueueDepth.Add(ctx, -1)
}
