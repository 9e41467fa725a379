// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, trace-aware logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleyvoice/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks time from first audio of an utterance to its
	// final transcript.
	ASRDuration metric.Float64Histogram

	// LLMFirstToken tracks time from transcript dispatch to the first
	// streamed LLM token.
	LLMFirstToken metric.Float64Histogram

	// LLMDuration tracks full LLM reply generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Interrupts counts reply interruptions. Use with attribute:
	//   attribute.String("source", "client"|"vad")
	Interrupts metric.Int64Counter

	// Utterances counts committed user utterances.
	Utterances metric.Int64Counter

	// AudioBytesIn counts microphone PCM bytes received from clients.
	AudioBytesIn metric.Int64Counter

	// AudioBytesOut counts synthesized PCM bytes sent to clients.
	AudioBytesOut metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("parley.asr.duration",
		metric.WithDescription("Latency from utterance audio to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("parley.llm.first_token",
		metric.WithDescription("Latency from transcript to first streamed LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("parley.llm.duration",
		metric.WithDescription("Latency of full LLM reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Latency of per-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("parley.interrupts",
		metric.WithDescription("Total reply interruptions by source (client command or VAD barge-in)."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Total committed user utterances."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesIn, err = m.Int64Counter("parley.audio.bytes_in",
		metric.WithDescription("Microphone PCM bytes received."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesOut, err = m.Int64Counter("parley.audio.bytes_out",
		metric.WithDescription("Synthesized PCM bytes sent."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordInterrupt records an interruption with its source ("client" or
// "vad").
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	m.Interrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
