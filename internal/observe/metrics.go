// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlay-live/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranslationDuration tracks translation latency per target language.
	TranslationDuration metric.Float64Histogram

	// CorrectionDuration tracks source-text correction latency.
	CorrectionDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Caption pipeline counters ---

	// CommittedSegments counts committed captions. Use with attribute:
	//   attribute.Bool("forced", ...)
	CommittedSegments metric.Int64Counter

	// DedupedWords counts words stripped by boundary deduplication.
	DedupedWords metric.Int64Counter

	// RecoveryOutcomes counts forced-final recovery results. Use with attribute:
	//   attribute.String("outcome", "extension"|"none"|"error")
	RecoveryOutcomes metric.Int64Counter

	// TranslationRequests counts translation calls. Use with attributes:
	//   attribute.String("target", ...), attribute.String("status", ...)
	TranslationRequests metric.Int64Counter

	// PromptTruncations counts prompt blocks clipped to their byte budget.
	// Use with attribute: attribute.String("block", "context"|"glossary")
	PromptTruncations metric.Int64Counter

	// --- STT pool counters ---

	// DroppedAudioBytes counts inbound audio bytes discarded by the pool.
	DroppedAudioBytes metric.Int64Counter

	// BufferOverflows counts disconnect-buffer overflows per pool member.
	BufferOverflows metric.Int64Counter

	// PoolReconnects counts successful STT session reconnects.
	PoolReconnects metric.Int64Counter

	// --- Delivery counters ---

	// ListenerQueueDrops counts partials evicted from listener queues.
	ListenerQueueDrops metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live translation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks the number of connected listeners across all
	// sessions.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-caption latencies.
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
	if met.TranslationDuration, err = m.Float64Histogram("parlance.translation.duration",
		metric.WithDescription("Latency of translation requests by target language."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CorrectionDuration, err = m.Float64Histogram("parlance.correction.duration",
		metric.WithDescription("Latency of source-text correction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("parlance.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Caption pipeline counters.
	if met.CommittedSegments, err = m.Int64Counter("parlance.caption.commits",
		metric.WithDescription("Total committed caption segments by forced flag."),
	); err != nil {
		return nil, err
	}
	if met.DedupedWords, err = m.Int64Counter("parlance.caption.deduped_words",
		metric.WithDescription("Total words stripped by boundary deduplication."),
	); err != nil {
		return nil, err
	}
	if met.RecoveryOutcomes, err = m.Int64Counter("parlance.caption.recovery_outcomes",
		metric.WithDescription("Forced-final recovery results by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranslationRequests, err = m.Int64Counter("parlance.translation.requests",
		metric.WithDescription("Total translation requests by target language and status."),
	); err != nil {
		return nil, err
	}
	if met.PromptTruncations, err = m.Int64Counter("parlance.translation.prompt_truncations",
		metric.WithDescription("Prompt blocks clipped to their byte budget."),
	); err != nil {
		return nil, err
	}

	// STT pool counters.
	if met.DroppedAudioBytes, err = m.Int64Counter("parlance.stt.dropped_audio_bytes",
		metric.WithDescription("Inbound audio bytes discarded by the STT pool."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BufferOverflows, err = m.Int64Counter("parlance.stt.buffer_overflows",
		metric.WithDescription("Disconnect-buffer overflows per STT pool member."),
	); err != nil {
		return nil, err
	}
	if met.PoolReconnects, err = m.Int64Counter("parlance.stt.reconnects",
		metric.WithDescription("Successful STT session reconnects."),
	); err != nil {
		return nil, err
	}

	// Delivery counters.
	if met.ListenerQueueDrops, err = m.Int64Counter("parlance.broadcast.queue_drops",
		metric.WithDescription("Partials evicted from listener delivery queues."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parlance.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live translation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("parlance.active_listeners",
		metric.WithDescription("Number of connected listeners across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
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

// RecordCommit records a committed caption segment and any deduplicated
// boundary words.
func (m *Metrics) RecordCommit(ctx context.Context, forced bool, wordsDeduped int) {
	m.CommittedSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("forced", forced)),
	)
	if wordsDeduped > 0 {
		m.DedupedWords.Add(ctx, int64(wordsDeduped))
	}
}

// RecordRecoveryOutcome records a forced-final recovery result.
// outcome is "extension", "none", or "error".
func (m *Metrics) RecordRecoveryOutcome(ctx context.Context, outcome string) {
	m.RecoveryOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTranslation records a translation request counter increment with the
// standard attribute set.
func (m *Metrics) RecordTranslation(ctx context.Context, target, status string) {
	m.TranslationRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
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
