// Package observe provides application-wide observability primitives for
// tutorvoice: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], so they are scraped via /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tutorvoice metrics.
const meterName = "github.com/MrWong99/tutorvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RoundTripDuration tracks the time from sending an utterance (or control
	// request) to the first inbound frame.
	RoundTripDuration metric.Float64Histogram

	// UtteranceDuration tracks the speech length of forwarded utterances.
	UtteranceDuration metric.Float64Histogram

	// ChannelConnectDuration tracks duplex channel establishment time.
	ChannelConnectDuration metric.Float64Histogram

	// --- Counters ---

	// TurnTransitions counts turn state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TurnTransitions metric.Int64Counter

	// UtterancesForwarded counts utterances sent to the backend.
	UtterancesForwarded metric.Int64Counter

	// UtterancesDiscarded counts recordings that were not sent. Use with
	// attribute:
	//   attribute.String("reason", ...)
	UtterancesDiscarded metric.Int64Counter

	// Playbacks counts playbacks by outcome. Use with attributes:
	//   attribute.Bool("greeting", ...), attribute.String("status", ...)
	Playbacks metric.Int64Counter

	// ResponseTimeouts counts response deadlines that expired while waiting
	// for the backend.
	ResponseTimeouts metric.Int64Counter

	// PausesDetected counts prolonged pauses.
	PausesDetected metric.Int64Counter

	// --- Error counters ---

	// ChannelErrors counts duplex channel failures. Use with attribute:
	//   attribute.String("kind", ...)
	ChannelErrors metric.Int64Counter

	// RecordingErrors counts microphone failures. Use with attribute:
	//   attribute.String("kind", ...)
	RecordingErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// CalibratedThreshold records the speech threshold (dBFS) chosen for each
	// recording.
	CalibratedThreshold metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks probe surface requests. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for backend round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20,
}

// speechBuckets defines histogram bucket boundaries (in seconds) for spoken
// utterance lengths.
var speechBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 12, 20, 30,
}

// thresholdBuckets defines histogram bucket boundaries (in dBFS) for
// calibrated thresholds.
var thresholdBuckets = []float64{
	-70, -60, -55, -50, -47, -45, -40, -35, -30, -20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RoundTripDuration, err = m.Float64Histogram("tutorvoice.round_trip.duration",
		metric.WithDescription("Time from a sent request to the first inbound frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("tutorvoice.utterance.duration",
		metric.WithDescription("Speech length of forwarded utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChannelConnectDuration, err = m.Float64Histogram("tutorvoice.channel.connect.duration",
		metric.WithDescription("Duplex channel establishment time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CalibratedThreshold, err = m.Float64Histogram("tutorvoice.vad.threshold",
		metric.WithDescription("Speech threshold chosen per recording."),
		metric.WithUnit("dBFS"),
		metric.WithExplicitBucketBoundaries(thresholdBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnTransitions, err = m.Int64Counter("tutorvoice.turn.transitions",
		metric.WithDescription("Total turn state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesForwarded, err = m.Int64Counter("tutorvoice.utterances.forwarded",
		metric.WithDescription("Total utterances sent to the backend."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDiscarded, err = m.Int64Counter("tutorvoice.utterances.discarded",
		metric.WithDescription("Total recordings discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("tutorvoice.playbacks",
		metric.WithDescription("Total playbacks by greeting flag and status."),
	); err != nil {
		return nil, err
	}
	if met.ResponseTimeouts, err = m.Int64Counter("tutorvoice.response.timeouts",
		metric.WithDescription("Total expired response deadlines."),
	); err != nil {
		return nil, err
	}
	if met.PausesDetected, err = m.Int64Counter("tutorvoice.pauses.detected",
		metric.WithDescription("Total prolonged pauses detected."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ChannelErrors, err = m.Int64Counter("tutorvoice.channel.errors",
		metric.WithDescription("Total duplex channel errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.RecordingErrors, err = m.Int64Counter("tutorvoice.recording.errors",
		metric.WithDescription("Total microphone errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tutorvoice.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tutorvoice.http.request.duration",
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

// RecordTransition records a turn state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.TurnTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordForwarded records a forwarded utterance and its speech length.
func (m *Metrics) RecordForwarded(ctx context.Context, speech time.Duration) {
	m.UtterancesForwarded.Add(ctx, 1)
	m.UtteranceDuration.Record(ctx, speech.Seconds())
}

// RecordDiscarded records a discarded recording.
func (m *Metrics) RecordDiscarded(ctx context.Context, reason string) {
	m.UtterancesDiscarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPlayback records a finished playback.
func (m *Metrics) RecordPlayback(ctx context.Context, greeting bool, status string) {
	m.Playbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("greeting", greeting),
			attribute.String("status", status),
		),
	)
}

// RecordChannelError records a duplex channel failure.
func (m *Metrics) RecordChannelError(ctx context.Context, kind string) {
	m.ChannelErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRecordingError records a microphone failure.
func (m *Metrics) RecordRecordingError(ctx context.Context, kind string) {
	m.RecordingErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
