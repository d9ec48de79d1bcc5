// Package observe provides the observability primitives for echosight:
// OpenTelemetry metrics with a Prometheus bridge, tracing helpers, and the
// HTTP middleware used by the diagnostics server.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echosight metrics.
const meterName = "github.com/echosight/echosight"

// Metrics holds all OpenTelemetry metric instruments for the client. All
// fields are safe for concurrent use.
type Metrics struct {
	// SynthesisDuration tracks text-to-speech synthesis latency per chunk.
	SynthesisDuration metric.Float64Histogram

	// Reconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("channel", "relay"|"live")
	Reconnects metric.Int64Counter

	// FatalCloses counts unrecoverable channel closures by channel.
	FatalCloses metric.Int64Counter

	// SessionTransitions counts live-session state changes. Use with
	// attribute: attribute.String("state", ...)
	SessionTransitions metric.Int64Counter

	// FramesForwarded counts camera frames sent to the live session.
	FramesForwarded metric.Int64Counter

	// FramesSkipped counts throttle ticks that forwarded nothing. Use with
	// attribute: attribute.String("reason", "no_source"|"stale"|"send_failed")
	FramesSkipped metric.Int64Counter

	// AudioBlocksSent counts microphone blocks streamed upstream.
	AudioBlocksSent metric.Int64Counter

	// SpeechChunks counts sentence chunks handed to the synthesizer. Use
	// with attribute: attribute.String("status", "ok"|"skip"|"error"|"discarded")
	SpeechChunks metric.Int64Counter

	// HTTPRequestDuration tracks diagnostics-server request latency. Use
	// with attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.SynthesisDuration, err = m.Float64Histogram("echosight.speech.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Reconnects, err = m.Int64Counter("echosight.channel.reconnects",
		metric.WithDescription("Total reconnect attempts by channel."),
	); err != nil {
		return nil, err
	}
	if met.FatalCloses, err = m.Int64Counter("echosight.channel.fatal_closes",
		metric.WithDescription("Total unrecoverable channel closures by channel."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("echosight.session.transitions",
		metric.WithDescription("Total live-session state transitions by target state."),
	); err != nil {
		return nil, err
	}

	if met.FramesForwarded, err = m.Int64Counter("echosight.video.frames.forwarded",
		metric.WithDescription("Total camera frames forwarded to the live session."),
	); err != nil {
		return nil, err
	}
	if met.FramesSkipped, err = m.Int64Counter("echosight.video.frames.skipped",
		metric.WithDescription("Total throttle ticks that forwarded no frame, by reason."),
	); err != nil {
		return nil, err
	}

	if met.AudioBlocksSent, err = m.Int64Counter("echosight.audio.blocks.sent",
		metric.WithDescription("Total microphone audio blocks streamed to the live session."),
	); err != nil {
		return nil, err
	}
	if met.SpeechChunks, err = m.Int64Counter("echosight.speech.chunks",
		metric.WithDescription("Total speech chunks processed, by outcome."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("echosight.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObservePlaybackUnderruns registers an asynchronous counter that reports the
// playback engine's cumulative underrun count via fn on each collection.
func (m *Metrics) ObservePlaybackUnderruns(fn func() int64) error {
	underruns, err := m.meter.Int64ObservableCounter("echosight.playback.underruns",
		metric.WithDescription("Cumulative playback render underruns."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(underruns, fn())
		return nil
	}, underruns)
	return err
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

// RecordReconnect records one reconnect attempt for the named channel.
func (m *Metrics) RecordReconnect(ctx context.Context, channel string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordFatalClose records one unrecoverable closure for the named channel.
func (m *Metrics) RecordFatalClose(ctx context.Context, channel string) {
	m.FatalCloses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordTransition records one live-session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordFrameSkipped records one throttle tick that forwarded nothing.
func (m *Metrics) RecordFrameSkipped(ctx context.Context, reason string) {
	m.FramesSkipped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSynthesis records one synthesis attempt with its latency and outcome.
func (m *Metrics) RecordSynthesis(ctx context.Context, seconds float64, status string) {
	m.SynthesisDuration.Record(ctx, seconds)
	m.SpeechChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
