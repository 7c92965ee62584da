// Package observe provides application-wide observability primitives for the
// rehearsal server: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/mr-ryan-james/circuit-breaker-sub001"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TTSDuration tracks time from synthesis request to complete clip.
	TTSDuration metric.Float64Histogram

	// SessionDuration tracks wall time from session start to end.
	SessionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// EventsEmitted counts playback events. Use with attribute:
	//   attribute.String("kind", ...)
	EventsEmitted metric.Int64Counter

	// StaleAcks counts acks that did not match the pending event.
	StaleAcks metric.Int64Counter

	// CacheLookups counts audio cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"shared")
	CacheLookups metric.Int64Counter

	// SynthesisFailures counts lines whose audio could not be produced.
	SynthesisFailures metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("provider", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// SessionsStarted counts sessions by mode.
	SessionsStarted metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions in the registry.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks open WebSocket connections.
	ConnectedClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// synthesis latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// sessionBuckets covers rehearsal runs from seconds to hours.
var sessionBuckets = []float64{
	10, 30, 60, 300, 600, 1200, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TTSDuration, err = m.Float64Histogram("rehearse.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("rehearse.session.duration",
		metric.WithDescription("Wall time of rehearsal sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("rehearse.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.EventsEmitted, err = m.Int64Counter("rehearse.events.emitted",
		metric.WithDescription("Playback events emitted by kind."),
	); err != nil {
		return nil, err
	}
	if met.StaleAcks, err = m.Int64Counter("rehearse.acks.stale",
		metric.WithDescription("Acks ignored because they did not match the pending event."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("rehearse.audio_cache.lookups",
		metric.WithDescription("Audio cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisFailures, err = m.Int64Counter("rehearse.tts.failures",
		metric.WithDescription("Lines whose audio could not be synthesised."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("rehearse.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("rehearse.sessions.started",
		metric.WithDescription("Sessions started by mode."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("rehearse.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("rehearse.connected_clients",
		metric.WithDescription("Number of open client connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation fails
// (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvent counts one emitted playback event of the given kind.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCacheLookup counts a cache lookup with result "hit", "miss" or
// "shared" (joined an in-flight synthesis).
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSynthesis records one synthesis attempt's latency and, when it
// failed, a failure.
func (m *Metrics) RecordSynthesis(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.SynthesisFailures.Add(ctx, 1)
	}
	m.TTSDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}

// SessionStarted increments the active-session gauge and the started counter.
func (m *Metrics) SessionStarted(ctx context.Context, mode string) {
	m.ActiveSessions.Add(ctx, 1)
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// SessionEnded decrements the active-session gauge and records the session's
// duration.
func (m *Metrics) SessionEnded(ctx context.Context, d time.Duration, completed bool) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("completed", completed)))
}
