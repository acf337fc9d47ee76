// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, tracing helpers, trace-aware loggers and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed
// through a Prometheus exporter bridge set up by [InitProvider], so they can
// be scraped from /metrics. [DefaultMetrics] returns a package-level instance
// bound to the global provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/audiorelay"

// Status values used with the "status" attribute.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel instruments are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks offer-to-answer latency. Attributes:
	//   attribute.String("scenario", ...), attribute.String("status", ...)
	NegotiationDuration metric.Float64Histogram

	// BridgeInitDuration tracks realtime bridge setup latency (session token,
	// SDP exchange).
	BridgeInitDuration metric.Float64Histogram

	// ToolDuration tracks tool handler latency. Attribute:
	//   attribute.String("tool", ...)
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts external provider calls. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts external provider failures. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// FramesRelayed counts frames written to a session's output track.
	// Attribute: attribute.String("scenario", ...)
	FramesRelayed metric.Int64Counter

	// FramesDropped counts inbound frames dropped by a busy tap.
	// Attribute: attribute.String("scenario", ...)
	FramesDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets holds histogram boundaries in seconds. Negotiation includes
// ICE gathering, so the upper end reaches past the default timeout.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.NegotiationDuration, err = m.Float64Histogram("audiorelay.negotiation.duration",
		metric.WithDescription("Latency from offer receipt to complete answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BridgeInitDuration, err = m.Float64Histogram("audiorelay.realtime.init.duration",
		metric.WithDescription("Latency of realtime bridge initialisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("audiorelay.tool.duration",
		metric.WithDescription("Latency of tool handlers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("audiorelay.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("audiorelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("audiorelay.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesRelayed, err = m.Int64Counter("audiorelay.frames.relayed",
		metric.WithDescription("Frames written to session output tracks."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("audiorelay.frames.dropped",
		metric.WithDescription("Inbound frames dropped because the consumer was busy."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("audiorelay.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("audiorelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails, which does not happen with the global provider.
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

// StatusOf maps err to [StatusOK] or [StatusError].
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordNegotiation records one negotiation outcome.
func (m *Metrics) RecordNegotiation(ctx context.Context, scenario, status string, d time.Duration) {
	m.NegotiationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("scenario", scenario),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall counts one tool invocation and records its duration.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// AddFramesRelayed adds n to the relayed frame counter for scenario.
func (m *Metrics) AddFramesRelayed(ctx context.Context, scenario string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesRelayed.Add(ctx, n, metric.WithAttributes(attribute.String("scenario", scenario)))
}

// RecordFrameDropped counts one dropped inbound frame for scenario.
func (m *Metrics) RecordFrameDropped(ctx context.Context, scenario string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("scenario", scenario)))
}
