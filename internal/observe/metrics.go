// Package observe holds the call bridge's metrics, tracing and request
// logging.
//
// Instruments are recorded through the OpenTelemetry metrics API and scraped
// through the Prometheus registry built by [Setup]. [DefaultMetrics] binds to
// the global meter provider; tests use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/callbridge"

// Metrics is the set of instruments recorded by the bridge. Attribute keys
// are noted where an instrument takes any.
type Metrics struct {
	// LLMDuration is reply latency by "mode" (speculative, authoritative).
	LLMDuration metric.Float64Histogram
	// TTSFirstByte is the delay from synthesis request to first audio chunk.
	TTSFirstByte metric.Float64Histogram

	ActiveCalls   metric.Int64UpDownCounter
	CallsTotal    metric.Int64Counter
	FramesSent    metric.Int64Counter
	FramesSilence metric.Int64Counter
	BargeIns      metric.Int64Counter

	SpeculativeReused    metric.Int64Counter
	SpeculativeDiscarded metric.Int64Counter

	// STTFallbacks counts switches to the default recognizer by "stage"
	// (startup, midstream).
	STTFallbacks metric.Int64Counter

	// ProviderRequests is keyed by "provider", "kind" and "status";
	// ProviderErrors by "provider" and "kind".
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by "backend"
	// and "state".
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration is keyed by "method", "route" and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// Bucket boundaries in seconds, sized for a phone turn: anything past a
// couple of seconds is already dead air.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and collects their errors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		LLMDuration:  b.seconds("callbridge.llm.duration", "Latency of language-model replies.", latencyBuckets...),
		TTSFirstByte: b.seconds("callbridge.tts.first_byte", "Latency from synthesis request to first audio chunk.", latencyBuckets...),

		ActiveCalls:   b.gauge("callbridge.calls.active", "Number of live calls."),
		CallsTotal:    b.counter("callbridge.calls.total", "Calls that reached the active state."),
		FramesSent:    b.counter("callbridge.frames.sent", "Outbound media frames, silence included."),
		FramesSilence: b.counter("callbridge.frames.silence", "Silence frames emitted on playback underrun."),
		BargeIns:      b.counter("callbridge.bargein.total", "Playback interrupted by caller speech."),

		SpeculativeReused:    b.counter("callbridge.speculative.reused", "Turns answered by a speculative reply."),
		SpeculativeDiscarded: b.counter("callbridge.speculative.discarded", "Speculative replies that were not used."),
		STTFallbacks:         b.counter("callbridge.stt.fallbacks", "Switches to the default recognizer."),

		ProviderRequests:   b.counter("callbridge.provider.requests", "Provider API requests."),
		ProviderErrors:     b.counter("callbridge.provider.errors", "Provider API errors."),
		BreakerTransitions: b.counter("callbridge.breaker.transitions", "Circuit breaker state changes."),

		HTTPRequestDuration: b.seconds("callbridge.http.request.duration", "HTTP request latency."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to the global meter provider,
// created on first use. It panics if they cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordLLM(ctx context.Context, mode string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordPlayback records one finished playback job. A zero firstByte means
// the job played a clip and had no synthesis leg.
func (m *Metrics) RecordPlayback(ctx context.Context, frames, silence int, firstByte time.Duration) {
	if frames > 0 {
		m.FramesSent.Add(ctx, int64(frames))
	}
	if silence > 0 {
		m.FramesSilence.Add(ctx, int64(silence))
	}
	if firstByte > 0 {
		m.TTSFirstByte.Record(ctx, firstByte.Seconds())
	}
}

func (m *Metrics) RecordSTTFallback(ctx context.Context, stage string) {
	m.STTFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordBreaker records a breaker entering state.
func (m *Metrics) RecordBreaker(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("state", state),
	))
}
