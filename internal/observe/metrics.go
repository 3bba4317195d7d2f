// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, session-aware structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported by
// a Prometheus bridge installed by [InitProvider]. [DefaultMetrics] uses the
// global meter provider; tests should build their own with [NewMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Stage names one provider-backed step of answering an utterance.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// Outcome classifies how an utterance handed to the pipeline ended.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
	OutcomeDropped Outcome = "dropped"
)

// Metrics holds the OpenTelemetry instruments used by parley. All fields are
// safe for concurrent use.
type Metrics struct {
	// STTDuration, LLMDuration and TTSDuration hold per-stage latency. TTS is
	// recorded once per synthesised sentence, LLM once per reply stream.
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram

	// TimeToFirstAudio is the time from utterance hand-off to the first reply
	// audio chunk.
	TimeToFirstAudio metric.Float64Histogram

	// ProviderRequests is labelled provider, kind and status ("ok", "error").
	ProviderRequests metric.Int64Counter

	// ProviderErrors is labelled provider and kind.
	ProviderErrors metric.Int64Counter

	// Utterances is labelled outcome; see [Outcome].
	Utterances metric.Int64Counter

	// BreakerTransitions is labelled provider, kind and state (the state
	// entered).
	BreakerTransitions metric.Int64Counter

	// GatedFrames counts inbound audio frames dropped while the echo gate was
	// held.
	GatedFrames metric.Int64Counter

	RelayReconnects  metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	RelayConnections metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled method, path and upgraded. For
	// websocket endpoints it measures the connection lifetime.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for speech
// round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets bool
	}{
		{&met.STTDuration, "parley.stt.duration", "Latency of speech-to-text transcription.", true},
		{&met.LLMDuration, "parley.llm.duration", "Latency of a streamed LLM reply.", true},
		{&met.TTSDuration, "parley.tts.duration", "Latency of text-to-speech synthesis per sentence.", true},
		{&met.TimeToFirstAudio, "parley.time_to_first_audio", "Time from end of user speech to the first reply audio chunk.", true},
		{&met.HTTPRequestDuration, "parley.http.request.duration", "HTTP request latency by method and path.", false},
	}
	for _, h := range histograms {
		opts := []metric.Float64HistogramOption{
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
		}
		if h.buckets {
			opts = append(opts, metric.WithExplicitBucketBoundaries(latencyBuckets...))
		}
		var err error
		if *h.dst, err = m.Float64Histogram(h.name, opts...); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "parley.provider.requests", "Provider API calls by provider, kind and status."},
		{&met.ProviderErrors, "parley.provider.errors", "Failed provider API calls by provider and kind."},
		{&met.Utterances, "parley.utterances", "Utterances handed to the pipeline by outcome."},
		{&met.BreakerTransitions, "parley.breaker.transitions", "Circuit breaker state changes by provider, kind and entered state."},
		{&met.GatedFrames, "parley.gated_frames", "Inbound audio frames dropped by the echo gate."},
		{&met.RelayReconnects, "parley.relay.reconnects", "Upstream reconnect attempts in relay mode."},
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.RelayConnections, err = m.Int64UpDownCounter("parley.relay.connections",
		metric.WithDescription("Number of open upstream relay connections."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider at first use. Call it after [InitProvider].
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

// RecordStage records the latency of one pipeline stage. Unknown stages are
// ignored.
func (m *Metrics) RecordStage(ctx context.Context, s Stage, d time.Duration) {
	var h metric.Float64Histogram
	switch s {
	case StageSTT:
		h = m.STTDuration
	case StageLLM:
		h = m.LLMDuration
	case StageTTS:
		h = m.TTSDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordProviderCall counts one provider call of kind, and an error when err
// is non-nil.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider string, kind Stage, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, provider, kind)
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", string(kind)),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string, kind Stage) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", string(kind)),
	))
}

// RecordUtterance counts one utterance by outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, o Outcome) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider string, kind Stage, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", string(kind)),
		attribute.String("state", state),
	))
}
