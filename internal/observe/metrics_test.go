package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns metrics backed by a manual reader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the int64 sum data point of name whose attributes contain
// every key/value in want, or -1 when there is none.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
next:
	for _, dp := range sum.DataPoints {
		for _, kv := range want {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
				continue next
			}
		}
		return dp.Value
	}
	return -1
}

func histCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is %T, want Histogram[float64]", name, met.Data)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, StageSTT, 120*time.Millisecond)
	m.RecordStage(ctx, StageLLM, 800*time.Millisecond)
	m.RecordStage(ctx, StageTTS, 90*time.Millisecond)
	m.RecordStage(ctx, StageTTS, 110*time.Millisecond)
	m.RecordStage(ctx, Stage("vision"), time.Second)

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"parley.stt.duration": 1,
		"parley.llm.duration": 1,
		"parley.tts.duration": 2,
	} {
		if got := histCount(t, rm, name); got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestRecordStage_Buckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordStage(context.Background(), StageSTT, 300*time.Millisecond)

	met := findMetric(collect(t, reader), "parley.stt.duration")
	hist := met.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Bounds; len(got) != len(latencyBuckets) {
		t.Errorf("bounds = %v, want %v", got, latencyBuckets)
	}
}

func TestRecordProviderCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderCall(ctx, "openai", StageLLM, nil)
	m.RecordProviderCall(ctx, "openai", StageLLM, nil)
	m.RecordProviderCall(ctx, "openai", StageLLM, errors.New("429"))
	m.RecordProviderCall(ctx, "elevenlabs", StageTTS, errors.New("timeout"))

	rm := collect(t, reader)
	tests := []struct {
		metric string
		attrs  []attribute.KeyValue
		want   int64
	}{
		{"parley.provider.requests", []attribute.KeyValue{
			attribute.String("provider", "openai"), attribute.String("status", "ok"),
		}, 2},
		{"parley.provider.requests", []attribute.KeyValue{
			attribute.String("provider", "openai"), attribute.String("status", "error"),
		}, 1},
		{"parley.provider.errors", []attribute.KeyValue{
			attribute.String("provider", "openai"), attribute.String("kind", "llm"),
		}, 1},
		{"parley.provider.errors", []attribute.KeyValue{
			attribute.String("provider", "elevenlabs"), attribute.String("kind", "tts"),
		}, 1},
	}
	for _, tt := range tests {
		if got := sumByAttr(t, rm, tt.metric, tt.attrs...); got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.metric, tt.attrs, got, tt.want)
		}
	}
}

func TestRecordUtterance(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for _, o := range []Outcome{OutcomeReplied, OutcomeReplied, OutcomeEmpty, OutcomeDropped} {
		m.RecordUtterance(ctx, o)
	}

	rm := collect(t, reader)
	for o, want := range map[Outcome]int64{
		OutcomeReplied: 2,
		OutcomeEmpty:   1,
		OutcomeDropped: 1,
		OutcomeFailed:  -1,
	} {
		got := sumByAttr(t, rm, "parley.utterances", attribute.String("outcome", string(o)))
		if got != want {
			t.Errorf("utterances{outcome=%s} = %d, want %d", o, got, want)
		}
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordBreakerTransition(ctx, "elevenlabs", StageTTS, "open")
	m.RecordBreakerTransition(ctx, "elevenlabs", StageTTS, "half-open")
	m.RecordBreakerTransition(ctx, "elevenlabs", StageTTS, "open")

	rm := collect(t, reader)
	got := sumByAttr(t, rm, "parley.breaker.transitions",
		attribute.String("provider", "elevenlabs"),
		attribute.String("kind", "tts"),
		attribute.String("state", "open"))
	if got != 2 {
		t.Errorf("transitions{state=open} = %d, want 2", got)
	}
}

func TestSessionAndRelayInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.RelayConnections.Add(ctx, 3)
	m.RelayReconnects.Add(ctx, 2)
	m.GatedFrames.Add(ctx, 50)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"parley.active_sessions":   1,
		"parley.relay.connections": 3,
		"parley.relay.reconnects":  2,
		"parley.gated_frames":      50,
	} {
		if got := sumByAttr(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
