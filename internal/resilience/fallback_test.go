package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
)

func newGroup(cfg FallbackConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		wantCalls []string
		wantErr   bool
	}{
		{"primary succeeds", nil, []string{"primary"}, false},
		{"fails over", []string{"primary"}, []string{"primary", "secondary"}, false},
		{"all fail", []string{"primary", "secondary"}, []string{"primary", "secondary"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})

			var calls []string
			got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
				calls = append(calls, v)
				if slices.Contains(tc.failing, v) {
					return "", errTest
				}
				return "from " + v, nil
			})
			if !slices.Equal(calls, tc.wantCalls) {
				t.Errorf("calls = %v, want %v", calls, tc.wantCalls)
			}
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want := "from " + tc.wantCalls[len(tc.wantCalls)-1]; got != want {
				t.Errorf("result = %q, want %q", got, want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}})

	fail := func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	for range 2 {
		_ = fg.Execute(context.Background(), fail)
	}

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(calls, []string{"secondary"}) {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestFallbackGroup_Available(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}})
	if !fg.Available() {
		t.Fatal("fresh group not available")
	}

	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if !fg.Available() {
		t.Error("group unavailable with secondary still closed")
	}

	_ = fg.Execute(context.Background(), func(string) error { return errTest })
	if fg.Available() {
		t.Error("group available with every breaker open")
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	err := fg.Execute(ctx, func(v string) error {
		calls = append(calls, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation reported as ErrAllFailed")
	}
	if !slices.Equal(calls, []string{"primary"}) {
		t.Errorf("calls = %v, want only primary", calls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{})
	fg.AddFallback("tertiary", "tertiary")
	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary", "tertiary"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestFallbackGroup_RecordsProviderErrors(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fg := newGroup(FallbackConfig{Kind: "stt", Metrics: m})
	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "parley.provider.errors" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				if p, _ := dp.Attributes.Value("provider"); p.AsString() != "primary" {
					t.Errorf("error recorded for provider %q", p.AsString())
				}
				total += dp.Value
			}
		}
	}
	if total != 1 {
		t.Errorf("provider errors = %d, want 1", total)
	}
}

func TestFallbackGroup_RecordsBreakerTransitions(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fg := newGroup(FallbackConfig{
		Kind:           observe.StageTTS,
		Metrics:        m,
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "parley.breaker.transitions" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				p, _ := dp.Attributes.Value("provider")
				k, _ := dp.Attributes.Value("kind")
				st, _ := dp.Attributes.Value("state")
				if p.AsString() != "primary" || k.AsString() != "tts" || st.AsString() != "open" || dp.Value != 1 {
					t.Errorf("unexpected transition point %v = %d", dp.Attributes.ToSlice(), dp.Value)
				}
				found = true
			}
		}
	}
	if !found {
		t.Error("no breaker transition recorded")
	}
}
