package main

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func pipelineProviders(ttsName string) pipeline.Providers {
	return pipeline.Providers{TTSName: ttsName}
}

func mockRegistry(primarySTT, fallbackSTT *sttmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("primary", func(config.ProviderEntry) (stt.Provider, error) { return primarySTT, nil })
	reg.RegisterSTT("backup", func(config.ProviderEntry) (stt.Provider, error) { return fallbackSTT, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	return reg
}

func TestBuildProviders_FallbackChain(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	backup := &sttmock.Provider{Text: "hello"}

	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "primary", Fallbacks: []config.ProviderEntry{{Name: "backup"}}},
		LLM: config.ProviderEntry{Name: "mock"},
		TTS: config.ProviderEntry{Name: "mock"},
	}}
	ps, err := buildProviders(cfg, mockRegistry(primary, backup), nil)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.STTName != "primary" || ps.LLMName != "mock" || ps.TTSName != "mock" {
		t.Errorf("names = %q/%q/%q", ps.STTName, ps.LLMName, ps.TTSName)
	}

	got, err := ps.STT.Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "hello" {
		t.Errorf("Transcribe = %q, want fallback result", got)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls primary=%d backup=%d", primary.CallCount(), backup.CallCount())
	}
}

func TestReadinessCheckers_Order(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "primary"},
		LLM: config.ProviderEntry{Name: "mock"},
		TTS: config.ProviderEntry{Name: "mock"},
	}}
	ps, err := buildProviders(cfg, mockRegistry(&sttmock.Provider{}, &sttmock.Provider{}), nil)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	want := []string{"providers", "stt_breakers", "llm_breakers", "tts_breakers"}
	for range 5 {
		var names []string
		for _, c := range readinessCheckers(ps) {
			names = append(names, c.Name)
		}
		if !slices.Equal(names, want) {
			t.Fatalf("checkers = %v, want %v", names, want)
		}
	}

	checkers := readinessCheckers(pipeline.Providers{})
	if len(checkers) != 1 {
		t.Fatalf("empty provider set produced %d checkers, want 1", len(checkers))
	}
	if err := checkers[0].Check(context.Background()); err == nil {
		t.Error("providers check passed without providers")
	}
}

func TestBuildProviders_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "primary"},
		LLM: config.ProviderEntry{Name: "nope"},
		TTS: config.ProviderEntry{Name: "mock"},
	}}
	_, err := buildProviders(cfg, mockRegistry(&sttmock.Provider{}, &sttmock.Provider{}), nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for kind, names := range config.ValidProviderNames {
		registered := reg.Names(kind)
		for _, name := range names {
			if !slices.Contains(registered, name) {
				t.Errorf("%s provider %q is valid but not registered", kind, name)
			}
		}
	}
}

func TestTunablesFrom(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Voice:    config.VoiceConfig{VoiceID: "rachel", SystemPrompt: "Be brief.", Language: "de"},
		Audio:    config.AudioConfig{SampleRate: 24000, OutputSampleRate: 22050, ChunkBytes: 4096},
		VAD:      config.VADConfig{Threshold: 0.05, SilenceDuration: 900 * time.Millisecond},
		Pipeline: config.PipelineConfig{QueueDepth: 2, SentenceSoftCap: 120},
		History:  config.HistoryConfig{MaxPairs: 4, MaxStoredTurns: 50},
		Echo:     config.EchoConfig{Tail: -1},
	}
	tun := tunablesFrom(cfg, pipelineProviders("elevenlabs"))

	if tun.VAD.Format.SampleRate != 24000 || tun.Pipeline.InputFormat.SampleRate != 24000 {
		t.Errorf("input rate vad=%d pipeline=%d", tun.VAD.Format.SampleRate, tun.Pipeline.InputFormat.SampleRate)
	}
	if tun.Pipeline.OutputFormat.SampleRate != 22050 {
		t.Errorf("output rate = %d", tun.Pipeline.OutputFormat.SampleRate)
	}
	if tun.VAD.SilenceDuration != 900*time.Millisecond || tun.VAD.Threshold != 0.05 {
		t.Errorf("vad = %+v", tun.VAD)
	}
	if v := tun.Pipeline.Voice; v.ID != "rachel" || v.Provider != "elevenlabs" {
		t.Errorf("voice = %+v, want primary tts provider filled in", v)
	}
	if tun.Session.SystemPrompt != "Be brief." || tun.Session.EchoTail != -1 || tun.Session.MaxStoredTurns != 50 {
		t.Errorf("session = %+v", tun.Session)
	}
	if tun.QueueDepth != 2 || tun.Pipeline.MaxPairs != 4 || tun.Pipeline.ChunkBytes != 4096 {
		t.Errorf("tunables = %+v", tun)
	}
}

func TestTunablesFrom_ZeroRatesUseDefaults(t *testing.T) {
	t.Parallel()
	tun := tunablesFrom(&config.Config{}, pipelineProviders("openai"))
	if tun.VAD.Format.SampleRate != 0 || tun.Pipeline.OutputFormat.SampleRate != 0 {
		t.Errorf("zero config should leave formats to package defaults, got %+v / %+v",
			tun.VAD.Format, tun.Pipeline.OutputFormat)
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"language": "en", "n": 3}
	if got := optString(opts, "language"); got != "en" {
		t.Errorf("language = %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("non-string = %q", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("nil map = %q", got)
	}
}

func TestOptFloat(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"temperature": 0.2, "beam": 0, "language": "en"}
	tests := []struct {
		key    string
		want   float64
		wantOK bool
	}{
		{"temperature", 0.2, true},
		{"beam", 0, true},
		{"language", 0, false},
		{"absent", 0, false},
	}
	for _, tc := range tests {
		got, ok := optFloat(opts, tc.key)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("optFloat(%q) = %v, %v; want %v, %v", tc.key, got, ok, tc.want, tc.wantOK)
		}
	}
	if _, ok := optFloat(nil, "temperature"); ok {
		t.Error("nil map reported a value")
	}
}
