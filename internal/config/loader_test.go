package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "whisper"},
			LLM: config.ProviderEntry{Name: "openai"},
			TTS: config.ProviderEntry{Name: "openai"},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"invalid log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"tls without key", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"missing llm", func(c *config.Config) { c.Providers.LLM.Name = "" }, "providers.llm.name is required"},
		{"nested fallback", func(c *config.Config) {
			c.Providers.TTS.Fallbacks = []config.ProviderEntry{{
				Name:      "elevenlabs",
				Fallbacks: []config.ProviderEntry{{Name: "openai"}},
			}}
		}, "must not declare its own fallbacks"},
		{"unnamed fallback", func(c *config.Config) {
			c.Providers.STT.Fallbacks = []config.ProviderEntry{{}}
		}, "providers.stt.fallbacks[0].name is required"},
		{"speed factor", func(c *config.Config) { c.Voice.SpeedFactor = 3 }, "voice.speed_factor"},
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 4000 }, "audio.sample_rate"},
		{"vad threshold", func(c *config.Config) { c.VAD.Threshold = 1.5 }, "vad.threshold"},
		{"silence longer than max utterance", func(c *config.Config) {
			c.VAD.SilenceDuration = 5 * time.Second
			c.VAD.MaxUtterance = 2 * time.Second
		}, "vad.silence_duration"},
		{"negative queue depth", func(c *config.Config) { c.Pipeline.QueueDepth = -1 }, "pipeline.queue_depth"},
		{"temperature", func(c *config.Config) { c.Pipeline.Temperature = 2.5 }, "pipeline.temperature"},
		{"sample ratio", func(c *config.Config) { c.Telemetry.TraceSampleRatio = 1.5 }, "telemetry.trace_sample_ratio"},
		{"relay backoff", func(c *config.Config) {
			c.Relay.Enabled = true
			c.Relay.BackoffBase = time.Minute
			c.Relay.BackoffCap = time.Second
		}, "relay.backoff_base"},
		{"relay disabled skips checks", func(c *config.Config) {
			c.Relay.BackoffBase = time.Minute
			c.Relay.BackoffCap = time.Second
		}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Server.LogLevel = "bananas"
	cfg.Voice.SpeedFactor = 0.1
	cfg.History.MaxPairs = -2

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "voice.speed_factor", "history.max_pairs"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"stt", "llm", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known provider names for %s", kind)
		}
	}
}
