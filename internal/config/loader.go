package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "whisper"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// API keys and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandSecrets(cfg *Config) {
	for _, e := range []*ProviderEntry{&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS} {
		e.APIKey = os.ExpandEnv(e.APIKey)
		for i := range e.Fallbacks {
			e.Fallbacks[i].APIKey = os.ExpandEnv(e.Fallbacks[i].APIKey)
		}
	}
	cfg.Relay.APIKey = os.ExpandEnv(cfg.Relay.APIKey)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("server.read_limit %d must not be negative", cfg.Server.ReadLimit))
	}

	errs = append(errs, validateProvider("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("tts", cfg.Providers.TTS)...)

	if v := cfg.Voice.SpeedFactor; v != 0 && (v < 0.5 || v > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", v))
	}
	if p := cfg.Voice.Provider; p != "" && cfg.Providers.TTS.Name != "" && p != cfg.Providers.TTS.Name {
		slog.Warn("voice provider does not match the primary TTS provider",
			"voice_provider", p,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	for name, rate := range map[string]int{
		"audio.sample_rate":        cfg.Audio.SampleRate,
		"audio.output_sample_rate": cfg.Audio.OutputSampleRate,
	} {
		if rate != 0 && (rate < 8000 || rate > 48000) {
			errs = append(errs, fmt.Errorf("%s %d is out of range [8000, 48000]", name, rate))
		}
	}
	if cfg.Audio.ChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_bytes %d must not be negative", cfg.Audio.ChunkBytes))
	}

	if t := cfg.VAD.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.3f is out of range [0, 1]", t))
	}
	if cfg.VAD.SilenceDuration < 0 || cfg.VAD.MaxUtterance < 0 {
		errs = append(errs, errors.New("vad durations must not be negative"))
	}
	if cfg.VAD.MaxUtterance > 0 && cfg.VAD.SilenceDuration >= cfg.VAD.MaxUtterance {
		errs = append(errs, fmt.Errorf("vad.silence_duration %v must be shorter than vad.max_utterance %v",
			cfg.VAD.SilenceDuration, cfg.VAD.MaxUtterance))
	}

	for name, n := range map[string]int{
		"pipeline.queue_depth":          cfg.Pipeline.QueueDepth,
		"pipeline.min_transcript_chars": cfg.Pipeline.MinTranscriptChars,
		"pipeline.sentence_soft_cap":    cfg.Pipeline.SentenceSoftCap,
		"pipeline.max_tokens":           cfg.Pipeline.MaxTokens,
		"history.max_pairs":             cfg.History.MaxPairs,
		"history.max_turn_chars":        cfg.History.MaxTurnChars,
		"history.max_stored_turns":      cfg.History.MaxStoredTurns,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", name, n))
		}
	}
	if t := cfg.Pipeline.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", t))
	}
	if h := cfg.History; h.MaxStoredTurns > 0 && h.MaxPairs > 0 && h.MaxStoredTurns < 2*h.MaxPairs {
		slog.Warn("history.max_stored_turns is smaller than the LLM window",
			"max_stored_turns", h.MaxStoredTurns,
			"max_pairs", h.MaxPairs,
		)
	}

	if cfg.Relay.Enabled {
		if cfg.Relay.APIKey == "" {
			slog.Warn("relay.enabled is set but relay.api_key is empty; the upstream will likely reject connections")
		}
		if cfg.Relay.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("relay.max_retries %d must not be negative", cfg.Relay.MaxRetries))
		}
		if cfg.Relay.BackoffCap > 0 && cfg.Relay.BackoffBase > cfg.Relay.BackoffCap {
			errs = append(errs, fmt.Errorf("relay.backoff_base %v exceeds relay.backoff_cap %v",
				cfg.Relay.BackoffBase, cfg.Relay.BackoffCap))
		}
		if t := cfg.Relay.TurnDetection.Threshold; t < 0 || t > 1 {
			errs = append(errs, fmt.Errorf("relay.turn_detection.threshold %.3f is out of range [0, 1]", t))
		}
	}

	if cfg.Resilience.MaxFailures < 0 || cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, errors.New("resilience counters must not be negative"))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.3f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider slot and its fallbacks. A missing
// primary is an error: every slot is required to answer a user.
func validateProvider(kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
	}
	validateProviderName(kind, e.Name)
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s must not declare its own fallbacks", prefix))
		}
		validateProviderName(kind, fb.Name)
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("providers.%s.timeout must not be negative", kind))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
