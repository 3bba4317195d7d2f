// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the parley voice server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Voice      VoiceConfig      `yaml:"voice"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	History    HistoryConfig    `yaml:"history"`
	Echo       EchoConfig       `yaml:"echo"`
	Relay      RelayConfig      `yaml:"relay"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ReadLimit caps the size of one inbound websocket message in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// AllowedOrigins lists host patterns allowed to open cross-origin
	// websockets. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// ${VAR} references are expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Timeout bounds a single request. Zero uses the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// breaker is open. Fallback entries cannot have fallbacks of their own.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// VoiceConfig selects the assistant's voice and persona.
type VoiceConfig struct {
	// Provider is the TTS provider the voice ID belongs to. Empty means the
	// primary TTS provider.
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. Zero means default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// Language is an optional ISO-639-1 transcription hint.
	Language string `yaml:"language"`

	// SystemPrompt is the base instruction given to the LLM.
	SystemPrompt string `yaml:"system_prompt"`
}

// AudioConfig describes the client audio formats.
type AudioConfig struct {
	// SampleRate of client microphone audio (PCM16 mono). Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// OutputSampleRate of audio sent to the client. Default: 16000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// ChunkBytes is the size of each binary audio frame sent to the client.
	ChunkBytes int `yaml:"chunk_bytes"`
}

// VADConfig tunes the energy-based speech segmenter.
type VADConfig struct {
	// Threshold is the normalised RMS at or above which a frame is speech.
	Threshold float64 `yaml:"threshold"`

	// SilenceDuration ends an utterance after this much trailing silence.
	SilenceDuration time.Duration `yaml:"silence_duration"`

	// MaxUtterance forces an utterance to end after this long.
	MaxUtterance time.Duration `yaml:"max_utterance"`

	// MinUtterance discards shorter utterances.
	MinUtterance time.Duration `yaml:"min_utterance"`
}

// PipelineConfig tunes the transcribe-generate-synthesise pipeline.
type PipelineConfig struct {
	// QueueDepth is how many utterances may wait behind the one in progress.
	QueueDepth int `yaml:"queue_depth"`

	// MinTranscriptChars drops shorter transcripts without replying.
	MinTranscriptChars int `yaml:"min_transcript_chars"`

	// SentenceSoftCap forces a synthesis unit once this many runes are
	// buffered without a sentence boundary.
	SentenceSoftCap int `yaml:"sentence_soft_cap"`

	// Temperature and MaxTokens are passed to the LLM. Zero uses provider
	// defaults.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// HistoryConfig bounds conversation history.
type HistoryConfig struct {
	// MaxPairs is the number of recent exchanges sent to the LLM. Default: 10.
	MaxPairs int `yaml:"max_pairs"`

	// MaxTurnChars truncates each turn sent to the LLM. Default: 500.
	MaxTurnChars int `yaml:"max_turn_chars"`

	// MaxStoredTurns caps the turns kept per session. Default: 200.
	MaxStoredTurns int `yaml:"max_stored_turns"`
}

// EchoConfig tunes the echo gate.
type EchoConfig struct {
	// Tail keeps the gate closed this long after estimated playback end.
	// Default: 800ms. Negative disables the tail.
	Tail time.Duration `yaml:"tail"`
}

// RelayConfig configures the /v1/realtime upstream relay.
type RelayConfig struct {
	// Enabled exposes the relay endpoint.
	Enabled bool `yaml:"enabled"`

	// URL is the upstream websocket endpoint without the model parameter.
	URL string `yaml:"url"`

	// APIKey is sent as a bearer token. ${VAR} references are expanded.
	APIKey string `yaml:"api_key"`

	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`

	// BackoffBase and BackoffCap bound the reconnect delay.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	// MaxRetries is the number of consecutive upstream failures tolerated.
	MaxRetries int `yaml:"max_retries"`

	// PendingFrames bounds the queue held while reconnecting.
	PendingFrames int `yaml:"pending_frames"`
}

// TurnDetectionConfig is the server-side VAD requested from the upstream.
type TurnDetectionConfig struct {
	Threshold       float64       `yaml:"threshold"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// TelemetryConfig tunes tracing and the reported service identity.
type TelemetryConfig struct {
	// ServiceName is reported on every span and metric. Default: "parley".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces recorded, in [0, 1].
	// Zero records every trace. Incoming sampled parents are always honoured.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
