package resilience

import (
	"context"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several
// backends.
//
// Voice IDs are provider specific. A voice whose Provider field names a
// different backend is passed with an empty ID so that backend uses its own
// default voice.
type TTSFallback struct {
	group *FallbackGroup[namedTTS]
}

type namedTTS struct {
	name string
	tts.Provider
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = observe.StageTTS
	}
	return &TTSFallback{group: NewFallbackGroup(namedTTS{primaryName, primary}, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, namedTTS{name, provider})
}

// Names returns the backend names in failover order.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// Available reports whether any backend's circuit breaker is not open.
func (f *TTSFallback) Available() bool { return f.group.Available() }

// Synthesize returns the audio from the first backend that succeeds.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	return ExecuteWithResult(ctx, f.group, func(p namedTTS) (tts.Audio, error) {
		v := voice
		if v.Provider != "" && v.Provider != p.name {
			v.ID = ""
			v.Provider = p.name
		}
		return p.Synthesize(ctx, text, v)
	})
}
