// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI speech or
// ElevenLabs). The voice pipeline calls Synthesize once per sentence-sized
// unit of the reply, in order, while the LLM is still generating the next
// unit. Providers return raw PCM16 audio together with its format so the
// caller can convert it to the client's playback rate.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrEmptyText is returned by providers when asked to synthesise blank text.
var ErrEmptyText = errors.New("tts: empty text")

// VoiceProfile selects the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "alloy" for OpenAI,
	// a voice_id for ElevenLabs).
	ID string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means provider default.
	SpeedFactor float64
}

// Audio is the result of a synthesis call.
type Audio struct {
	// PCM is 16-bit signed little-endian audio.
	PCM []byte

	// Format describes PCM.
	Format audio.Format
}

// Duration returns the playback length of a.
func (a Audio) Duration() time.Duration {
	return a.Format.Duration(len(a.PCM))
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text to speech using voice. It returns an error if
	// the provider cannot be reached, rejects the request, or ctx is cancelled
	// before the audio is complete.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Audio, error)
}
