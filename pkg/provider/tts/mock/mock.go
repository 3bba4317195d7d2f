// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{PCM: make([]byte, 3200), Format: audio.Mono(16000)}
//	a, _ := p.Synthesize(ctx, "Hello!", tts.VoiceProfile{ID: "alloy"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// PCM is returned for every call. When nil, a zero-filled buffer of
	// BytesPerCall bytes is returned instead.
	PCM []byte

	// BytesPerCall sizes the generated buffer when PCM is nil.
	BytesPerCall int

	// Format is returned alongside the audio. Zero means 16 kHz mono.
	Format audio.Format

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// FailOn, if non-empty, makes Synthesize fail with Err only when text
	// equals FailOn.
	FailOn string

	// Hook, if non-nil, is called at the start of every Synthesize call
	// before the lock is taken. Tests use it to block or observe ordering.
	Hook func(ctx context.Context, text string)

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	if p.Hook != nil {
		p.Hook(ctx, text)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})

	if p.Err != nil && (p.FailOn == "" || p.FailOn == text) {
		return tts.Audio{}, p.Err
	}
	f := p.Format
	if f == (audio.Format{}) {
		f = audio.Mono(16000)
	}
	pcm := p.PCM
	if pcm == nil {
		pcm = make([]byte, p.BytesPerCall)
	}
	return tts.Audio{PCM: pcm, Format: f}, nil
}

// Texts returns the text of every recorded call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
