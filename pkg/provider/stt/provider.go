// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (e.g., OpenAI Whisper or
// a local whisper.cpp server). The voice pipeline hands it one complete
// utterance at a time, encoded as a WAV container, and receives the recognised
// text.
//
// Implementations must be safe for concurrent use: one call may be in flight
// per connected session.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by providers when the request carries no audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request describes one utterance to transcribe.
type Request struct {
	// Audio is a complete RIFF/WAV container holding PCM16 mono audio.
	Audio []byte

	// Language is an optional ISO-639-1 hint (e.g., "en", "de"). Empty lets the
	// provider auto-detect.
	Language string

	// Prompt is optional context that biases recognition (names, jargon).
	Prompt string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text recognised in req.Audio. An utterance with no
	// recognisable speech yields an empty string and a nil error.
	//
	// Returns an error if the provider cannot be reached, rejects the request,
	// or ctx is cancelled before the result arrives.
	Transcribe(ctx context.Context, req Request) (string, error)
}
