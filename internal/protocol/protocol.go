// Package protocol defines the JSON control messages exchanged with voice
// clients over the websocket connection. Binary frames carry raw PCM16 audio
// and are not described here.
package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client → server message types.
const (
	TypeConfig = "config"
)

// Server → client message types.
const (
	TypeSessionCreated = "session.created"
	TypeSpeechStart    = "vad.speech_start"
	TypeSpeechEnd      = "vad.speech_end"
	TypeThinking       = "assistant.thinking"
	TypeResponseText   = "assistant.response.text"
	TypeAudioStart     = "assistant.audio.start"
	TypeAudioEnd       = "assistant.audio.end"
	TypeError          = "error"
)

var (
	// ErrMalformed is returned for control messages that are not a JSON
	// object with a string "type" field.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned for well-formed messages of a type the server
	// does not handle.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Event is a server → client notification.
type Event struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Control is a client → server message.
type Control struct {
	Type string `json:"type"`

	// Topic is the conversation topic for TypeConfig. Nil leaves the current
	// topic unchanged; an empty string clears it.
	Topic *string `json:"topic,omitempty"`
}

// SessionCreated announces the session ID assigned to a new connection.
func SessionCreated(id string) Event { return Event{Type: TypeSessionCreated, SessionID: id} }

// SpeechStart signals that the segmenter detected the start of speech.
func SpeechStart() Event { return Event{Type: TypeSpeechStart} }

// SpeechEnd signals that the segmenter closed an utterance. reason is
// "silence" or "max_duration".
func SpeechEnd(reason string) Event { return Event{Type: TypeSpeechEnd, Reason: reason} }

// Thinking carries the user's transcribed utterance while a reply is
// generated.
func Thinking(transcript string) Event { return Event{Type: TypeThinking, Text: transcript} }

// ResponseText carries the reply generated so far.
func ResponseText(soFar string) Event { return Event{Type: TypeResponseText, Text: soFar} }

// AudioStart precedes the first binary audio chunk of a reply.
func AudioStart() Event { return Event{Type: TypeAudioStart} }

// AudioEnd follows the last binary audio chunk of a reply.
func AudioEnd() Event { return Event{Type: TypeAudioEnd} }

// Error reports a failed utterance or a rejected request.
func Error(msg string) Event { return Event{Type: TypeError, Message: msg} }

// Encode serialises ev for a websocket text frame.
func Encode(ev Event) ([]byte, error) {
	b, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", ev.Type, err)
	}
	return b, nil
}

// Decode parses a client text frame. Unknown fields are ignored; a missing
// or empty type is [ErrMalformed] and an unhandled type is [ErrUnknownType].
func Decode(data []byte) (Control, error) {
	var c Control
	if err := sonic.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch c.Type {
	case "":
		return Control{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeConfig:
		return c, nil
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
}
