// Package vad segments a live PCM16 stream into utterances using a simple
// energy detector: frames whose RMS reaches a threshold count as speech, and
// an utterance ends after a configured stretch of continuous silence or when
// it reaches the maximum utterance length.
//
// A Segmenter is a small state machine:
//
//	Idle --speech--> Speaking --silence--> TrailingSilence --timer--> Idle
//	                    ^                        |
//	                    +--------speech----------+
//
// Timers are armed through a clock.Clock and carry generation tokens, so a
// timer that was superseded, or that fires after Close, does nothing.
package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/clock"
	"github.com/MrWong99/parley/pkg/audio"
)

// Phase is the segmenter state.
type Phase int

const (
	// Idle means no speech is in progress. Silent frames are discarded.
	Idle Phase = iota

	// Speaking means the most recent frame was speech.
	Speaking

	// TrailingSilence means speech was followed by silence and the silence
	// timer is armed.
	TrailingSilence
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case TrailingSilence:
		return "trailing_silence"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// EndReason says why an utterance was closed.
type EndReason int

const (
	// EndSilence means the silence timer expired.
	EndSilence EndReason = iota

	// EndMaxDuration means the utterance reached Config.MaxUtterance.
	EndMaxDuration

	// EndClosed means the segmenter was closed mid-utterance. Such
	// utterances are discarded.
	EndClosed
)

func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndMaxDuration:
		return "max_duration"
	case EndClosed:
		return "closed"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}

// Defaults applied by Config.withDefaults.
const (
	DefaultThreshold       = 0.015
	DefaultSilenceDuration = 800 * time.Millisecond
	DefaultMaxUtterance    = 30 * time.Second
	DefaultMinUtterance    = 200 * time.Millisecond
	DefaultSampleRate      = 16000
)

// Config tunes a Segmenter. Zero fields take the package defaults.
type Config struct {
	// Format of incoming frames. Only the byte rate matters; RMS assumes
	// 16-bit samples. Zero means 16 kHz mono.
	Format audio.Format

	// Threshold is the RMS (normalised to [0, 1]) at or above which a frame
	// counts as speech.
	Threshold float64

	// SilenceDuration is how long silence must last after speech before the
	// utterance is handed off.
	SilenceDuration time.Duration

	// MaxUtterance forces a hand-off once an utterance has lasted this long,
	// by wall clock or by buffered audio, even if speech continues.
	MaxUtterance time.Duration

	// MinUtterance discards utterances whose buffered audio is shorter than
	// this. Negative disables the check.
	MinUtterance time.Duration
}

func (c Config) withDefaults() Config {
	if c.Format == (audio.Format{}) {
		c.Format = audio.Mono(DefaultSampleRate)
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	if c.MinUtterance == 0 {
		c.MinUtterance = DefaultMinUtterance
	}
	return c
}

// Utterance is a completed stretch of speech handed off for processing.
type Utterance struct {
	// Frames are the raw frames in arrival order, including the trailing
	// silence that closed the utterance.
	Frames [][]byte

	// Bytes is the total length of Frames.
	Bytes int

	// Duration is the playback length of Frames.
	Duration time.Duration

	// Reason says why the utterance was closed.
	Reason EndReason
}

// PCM returns the utterance as one contiguous buffer.
func (u Utterance) PCM() []byte { return Concat(u.Frames) }

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithClock replaces the wall clock used for the silence and max-utterance
// timers.
func WithClock(c clock.Clock) Option {
	return func(s *Segmenter) {
		s.clock = c
	}
}

// WithOnSpeechStart registers a callback invoked when speech begins.
func WithOnSpeechStart(f func()) Option {
	return func(s *Segmenter) {
		s.onStart = f
	}
}

// WithOnSpeechEnd registers a callback invoked when speech ends, before the
// utterance is handed off.
func WithOnSpeechEnd(f func(EndReason)) Option {
	return func(s *Segmenter) {
		s.onEnd = f
	}
}

// WithOnUtterance registers the hand-off callback. It receives every
// non-empty utterance that is at least Config.MinUtterance long.
func WithOnUtterance(f func(Utterance)) Option {
	return func(s *Segmenter) {
		s.onUtterance = f
	}
}

// Segmenter detects utterance boundaries in a stream of PCM16 frames.
//
// All callbacks run while the segmenter's lock is held, which keeps
// speech_start/speech_end ordering strict for a session. They must not block
// and must not call back into the Segmenter.
//
// All methods are safe for concurrent use.
type Segmenter struct {
	cfg      Config
	clock    clock.Clock
	maxBytes int
	minBytes int

	onStart     func()
	onEnd       func(EndReason)
	onUtterance func(Utterance)

	mu           sync.Mutex
	phase        Phase
	buf          utteranceBuffer
	silenceTimer clock.Timer
	maxTimer     clock.Timer
	gen          uint64 // bumped per utterance; guards maxTimer
	silenceGen   uint64 // bumped per silence timer arm or cancel
	closed       bool
}

// New creates a Segmenter.
func New(cfg Config, opts ...Option) *Segmenter {
	cfg = cfg.withDefaults()
	s := &Segmenter{
		cfg:   cfg,
		clock: clock.Real(),
	}
	for _, o := range opts {
		o(s)
	}
	s.maxBytes = cfg.Format.Bytes(cfg.MaxUtterance)
	if cfg.MinUtterance > 0 {
		s.minBytes = cfg.Format.Bytes(cfg.MinUtterance)
	}
	return s
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// Process classifies one frame and advances the state machine. It returns
// the frame's RMS. Frames after Close are ignored.
//
// A trailing unpaired byte does not contribute to the RMS, but the frame is
// buffered unmodified.
func (s *Segmenter) Process(frame []byte) float64 {
	rms := audio.RMS(frame)
	speech := rms >= s.cfg.Threshold

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rms
	}

	switch {
	case speech && s.phase == Idle:
		s.phase = Speaking
		s.gen++
		gen := s.gen
		s.maxTimer = s.clock.AfterFunc(s.cfg.MaxUtterance, func() { s.maxDurationElapsed(gen) })
		if s.onStart != nil {
			s.onStart()
		}
		s.appendLocked(frame)

	case speech:
		if s.phase == TrailingSilence {
			s.stopSilenceTimerLocked()
			s.phase = Speaking
		}
		s.appendLocked(frame)

	case s.phase == Idle:
		// Leading silence is discarded.

	case s.phase == Speaking:
		s.phase = TrailingSilence
		s.silenceGen++
		gen := s.silenceGen
		s.silenceTimer = s.clock.AfterFunc(s.cfg.SilenceDuration, func() { s.silenceElapsed(gen) })
		s.appendLocked(frame)

	default: // TrailingSilence: keep buffering, timer untouched.
		s.appendLocked(frame)
	}
	return rms
}

// Phase returns the current state.
func (s *Segmenter) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Speaking reports whether an utterance is in progress.
func (s *Segmenter) Speaking() bool {
	return s.Phase() != Idle
}

// Buffered returns the number of bytes in the in-progress utterance.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.size
}

// Close cancels all timers and discards any in-progress utterance. Callbacks
// are not invoked. Close is idempotent.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	s.buf.detach()
	s.phase = Idle
}

func (s *Segmenter) appendLocked(frame []byte) {
	s.buf.append(frame)
	if s.maxBytes > 0 && s.buf.size >= s.maxBytes {
		s.endLocked(EndMaxDuration)
	}
}

func (s *Segmenter) silenceElapsed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.silenceGen || s.phase != TrailingSilence {
		return
	}
	s.silenceTimer = nil
	s.endLocked(EndSilence)
}

func (s *Segmenter) maxDurationElapsed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen || s.phase == Idle {
		return
	}
	s.maxTimer = nil
	s.endLocked(EndMaxDuration)
}

// endLocked closes the current utterance and hands it off. It bumps the
// generation so that any timer armed for this utterance becomes stale.
func (s *Segmenter) endLocked(reason EndReason) {
	s.gen++
	s.stopTimersLocked()
	s.phase = Idle
	frames, size := s.buf.detach()

	if s.onEnd != nil {
		s.onEnd(reason)
	}
	if size == 0 || size < s.minBytes || s.onUtterance == nil {
		return
	}
	s.onUtterance(Utterance{
		Frames:   frames,
		Bytes:    size,
		Duration: s.cfg.Format.Duration(size),
		Reason:   reason,
	})
}

func (s *Segmenter) stopSilenceTimerLocked() {
	s.silenceGen++
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
}

func (s *Segmenter) stopTimersLocked() {
	s.stopSilenceTimerLocked()
	if s.maxTimer != nil {
		s.maxTimer.Stop()
		s.maxTimer = nil
	}
}
