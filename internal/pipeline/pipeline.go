// Package pipeline turns a finished user utterance into a spoken reply.
//
// A run transcribes the utterance, streams a reply from the LLM, cuts the
// reply into sentences with a [Splitter] as tokens arrive, and synthesises
// each sentence while the next one is still being generated. Synthesised audio
// is streamed to the client in fixed-size binary chunks bracketed by
// assistant.audio.start and assistant.audio.end.
//
// While audio is playing the session's echo gate is held so the client
// microphone cannot pick the reply up as new speech. After a successful reply
// the gate opens at the estimated end of playback plus the echo tail; after a
// failure it opens immediately.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/clock"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults applied by [Config] zero values.
const (
	DefaultMinTranscriptChars = 2
	DefaultChunkBytes         = 4096
	DefaultQueueDepth         = 2
	DefaultOutputSampleRate   = 16000

	// sentenceBuf is the depth of the channel between generation and
	// synthesis. Generation runs ahead of synthesis by at most this many
	// sentences.
	sentenceBuf = 8
)

var (
	// ErrEmptyTranscript is returned when the transcript is too short to be
	// worth answering. Nothing is sent to the client in that case.
	ErrEmptyTranscript = errors.New("pipeline: empty transcript")

	// ErrEmptyUtterance is returned for an utterance with no audio.
	ErrEmptyUtterance = errors.New("pipeline: empty utterance")
)

// Sink receives everything a run sends to the client. Implementations must be
// safe for concurrent use and preserve the order of calls.
type Sink interface {
	// Event sends a JSON notification.
	Event(ctx context.Context, ev protocol.Event) error

	// Audio sends one binary chunk of PCM16 audio at the output format.
	Audio(ctx context.Context, chunk []byte) error
}

// Providers bundles the external services used by a run. The names are only
// used as metric and log attributes.
type Providers struct {
	STT     stt.Provider
	STTName string
	LLM     llm.Provider
	LLMName string
	TTS     tts.Provider
	TTSName string
}

// Config holds the per-run tunables.
type Config struct {
	// InputFormat is the format of the client's microphone audio.
	InputFormat audio.Format

	// OutputFormat is the format of audio sent to the client. Synthesised
	// audio is converted to it.
	OutputFormat audio.Format

	// Language is an optional transcription language hint.
	Language string

	// Voice selects the TTS voice.
	Voice tts.VoiceProfile

	// MinTranscriptChars drops transcripts shorter than this many runes.
	MinTranscriptChars int

	// SentenceSoftCap is the Splitter soft cap in runes.
	SentenceSoftCap int

	// ChunkBytes is the size of each binary audio frame sent to the client.
	ChunkBytes int

	// MaxPairs and MaxTurnChars bound the history window sent to the LLM.
	MaxPairs     int
	MaxTurnChars int

	// Temperature and MaxTokens are passed through to the LLM. Zero values
	// use the provider defaults.
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.InputFormat == (audio.Format{}) {
		c.InputFormat = audio.Mono(vad.DefaultSampleRate)
	}
	if c.OutputFormat == (audio.Format{}) {
		c.OutputFormat = audio.Mono(DefaultOutputSampleRate)
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = DefaultMinTranscriptChars
	}
	if c.SentenceSoftCap <= 0 {
		c.SentenceSoftCap = DefaultSoftCap
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = DefaultChunkBytes
	}
	if c.ChunkBytes%audio.BytesPerSample != 0 {
		c.ChunkBytes++
	}
	if c.MaxPairs <= 0 {
		c.MaxPairs = session.DefaultMaxPairs
	}
	if c.MaxTurnChars <= 0 {
		c.MaxTurnChars = session.DefaultMaxTurnChars
	}
	return c
}

// Pipeline runs utterances through transcription, generation and synthesis.
// A Pipeline is stateless between runs and safe for concurrent use; callers
// serialise runs per session with a [Worker].
type Pipeline struct {
	p       Providers
	cfg     Config
	clock   clock.Clock
	metrics *observe.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock used for playback estimates.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline. All three providers must be non-nil.
func New(providers Providers, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		p:     providers,
		cfg:   cfg.withDefaults(),
		clock: clock.Real(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// reply tracks the audio side of one run.
type reply struct {
	started    bool
	firstChunk time.Time
	audio      time.Duration
}

// Run answers one utterance of sess, sending notifications and audio to sink.
//
// It returns [ErrEmptyTranscript] without sending anything when the
// transcript is too short. On any other error the client has been sent an
// error notification, the gate has been released and the history holds no
// trace of the failed exchange beyond a completed assistant turn.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session, frames [][]byte, sink Sink) (err error) {
	start := p.clock.Now()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, sess.ID), "pipeline.run")
	defer func() {
		if err != nil && !errors.Is(err, ErrEmptyTranscript) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := observe.Logger(ctx)

	pcm := vad.Concat(frames)
	if len(pcm) == 0 {
		return ErrEmptyUtterance
	}

	transcript, err := p.transcribe(ctx, pcm)
	if err != nil {
		p.fail(ctx, sess, sink, "transcription failed", false)
		return err
	}
	transcript = strings.TrimSpace(transcript)
	if utf8.RuneCountInString(transcript) < p.cfg.MinTranscriptChars {
		log.Debug("dropping short transcript", "transcript", transcript)
		p.metrics.RecordUtterance(ctx, observe.OutcomeEmpty)
		return ErrEmptyTranscript
	}

	req := llm.CompletionRequest{
		SystemPrompt: sess.SystemPrompt(),
		Messages: append(sess.History.Window(p.cfg.MaxPairs, p.cfg.MaxTurnChars),
			llm.Message{Role: llm.RoleUser, Content: transcript}),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	sess.History.AppendUser(transcript)

	if err := sink.Event(ctx, protocol.Thinking(transcript)); err != nil {
		p.fail(ctx, sess, sink, "", true)
		return fmt.Errorf("pipeline: send thinking: %w", err)
	}

	sentences := make(chan string, sentenceBuf)
	var (
		generated bool
		out       reply
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(sentences)
		text, err := p.generate(gctx, req, sentences, sink)
		if err != nil {
			return err
		}
		sess.History.AppendAssistant(text)
		generated = true
		return nil
	})
	g.Go(func() error {
		return p.speak(gctx, sess, sentences, sink, start, &out)
	})

	if err := g.Wait(); err != nil {
		msg := "speech synthesis failed"
		if !generated {
			msg = "reply generation failed"
		}
		log.Warn("utterance failed", "err", err, "generated", generated)
		p.fail(ctx, sess, sink, msg, !generated)
		return err
	}

	if out.started {
		if err := sink.Event(ctx, protocol.AudioEnd()); err != nil {
			sess.Gate.Release()
			return fmt.Errorf("pipeline: send audio end: %w", err)
		}
		sess.Gate.ReleaseAt(out.firstChunk.Add(out.audio))
	}
	p.metrics.RecordUtterance(ctx, observe.OutcomeReplied)
	log.Info("utterance answered", "transcript_chars", len(transcript), "audio", out.audio)
	return nil
}

// fail reports a failed run. rollback removes the unanswered user turn. An
// empty msg skips the client notification.
func (p *Pipeline) fail(ctx context.Context, sess *session.Session, sink Sink, msg string, rollback bool) {
	sess.Gate.Release()
	if rollback {
		sess.History.RollbackUser()
	}
	p.metrics.RecordUtterance(ctx, observe.OutcomeFailed)
	if msg == "" {
		return
	}
	// The run context may already be cancelled; the notification is best
	// effort.
	_ = sink.Event(context.WithoutCancel(ctx), protocol.Error(msg))
}

func (p *Pipeline) transcribe(ctx context.Context, pcm []byte) (string, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.stt")
	defer span.End()

	start := time.Now()
	text, err := p.p.STT.Transcribe(ctx, stt.Request{
		Audio:    audio.EncodeWAV(pcm, p.cfg.InputFormat),
		Language: p.cfg.Language,
	})
	p.metrics.RecordStage(ctx, observe.StageSTT, time.Since(start))
	p.metrics.RecordProviderCall(ctx, p.p.STTName, observe.StageSTT, err)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("pipeline: transcribe: %w", err)
	}
	return text, nil
}

// generate streams the reply, forwarding each completed sentence to out and
// notifying the client of the reply so far. It returns the full reply text
// once the stream has ended cleanly.
func (p *Pipeline) generate(ctx context.Context, req llm.CompletionRequest, out chan<- string, sink Sink) (string, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.llm")
	defer span.End()

	start := time.Now()
	ch, err := p.p.LLM.StreamCompletion(ctx, req)
	if err != nil {
		p.metrics.RecordProviderCall(ctx, p.p.LLMName, observe.StageLLM, err)
		span.RecordError(err)
		return "", fmt.Errorf("pipeline: start generation: %w", err)
	}
	defer drainChunks(ch)

	var (
		splitter = NewSplitter(p.cfg.SentenceSoftCap)
		raw      strings.Builder
		units    int
		usage    *llm.Usage
	)
	// emit queues completed units for synthesis and reports the untrimmed
	// reply through the end of soFar bytes.
	emit := func(done []string, soFar int) error {
		for _, unit := range done {
			select {
			case out <- unit:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		units += len(done)
		return sink.Event(ctx, protocol.ResponseText(strings.TrimSpace(raw.String()[:soFar])))
	}

	for {
		var (
			chunk llm.Chunk
			ok    bool
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}
		if chunk.FinishReason == llm.FinishReasonError {
			err := chunk.Err
			if err == nil {
				err = errors.New("stream failed")
			}
			p.metrics.RecordProviderCall(ctx, p.p.LLMName, observe.StageLLM, err)
			span.RecordError(err)
			return "", fmt.Errorf("pipeline: generate: %w", err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		raw.WriteString(chunk.Text)
		if done := splitter.Push(chunk.Text); len(done) > 0 {
			if err := emit(done, splitter.Emitted()); err != nil {
				return "", err
			}
		}
	}
	if rest := splitter.Flush(); rest != "" {
		if err := emit([]string{rest}, raw.Len()); err != nil {
			return "", err
		}
	}

	p.metrics.RecordStage(ctx, observe.StageLLM, time.Since(start))
	p.metrics.RecordProviderCall(ctx, p.p.LLMName, observe.StageLLM, nil)
	span.SetAttributes(attribute.Int("sentences", units))
	if usage != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", usage.TotalTokens),
		)
		observe.Logger(ctx).Debug("llm usage",
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens)
	}
	return strings.TrimSpace(raw.String()), nil
}

// speak synthesises sentences in order and streams the audio. The gate is
// held and assistant.audio.start sent right before the first chunk.
func (p *Pipeline) speak(ctx context.Context, sess *session.Session, sentences <-chan string, sink Sink, runStart time.Time, out *reply) error {
	for {
		var (
			text string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok = <-sentences:
		}
		if !ok {
			return nil
		}

		pcm, err := p.synthesize(ctx, text)
		if err != nil {
			return err
		}
		if len(pcm) == 0 {
			continue
		}

		if !out.started {
			sess.Gate.Hold()
			if err := sink.Event(ctx, protocol.AudioStart()); err != nil {
				return fmt.Errorf("pipeline: send audio start: %w", err)
			}
			out.started = true
			out.firstChunk = p.clock.Now()
			p.metrics.TimeToFirstAudio.Record(ctx, out.firstChunk.Sub(runStart).Seconds())
		}
		for _, chunk := range audio.Chunk(pcm, p.cfg.ChunkBytes) {
			if err := sink.Audio(ctx, chunk); err != nil {
				return fmt.Errorf("pipeline: send audio: %w", err)
			}
		}
		out.audio += p.cfg.OutputFormat.Duration(len(pcm))
	}
}

// synthesize renders one sentence and converts it to the output format.
func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.tts",
		trace.WithAttributes(attribute.Int("chars", len(text))))
	defer span.End()

	start := time.Now()
	a, err := p.p.TTS.Synthesize(ctx, text, p.cfg.Voice)
	p.metrics.RecordStage(ctx, observe.StageTTS, time.Since(start))
	p.metrics.RecordProviderCall(ctx, p.p.TTSName, observe.StageTTS, err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("pipeline: synthesize: %w", err)
	}
	if a.Format == (audio.Format{}) {
		a.Format = p.cfg.OutputFormat
	}
	if len(a.PCM)%audio.BytesPerSample != 0 {
		a.PCM = a.PCM[:len(a.PCM)-1]
	}
	pcm, err := audio.Convert(a.PCM, a.Format, p.cfg.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("pipeline: convert %s to %s: %w", a.Format, p.cfg.OutputFormat, err)
	}
	return pcm, nil
}

// drainChunks consumes any remaining chunks so the producer goroutine can
// exit once its context is cancelled.
func drainChunks(ch <-chan llm.Chunk) {
	go func() {
		for range ch {
		}
	}()
}
