// Package relay bridges a voice client to an upstream realtime conversation
// service (the OpenAI Realtime API or a compatible endpoint).
//
// The upstream service does its own turn detection and generation; the relay
// only owns the connection lifecycle. Client text frames are forwarded
// verbatim, client binary frames (raw PCM16) are wrapped in
// input_audio_buffer.append events, and every upstream frame is forwarded to
// the client unchanged.
//
// When the upstream connection fails while the client is still connected,
// the relay reconnects with exponential backoff. Client frames arriving in the
// meantime are held in a bounded queue and flushed, in order, once the new
// upstream connection is configured. After MaxRetries consecutive failures
// the client is closed with status 1013 (try again later).
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/clock"
	"github.com/MrWong99/parley/internal/observe"
)

// Defaults applied by [Config] zero values.
const (
	DefaultURL            = "wss://api.openai.com/v1/realtime"
	DefaultModel          = "gpt-4o-realtime-preview"
	DefaultVoice          = "alloy"
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultPendingFrames  = 256
	DefaultDialTimeout    = 10 * time.Second
	DefaultReadLimit      = 16 << 20
	DefaultVADThreshold   = 0.5
	DefaultPrefixPadding  = 300 * time.Millisecond
	DefaultSilenceTimeout = 500 * time.Millisecond
)

// ErrRetriesExhausted is returned by [Relay.Run] when the upstream connection
// failed more than MaxRetries times in a row.
var ErrRetriesExhausted = errors.New("relay: upstream retries exhausted")

var errClientGone = errors.New("relay: client write failed")

// State is the upstream connection state.
type State int

const (
	// Disconnected: no upstream connection; a reconnect is pending.
	Disconnected State = iota

	// Connecting: dialling and configuring the upstream session.
	Connecting

	// Open: upstream configured; frames flow in both directions.
	Open

	// Closed: terminal; both sides are closed or closing.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TurnDetection configures the upstream service's own voice activity
// detection.
type TurnDetection struct {
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

// Config configures a Relay.
type Config struct {
	// URL is the upstream websocket endpoint without the model parameter.
	URL string

	// APIKey is sent as a bearer token.
	APIKey string

	Model        string
	Voice        string
	Instructions string

	TurnDetection TurnDetection

	// BackoffBase and BackoffCap bound the reconnect delay
	// min(BackoffBase × 2^retries, BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxRetries is the number of consecutive upstream failures tolerated
	// before the client is closed.
	MaxRetries int

	// PendingFrames bounds the queue of client frames held while the upstream
	// connection is not open.
	PendingFrames int

	// DialTimeout bounds each connection attempt including the handshake.
	DialTimeout time.Duration

	// HTTPClient is used for the websocket handshake. Nil uses the default.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.TurnDetection.Threshold <= 0 {
		c.TurnDetection.Threshold = DefaultVADThreshold
	}
	if c.TurnDetection.PrefixPadding <= 0 {
		c.TurnDetection.PrefixPadding = DefaultPrefixPadding
	}
	if c.TurnDetection.SilenceDuration <= 0 {
		c.TurnDetection.SilenceDuration = DefaultSilenceTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PendingFrames <= 0 {
		c.PendingFrames = DefaultPendingFrames
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Backoff returns the delay before reconnect attempt number retries (1-based):
// min(base × 2^retries, cap).
func Backoff(retries int, base, maxDelay time.Duration) time.Duration {
	d := base
	for range retries {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Conn is the client side of the relay. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock replaces the clock used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// Relay forwards frames between one client connection and the upstream
// service. A Relay serves a single client and cannot be reused.
type Relay struct {
	cfg     Config
	client  Conn
	clock   clock.Clock
	metrics *observe.Metrics

	mu       sync.Mutex
	state    State
	upstream *websocket.Conn
	retries  int
	pending  *pendingQueue
}

// New creates a Relay for client. Call [Relay.Run] to start it.
func New(client Conn, cfg Config, opts ...Option) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		cfg:     cfg,
		client:  client,
		clock:   clock.Real(),
		state:   Disconnected,
		pending: newPendingQueue(cfg.PendingFrames),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// State returns the current upstream state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Retries returns the number of consecutive upstream failures so far.
func (r *Relay) Retries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries
}

// Run relays until the client disconnects, ctx is cancelled, or the upstream
// retries are exhausted. It returns nil when the client went away and
// [ErrRetriesExhausted] when the upstream could not be kept alive. On return
// both connections are closed.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := observe.Logger(ctx)

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		defer cancel()
		r.readClient(ctx)
	}()

	for {
		r.setState(Connecting)
		up, err := r.connect(ctx)
		if err == nil {
			r.open(ctx, up)
			err = r.pumpUpstream(ctx, up)
			if errors.Is(err, errClientGone) {
				cancel()
			}
			if ctx.Err() == nil {
				r.detach(up)
			}
		}

		if ctx.Err() != nil {
			r.shutdown(websocket.StatusTryAgainLater, "client disconnected")
			<-clientGone
			return nil
		}

		retries, exhausted := r.fail()
		if exhausted {
			log.Error("upstream retries exhausted", "retries", retries-1, "err", err)
			r.shutdown(websocket.StatusTryAgainLater, "upstream unavailable")
			cancel()
			<-clientGone
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		delay := Backoff(retries, r.cfg.BackoffBase, r.cfg.BackoffCap)
		r.metrics.RelayReconnects.Add(ctx, 1)
		log.Warn("upstream connection lost, reconnecting",
			"attempt", retries,
			"max_retries", r.cfg.MaxRetries,
			"backoff", delay,
			"err", err,
		)
		r.setState(Disconnected)
		if err := r.clock.Sleep(ctx, delay); err != nil {
			r.shutdown(websocket.StatusTryAgainLater, "client disconnected")
			<-clientGone
			return nil
		}
	}
}

// connect dials the upstream service and configures the session.
func (r *Relay) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", r.cfg.Model)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()
	up, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: r.cfg.HTTPClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	up.SetReadLimit(DefaultReadLimit)

	msg, err := r.sessionUpdate()
	if err == nil {
		err = up.Write(ctx, websocket.MessageText, msg)
	}
	if err != nil {
		up.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("relay: session update: %w", err)
	}
	return up, nil
}

// open publishes up as the live upstream, resets the retry counter and
// flushes queued client frames. The flush happens under the lock so frames
// read concurrently from the client cannot overtake queued ones.
func (r *Relay) open(ctx context.Context, up *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.pending.drain()
	for i, msg := range msgs {
		if err := up.Write(ctx, websocket.MessageText, msg); err != nil {
			for j := len(msgs) - 1; j >= i; j-- {
				r.pending.pushFront(msgs[j])
			}
			break
		}
	}
	r.upstream = up
	r.state = Open
	r.retries = 0
	r.metrics.RelayConnections.Add(ctx, 1)
	observe.Logger(ctx).Info("upstream connected", "flushed", len(msgs)-r.pending.len())
}

// detach retires up after it failed.
func (r *Relay) detach(up *websocket.Conn) {
	r.mu.Lock()
	if r.upstream == up {
		r.upstream = nil
		r.state = Disconnected
		r.metrics.RelayConnections.Add(context.Background(), -1)
	}
	r.mu.Unlock()
	up.Close(websocket.StatusGoingAway, "reconnecting")
}

// fail counts one upstream failure. It reports the new retry count and
// whether it exceeded the limit.
func (r *Relay) fail() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
	return r.retries, r.retries > r.cfg.MaxRetries
}

// shutdown moves to Closed and closes both sides.
func (r *Relay) shutdown(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	up := r.upstream
	r.upstream = nil
	wasOpen := r.state == Open
	r.state = Closed
	r.mu.Unlock()

	if up != nil {
		if wasOpen {
			r.metrics.RelayConnections.Add(context.Background(), -1)
		}
		up.Close(code, reason)
	}
	r.client.Close(code, reason)
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Closed {
		r.state = s
	}
}

// readClient forwards client frames until the client connection fails.
func (r *Relay) readClient(ctx context.Context) {
	for {
		typ, data, err := r.client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				observe.Logger(ctx).Debug("client read ended", "err", err)
			}
			return
		}
		msg := data
		if typ == websocket.MessageBinary {
			if msg, err = appendAudio(data); err != nil {
				continue
			}
		}
		r.forward(ctx, msg)
	}
}

// forward sends msg upstream if the connection is open and queues it
// otherwise.
func (r *Relay) forward(ctx context.Context, msg []byte) {
	r.mu.Lock()
	if r.state != Open || r.upstream == nil {
		if r.pending.push(msg) {
			observe.Logger(ctx).Debug("pending queue full, dropped oldest frame")
		}
		r.mu.Unlock()
		return
	}
	up := r.upstream
	r.mu.Unlock()

	if err := up.Write(ctx, websocket.MessageText, msg); err != nil {
		r.mu.Lock()
		r.pending.push(msg)
		r.mu.Unlock()
	}
}

// pumpUpstream forwards upstream frames to the client until either side
// fails.
func (r *Relay) pumpUpstream(ctx context.Context, up *websocket.Conn) error {
	for {
		typ, data, err := up.Read(ctx)
		if err != nil {
			return fmt.Errorf("relay: upstream read: %w", err)
		}
		if err := r.client.Write(ctx, typ, data); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
	}
}

// ── upstream protocol ─────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string      `json:"modalities"`
	Voice             string        `json:"voice,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func (r *Relay) sessionUpdate() ([]byte, error) {
	td := r.cfg.TurnDetection
	return sonic.Marshal(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             r.cfg.Voice,
			Instructions:      r.cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         td.Threshold,
				PrefixPaddingMs:   td.PrefixPadding.Milliseconds(),
				SilenceDurationMs: td.SilenceDuration.Milliseconds(),
			},
		},
	})
}

func appendAudio(pcm []byte) ([]byte, error) {
	return sonic.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}
