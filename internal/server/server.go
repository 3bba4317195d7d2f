// Package server exposes the voice conversation endpoints over HTTP.
//
// GET /v1/voice upgrades to a websocket carrying PCM16 microphone audio in and
// JSON notifications plus synthesised audio out. Each connection owns one
// session, one VAD segmenter and one pipeline worker. GET /v1/realtime, when a
// relay is configured, forwards the connection to an upstream realtime
// service. Health checks and Prometheus metrics are served on the same mux.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/clock"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/vad"
)

const (
	// DefaultReadLimit bounds a single inbound websocket message.
	DefaultReadLimit = 1 << 20

	readHeaderTimeout = 10 * time.Second
)

// Tunables are the settings that can change while the server runs. Changes
// apply to connections opened afterwards.
type Tunables struct {
	VAD        vad.Config
	Pipeline   pipeline.Config
	Session    session.Options
	QueueDepth int
}

// Option configures a Server.
type Option func(*Server)

// WithRelay enables the /v1/realtime endpoint.
func WithRelay(cfg relay.Config) Option {
	return func(s *Server) { s.relayCfg = &cfg }
}

// WithHealth replaces the health handler. The default has no checkers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock replaces the wall clock used by segmenters, gates and the relay.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithReadLimit sets the maximum size of one inbound websocket message.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithOriginPatterns allows cross-origin websocket upgrades from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server owns the live sessions and the HTTP listener.
type Server struct {
	providers pipeline.Providers
	store     *session.Store
	health    *health.Handler
	metrics   *observe.Metrics
	clock     clock.Clock

	relayCfg       *relay.Config
	readLimit      int64
	originPatterns []string

	mu   sync.RWMutex
	tun  Tunables
	pipe *pipeline.Pipeline

	// base is cancelled on Shutdown and parents every connection context.
	base   context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	httpMu  sync.Mutex
	httpSrv *http.Server
}

// New creates a Server answering with the given providers.
func New(providers pipeline.Providers, tun Tunables, opts ...Option) *Server {
	s := &Server{
		providers: providers,
		clock:     clock.Real(),
		readLimit: DefaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New(nil)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.store = session.NewStore(s.sessionOptions(tun.Session))
	s.applyTunables(tun)
	return s
}

// Store returns the session registry.
func (s *Server) Store() *session.Store { return s.store }

// UpdateTunables replaces the tunables used for new connections. Live
// sessions keep the settings they started with.
func (s *Server) UpdateTunables(tun Tunables) {
	s.store.SetOptions(s.sessionOptions(tun.Session))
	s.applyTunables(tun)
	slog.Info("tunables updated",
		"vad_threshold", tun.VAD.Threshold,
		"silence", tun.VAD.SilenceDuration,
		"queue_depth", tun.QueueDepth,
	)
}

func (s *Server) applyTunables(tun Tunables) {
	pipe := pipeline.New(s.providers, tun.Pipeline,
		pipeline.WithClock(s.clock),
		pipeline.WithMetrics(s.metrics),
	)
	s.mu.Lock()
	s.tun = tun
	s.pipe = pipe
	s.mu.Unlock()
}

func (s *Server) sessionOptions(o session.Options) session.Options {
	if o.Clock == nil {
		o.Clock = s.clock
	}
	return o
}

func (s *Server) snapshot() (Tunables, *pipeline.Pipeline) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tun, s.pipe
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/voice", s.handleVoice)
	if s.relayCfg != nil {
		mux.HandleFunc("GET /v1/realtime", s.handleRealtime)
	}
	mux.Handle("GET /metrics", observe.MetricsHandler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe listens on addr and serves until Shutdown. It returns
// [http.ErrServerClosed] after a graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.httpMu.Lock()
	s.httpSrv = srv
	s.httpMu.Unlock()
	return srv.Serve(ln)
}

// Shutdown marks the server as draining, closes every live connection and
// stops the HTTP listener. It waits for connection handlers to return or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetDraining(true)
	s.cancel()

	var errs []error
	s.httpMu.Lock()
	srv := s.httpSrv
	s.httpMu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: http shutdown: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		ids := openSessions(s.store)
		for _, id := range ids {
			slog.Warn("session still open at shutdown", "session_id", id)
		}
		errs = append(errs, fmt.Errorf("server: waiting for %d sessions: %w", len(ids), ctx.Err()))
	}
	return errors.Join(errs...)
}

// openSessions lists the IDs of the live sessions, oldest first.
func openSessions(st *session.Store) []string {
	list := st.List()
	ids := make([]string, len(list))
	for i, sess := range list {
		ids[i] = sess.ID
	}
	return ids
}

// connContext returns a context cancelled when either the request ends or
// the server shuts down.
func (s *Server) connContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if s.base.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, errors.New("server: shutting down")
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("server: accept websocket: %w", err)
	}
	ws.SetReadLimit(s.readLimit)
	return ws, nil
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := s.accept(w, r)
	if err != nil {
		observe.Logger(r.Context()).Warn("voice connection rejected", "err", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := s.connContext(r)
	defer cancel()

	tun, pipe := s.snapshot()
	sess := s.store.Create()
	defer s.store.Remove(sess.ID)

	c := newVoiceConn(ws, sess, pipe, tun, s.clock, s.metrics)
	c.serve(ctx, func() bool { return s.base.Err() != nil })
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ws, err := s.accept(w, r)
	if err != nil {
		observe.Logger(r.Context()).Warn("realtime connection rejected", "err", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := s.connContext(r)
	defer cancel()
	ctx = observe.WithSession(ctx, "relay-"+uuid.NewString())

	log := observe.Logger(ctx)
	log.Info("realtime relay opened", "remote", r.RemoteAddr)
	rl := relay.New(ws, *s.relayCfg,
		relay.WithClock(s.clock),
		relay.WithMetrics(s.metrics),
	)
	if err := rl.Run(ctx); err != nil {
		log.Warn("realtime relay ended", "err", err)
		return
	}
	log.Info("realtime relay closed", "remote", r.RemoteAddr)
}
