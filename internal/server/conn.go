package server

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/clock"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/vad"
)

// outboundBuf is the depth of a connection's outbound queue.
const outboundBuf = 64

var errConnClosed = errors.New("server: connection closed")

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// writeFunc writes one websocket message.
type writeFunc func(ctx context.Context, typ websocket.MessageType, data []byte) error

// voiceConn is one /v1/voice connection. The read loop feeds frames to the
// segmenter; every outbound message goes through a single writer goroutine
// so notifications reach the client in the order they were produced.
type voiceConn struct {
	ws      *websocket.Conn
	sess    *session.Session
	pipe    *pipeline.Pipeline
	tun     Tunables
	clock   clock.Clock
	metrics *observe.Metrics

	out     chan outbound
	stopped chan struct{}

	// notices holds segmenter notifications. It is unbounded and drained
	// ahead of out, so a client that reads slowly delays them but never
	// loses them.
	noticeMu    sync.Mutex
	notices     []outbound
	noticeReady chan struct{}
}

func newVoiceConn(ws *websocket.Conn, sess *session.Session, pipe *pipeline.Pipeline, tun Tunables, c clock.Clock, m *observe.Metrics) *voiceConn {
	return &voiceConn{
		ws:      ws,
		sess:    sess,
		pipe:    pipe,
		tun:     tun,
		clock:   c,
		metrics: m,
		out:         make(chan outbound, outboundBuf),
		stopped:     make(chan struct{}),
		noticeReady: make(chan struct{}, 1),
	}
}

// Event implements [pipeline.Sink].
func (c *voiceConn) Event(ctx context.Context, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return c.send(ctx, outbound{typ: websocket.MessageText, data: data})
}

// Audio implements [pipeline.Sink].
func (c *voiceConn) Audio(ctx context.Context, chunk []byte) error {
	return c.send(ctx, outbound{typ: websocket.MessageBinary, data: chunk})
}

func (c *voiceConn) send(ctx context.Context, m outbound) error {
	select {
	case c.out <- m:
		return nil
	case <-c.stopped:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify queues ev on the notice queue without blocking. It is used from
// segmenter callbacks, which run under the segmenter lock.
func (c *voiceConn) notify(ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		return
	}
	c.noticeMu.Lock()
	c.notices = append(c.notices, outbound{typ: websocket.MessageText, data: data})
	c.noticeMu.Unlock()
	select {
	case c.noticeReady <- struct{}{}:
	default:
	}
}

func (c *voiceConn) takeNotices() []outbound {
	c.noticeMu.Lock()
	defer c.noticeMu.Unlock()
	n := c.notices
	c.notices = nil
	return n
}

// writeLoop drains the notice and outbound queues until ctx is cancelled or
// a write fails. Pending notices are written before the next outbound
// message. A failed write cancels the connection. Writes are unblocked by
// closing the websocket, not by ctx.
func (c *voiceConn) writeLoop(ctx context.Context, cancel context.CancelFunc, write writeFunc) {
	defer close(c.stopped)
	wctx := context.WithoutCancel(ctx)
	put := func(m outbound) bool {
		if err := write(wctx, m.typ, m.data); err != nil {
			if ctx.Err() == nil {
				observe.Logger(ctx).Debug("client write failed", "err", err)
			}
			cancel()
			return false
		}
		return true
	}
	for {
		for _, m := range c.takeNotices() {
			if !put(m) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-c.noticeReady:
		case m := <-c.out:
			if !put(m) {
				return
			}
		}
	}
}

// serve runs the connection until the client disconnects or ctx is
// cancelled. shuttingDown reports whether the server is going away, which
// selects the close code sent to the client.
func (c *voiceConn) serve(ctx context.Context, shuttingDown func() bool) {
	ctx, cancel := context.WithCancel(observe.WithSession(ctx, c.sess.ID))
	defer cancel()
	log := observe.Logger(ctx)

	c.metrics.ActiveSessions.Add(ctx, 1)
	defer c.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	var closeOnce sync.Once
	closeWS := func() {
		closeOnce.Do(func() {
			if shuttingDown() {
				_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			_ = c.ws.Close(websocket.StatusNormalClosure, "")
		})
	}
	stopClose := context.AfterFunc(ctx, closeWS)
	defer stopClose()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, cancel, c.ws.Write)
	}()

	worker := pipeline.NewWorker(ctx, c.pipe, c.sess, c, c.tun.QueueDepth)
	seg := vad.New(c.tun.VAD,
		vad.WithClock(c.clock),
		vad.WithOnSpeechStart(func() {
			c.notify(protocol.SpeechStart())
		}),
		vad.WithOnSpeechEnd(func(reason vad.EndReason) {
			c.notify(protocol.SpeechEnd(reason.String()))
		}),
		vad.WithOnUtterance(func(u vad.Utterance) {
			err := worker.Submit(u.Frames)
			if errors.Is(err, pipeline.ErrQueueFull) {
				log.Warn("utterance dropped, still answering earlier speech",
					"pending", worker.Pending(), "duration", u.Duration)
				c.notify(protocol.Error("still answering, please wait"))
			}
		}),
	)

	log.Info("session opened")
	c.notify(protocol.SessionCreated(c.sess.ID))

	c.readLoop(ctx, seg)

	cancel()
	seg.Close()
	worker.Close()
	<-writerDone
	closeWS()
	log.Info("session closed", "turns", c.sess.History.Len())
}

// readLoop reads client frames until the connection fails or is closed.
// Binary frames are dropped while the echo gate is held; otherwise they are
// classified and buffered by seg. Text frames are control messages.
func (c *voiceConn) readLoop(ctx context.Context, seg *vad.Segmenter) {
	rctx := context.WithoutCancel(ctx)
	for {
		typ, data, err := c.ws.Read(rctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				observe.Logger(ctx).Debug("client read failed", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if c.sess.Gate.Held() {
				c.metrics.GatedFrames.Add(ctx, 1)
				continue
			}
			seg.Process(data)
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

// handleControl applies one JSON control message. Malformed or unknown
// messages are logged and ignored.
func (c *voiceConn) handleControl(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		observe.Logger(ctx).Warn("ignoring control message", "err", err)
		return
	}
	if msg.Type == protocol.TypeConfig && msg.Topic != nil {
		c.sess.SetTopic(*msg.Topic)
		observe.Logger(ctx).Debug("topic set", "topic", c.sess.Topic())
	}
}
