package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

// ErrQueueFull is returned by [Worker.Submit] when the session already has
// the maximum number of utterances waiting.
var ErrQueueFull = errors.New("pipeline: utterance queue full")

// ErrWorkerClosed is returned by [Worker.Submit] after [Worker.Close].
var ErrWorkerClosed = errors.New("pipeline: worker closed")

// Worker serialises pipeline runs for one session. Utterances are answered
// one at a time in arrival order; at most depth utterances wait behind the
// one in progress.
type Worker struct {
	pipe *Pipeline
	sess *session.Session
	sink Sink

	queue  chan [][]byte
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewWorker starts a worker for sess. Runs use a context derived from ctx;
// cancelling ctx aborts the run in progress and stops the worker.
// Non-positive depth uses DefaultQueueDepth.
func NewWorker(ctx context.Context, pipe *Pipeline, sess *session.Session, sink Sink, depth int) *Worker {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	ctx, cancel := context.WithCancel(observe.WithSession(ctx, sess.ID))
	w := &Worker{
		pipe:   pipe,
		sess:   sess,
		sink:   sink,
		queue:  make(chan [][]byte, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.loop(ctx)
	return w
}

// Submit queues an utterance without blocking. It returns [ErrQueueFull] if
// the queue is at capacity, in which case the utterance is dropped.
func (w *Worker) Submit(frames [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.queue <- frames:
		return nil
	default:
		w.pipe.metrics.RecordUtterance(context.Background(), observe.OutcomeDropped)
		return ErrQueueFull
	}
}

// Pending returns the number of utterances waiting to be processed.
func (w *Worker) Pending() int {
	return len(w.queue)
}

// Close cancels the run in progress, discards queued utterances and waits
// for the worker goroutine to exit. Close is idempotent.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.cancel()
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frames := <-w.queue:
			if ctx.Err() != nil {
				return
			}
			err := w.pipe.Run(ctx, w.sess, frames, w.sink)
			switch {
			case err == nil, errors.Is(err, ErrEmptyTranscript), errors.Is(err, ErrEmptyUtterance):
			case ctx.Err() != nil:
				return
			default:
				observe.Logger(ctx).Warn("pipeline run failed", "err", err)
			}
		}
	}
}
