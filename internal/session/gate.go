package session

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/clock"
)

// DefaultEchoTail is the grace period after estimated playback end during
// which the gate stays closed, covering speaker-to-microphone latency.
const DefaultEchoTail = 800 * time.Millisecond

// Gate suppresses microphone input while the assistant's own synthesised
// speech may be audible to the client. While the gate is held, inbound audio
// frames are dropped before buffering and classification.
//
// Release timers carry generation tokens: Hold, Release and Stop all
// invalidate any release scheduled earlier.
//
// All methods are safe for concurrent use.
type Gate struct {
	clock clock.Clock
	tail  time.Duration

	mu      sync.Mutex
	held    bool
	gen     uint64
	timer   clock.Timer
	stopped bool
}

// NewGate creates an open Gate that releases tail after estimated playback
// end. A nil clock means wall-clock time.
func NewGate(tail time.Duration, c clock.Clock) *Gate {
	if c == nil {
		c = clock.Real()
	}
	if tail < 0 {
		tail = 0
	}
	return &Gate{clock: c, tail: tail}
}

// Hold closes the gate and cancels any pending release.
func (g *Gate) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.cancelLocked()
	g.held = true
}

// ReleaseAt schedules the gate to open at playbackEnd plus the echo tail.
// The release is never immediate for a successful reply: a playbackEnd in the
// past still waits out the tail from now.
func (g *Gate) ReleaseAt(playbackEnd time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || !g.held {
		return
	}
	g.cancelLocked()

	d := playbackEnd.Sub(g.clock.Now())
	if d < 0 {
		d = 0
	}
	d += g.tail
	gen := g.gen
	g.timer = g.clock.AfterFunc(d, func() { g.expire(gen) })
}

// Release opens the gate immediately, cancelling any pending release. Used on
// failure paths.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelLocked()
	g.held = false
}

// Held reports whether inbound audio should currently be dropped.
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Stop cancels any pending release and makes later calls no-ops. The gate is
// left open.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelLocked()
	g.held = false
	g.stopped = true
}

func (g *Gate) expire(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || gen != g.gen {
		return
	}
	g.timer = nil
	g.held = false
}

func (g *Gate) cancelLocked() {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
