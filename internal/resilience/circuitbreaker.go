// Package resilience provides circuit breakers and provider failover for the
// external speech and language services.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops calling a service after repeated failures. [FallbackGroup] tries a
// primary and its fallbacks in order, each behind its own breaker.
// [STTFallback], [LLMFallback] and [TTSFallback] apply a group to the provider
// interfaces so the pipeline can use them transparently.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. If they all
	// succeed the breaker closes; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the package
// defaults.
type CircuitBreakerConfig struct {
	// Name labels log messages and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials that closes a half-open
	// breaker, and the most trials admitted while half-open.
	HalfOpenMax int

	// Clock supplies the time. Nil means wall-clock time.
	Clock clock.Clock

	// OnStateChange runs after every transition with the breaker lock held.
	// It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // last transition to open
	admitted int       // trials let through since entering half-open
	passed   int       // trials that succeeded since entering half-open
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call and returns its error.
// A rejected call returns [ErrCircuitOpen] without running fn.
//
// An error wrapping [context.Canceled] is neither a failure nor a success:
// the caller gave up, the service did not fail.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.cfg.Clock.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state != StateHalfOpen {
		return false, nil
	}
	if cb.admitted >= cb.cfg.HalfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.admitted++
	return true, nil
}

func (cb *CircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case errors.Is(err, context.Canceled):
		if trial && cb.state == StateHalfOpen {
			cb.admitted--
		}
	case err != nil:
		cb.failures++
		if trial || cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case trial:
		if cb.state != StateHalfOpen {
			return
		}
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.transition(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// trip opens the breaker and restarts the reset timeout. Requires cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Clock.Now()
	if cb.state != StateOpen {
		cb.transition(StateOpen)
	}
}

// transition moves to state to and resets the per-state counters. Requires
// cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.admitted, cb.passed = 0, 0
	if to == StateClosed {
		cb.failures = 0
	}

	log := slog.With("name", cb.cfg.Name, "from", from.String())
	switch to {
	case StateOpen:
		log.Warn("circuit breaker opened", "consecutive_failures", cb.failures)
	default:
		log.Info("circuit breaker " + to.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}
