// Package health serves the liveness and readiness endpoints.
//
// /healthz answers 200 as long as the process can serve HTTP. /readyz runs
// every registered [Checker] concurrently and answers:
//
//   - 200 "ok" when all checks pass,
//   - 200 "degraded" when only [Checker.Optional] checks fail,
//   - 503 "fail" when a required check fails,
//   - 503 "draining" once shutdown has begun, without running any check.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds one readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker is one named readiness check.
type Checker struct {
	// Name keys the result in the response body.
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional failures degrade the service without taking it out of
	// rotation.
	Optional bool
}

// Configured returns a required Checker that fails with msg while ok reports
// false.
func Configured(name, msg string, ok func() bool) Checker {
	return Checker{Name: name, Check: failUnless(msg, ok)}
}

// Available returns an optional Checker for a dependency that can recover by
// itself, such as a provider chain whose circuit breakers are all open.
func Available(name, msg string, ok func() bool) Checker {
	return Checker{Name: name, Check: failUnless(msg, ok), Optional: true}
}

func failUnless(msg string, ok func() bool) func(context.Context) error {
	return func(context.Context) error {
		if !ok() {
			return errors.New(msg)
		}
		return nil
	}
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Millis   int64  `json:"elapsed_ms"`
}

// Report is the /readyz and /healthz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a [Handler] running checkers on every readiness request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining toggles the draining state reported by /readyz.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Evaluate runs every checker concurrently and summarises the results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	if h.draining.Load() {
		return Report{Status: StatusDraining}
	}
	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(h.checkers))
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := h.run(ctx, c)
			mu.Lock()
			checks[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := StatusOK
	for _, res := range checks {
		if res.Status == StatusOK {
			continue
		}
		if !res.Optional {
			status = StatusFail
			break
		}
		status = StatusDegraded
	}
	return Report{Status: status, Checks: checks}
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, Optional: c.Optional, Millis: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = StatusFail, err.Error()
	}
	return res
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers with the [Handler.Evaluate] report.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail || rep.Status == StatusDraining {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
