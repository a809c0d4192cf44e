// Package router selects a backend for each request using round-robin over
// a fixed pool, with a per-backend circuit breaker and periodic health
// probing. Transient failures are retried against a fresh selection.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

const (
	// DefaultFailureThreshold opens a breaker on this many consecutive failures.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long an open breaker rejects before probing.
	DefaultCooldown = 30 * time.Second

	// DefaultRetries is how many times a transient failure is retried
	// against a re-selected backend.
	DefaultRetries = 2

	// DefaultProbeInterval is the health probe period.
	DefaultProbeInterval = 10 * time.Second

	probeTimeout = 5 * time.Second
)

// ErrNoHealthyBackend is returned when every backend's breaker rejects.
var ErrNoHealthyBackend = errors.New("router: no healthy backend available")

// Config tunes breaker and retry behaviour. Zero values select the defaults.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	Retries          int
	ProbeInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Retries < 0 {
		c.Retries = DefaultRetries
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	return c
}

type handle struct {
	backend backends.Backend
	br      *breaker
}

// Router is safe for concurrent use.
type Router struct {
	handles []*handle
	cursor  atomic.Uint64
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry
}

// New creates a Router over pool. The pool order is fixed; selection rotates
// through it. metrics may be nil.
func New(pool []backends.Backend, cfg Config, logger *slog.Logger, m *metrics.Registry) *Router {
	cfg = cfg.withDefaults()
	handles := make([]*handle, 0, len(pool))
	for _, b := range pool {
		handles = append(handles, &handle{
			backend: b,
			br:      newBreaker(cfg.FailureThreshold, cfg.Cooldown),
		})
	}
	return &Router{handles: handles, cfg: cfg, logger: logger, metrics: m}
}

// Backends returns the names of all pooled backends.
func (r *Router) Backends() []string {
	names := make([]string, len(r.handles))
	for i, h := range r.handles {
		names[i] = h.backend.Name()
	}
	return names
}

// pick returns the next admissible backend, scanning at most one full
// rotation from the cursor.
func (r *Router) pick() (*handle, error) {
	n := uint64(len(r.handles))
	if n == 0 {
		return nil, ErrNoHealthyBackend
	}
	start := r.cursor.Add(1)
	for i := uint64(0); i < n; i++ {
		h := r.handles[(start+i)%n]
		if h.br.allow() {
			return h, nil
		}
		if r.metrics != nil {
			r.metrics.RecordCircuitBreakerRejection(h.backend.Name(), h.br.currentState().Label())
		}
	}
	return nil, ErrNoHealthyBackend
}

// Execute runs a non-stream completion, retrying transient failures up to
// cfg.Retries times with re-selection. The serving backend's name is
// returned alongside the response.
func (r *Router) Execute(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		h, err := r.pick()
		if err != nil {
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", err
		}
		name := h.backend.Name()

		start := time.Now()
		resp, err := h.backend.ExecuteChat(ctx, req)
		if err == nil {
			r.recordOutcome(h, true)
			r.observeAttempt(name, "ok", time.Since(start))
			return resp, name, nil
		}

		r.recordOutcome(h, false)
		r.observeAttempt(name, "error", time.Since(start))
		r.logger.Warn("backend attempt failed",
			slog.String("backend", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		lastErr = err

		if !backends.IsTransient(err) {
			return nil, name, err
		}
	}
	return nil, "", lastErr
}

// Stream starts a streamed completion. Only the initial call is retried;
// once chunks flow, mid-stream failures surface as a terminal error chunk
// and are recorded against the serving backend's breaker.
func (r *Router) Stream(ctx context.Context, req *backends.ChatRequest) (<-chan backends.Chunk, string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		h, err := r.pick()
		if err != nil {
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", err
		}
		name := h.backend.Name()

		start := time.Now()
		upstream, err := h.backend.StreamChat(ctx, req)
		if err != nil {
			r.recordOutcome(h, false)
			r.observeAttempt(name, "error", time.Since(start))
			lastErr = err
			if !backends.IsTransient(err) {
				return nil, name, err
			}
			continue
		}

		out := make(chan backends.Chunk)
		go r.relay(ctx, h, upstream, out, start)
		return out, name, nil
	}
	return nil, "", lastErr
}

// relay forwards chunks and settles the breaker on the terminal chunk.
// A cancelled consumer ends the relay without counting against the backend.
func (r *Router) relay(ctx context.Context, h *handle, upstream <-chan backends.Chunk, out chan<- backends.Chunk, start time.Time) {
	defer close(out)

	name := h.backend.Name()
	for chunk := range upstream {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Err != nil {
			r.recordOutcome(h, false)
			r.observeAttempt(name, "stream_error", time.Since(start))
			return
		}
		if chunk.Done {
			r.recordOutcome(h, true)
			r.observeAttempt(name, "ok", time.Since(start))
			return
		}
	}
	// Upstream closed without a terminal chunk; count it as a failure.
	r.recordOutcome(h, false)
	r.observeAttempt(name, "truncated", time.Since(start))
}

func (r *Router) recordOutcome(h *handle, ok bool) {
	if ok {
		h.br.recordSuccess()
	} else {
		h.br.recordFailure()
	}
	if r.metrics != nil {
		r.metrics.SetCircuitBreaker(h.backend.Name(), int64(h.br.currentState()))
	}
}

func (r *Router) observeAttempt(name, outcome string, dur time.Duration) {
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(name, outcome, dur)
	}
}
