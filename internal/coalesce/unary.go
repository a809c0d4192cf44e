// Package coalesce deduplicates identical in-flight requests. Unary handles
// single-shot completions (one compute per fingerprint, shared result);
// Streams handles SSE fanout with replay for late joiners.
package coalesce

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

// Outcome reports a caller's role in a coalesced flight.
type Outcome int

const (
	OutcomeLeader Outcome = iota
	OutcomeJoined
)

func (o Outcome) String() string {
	if o == OutcomeLeader {
		return "leader"
	}
	return "joined"
}

type flight struct {
	done    chan struct{}
	resp    *backends.ChatResponse
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Unary coalesces identical non-stream requests. Only one compute runs per
// fingerprint; every concurrent caller with the same fingerprint receives
// the leader's result or error.
type Unary struct {
	mu      sync.Mutex
	flights map[string]*flight
	logger  *slog.Logger
	observe func(outcome string)
}

// NewUnary creates a Unary coalescer. observe is called with "leader" or
// "joined" per call and may be nil.
func NewUnary(logger *slog.Logger, observe func(outcome string)) *Unary {
	if observe == nil {
		observe = func(string) {}
	}
	return &Unary{
		flights: make(map[string]*flight),
		logger:  logger,
		observe: observe,
	}
}

// ExecuteOrJoin runs compute for fp unless an identical flight is already in
// progress, in which case the caller waits for that flight's result.
//
// The compute runs detached from any single caller's context: a caller
// disconnecting only removes its own wait, and the compute is cancelled when
// the last waiter is gone. The returned response is shared between waiters
// and must be treated as read-only.
func (u *Unary) ExecuteOrJoin(
	ctx context.Context,
	fp string,
	compute func(ctx context.Context) (*backends.ChatResponse, error),
) (*backends.ChatResponse, Outcome, error) {
	u.mu.Lock()
	f, joined := u.flights[fp]
	if joined {
		f.waiters++
	} else {
		computeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			done:    make(chan struct{}),
			waiters: 1,
			cancel:  cancel,
		}
		u.flights[fp] = f
		go u.run(computeCtx, fp, f, compute)
	}
	u.mu.Unlock()

	outcome := OutcomeLeader
	if joined {
		outcome = OutcomeJoined
		u.logger.Debug("joined inflight request", slog.String("fingerprint", fp))
	}
	u.observe(outcome.String())

	select {
	case <-f.done:
		return f.resp, outcome, f.err
	case <-ctx.Done():
		u.detach(f)
		return nil, outcome, ctx.Err()
	}
}

func (u *Unary) run(ctx context.Context, fp string, f *flight, compute func(ctx context.Context) (*backends.ChatResponse, error)) {
	resp, err := compute(ctx)

	u.mu.Lock()
	f.resp = resp
	f.err = err
	// Remove before signalling so a new identical request starts a fresh
	// flight instead of observing a completed one.
	delete(u.flights, fp)
	u.mu.Unlock()

	close(f.done)
	f.cancel()
}

// detach removes one waiter and cancels the compute when none remain.
func (u *Unary) detach(f *flight) {
	u.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	u.mu.Unlock()

	if last {
		f.cancel()
	}
}
