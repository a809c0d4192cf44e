// Package quota enforces per-key request and token budgets over minute and
// day windows. Counters live either in process memory or in Redis, where an
// atomic Lua script performs the increment-compare-rollback cycle.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

// Policy is the per-key budget configuration.
type Policy struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
	TokensPerDay      int64
}

// Snapshot reports counter state after a charge, used to populate
// x-ratelimit-* response headers.
type Snapshot struct {
	LimitRequests     int64
	RemainingRequests int64
	LimitTokens       int64
	RemainingTokens   int64
	// Reset is the unix second at which the minute window rolls over.
	Reset int64
}

// Scope names for exceeded budgets.
const (
	ScopeRequestsPerMinute = "requests_per_minute"
	ScopeTokensPerMinute   = "tokens_per_minute"
	ScopeTokensPerDay      = "tokens_per_day"
)

// RateLimitedError is returned when a charge exceeds any budget. RetryAfter
// is the number of seconds until the most constrained window resets.
type RateLimitedError struct {
	Scope      string
	RetryAfter int64
	Snapshot   Snapshot
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s quota exceeded", e.Scope)
}

// Store is the counter backend. Charge atomically consumes one request and
// estTokens from the key's windows, or fails without consuming anything.
// Reconcile settles the difference between the estimate and actual usage.
type Store interface {
	Charge(ctx context.Context, key string, policy Policy, estTokens int64) (Snapshot, error)
	Reconcile(ctx context.Context, key string, estimated, actual int64) error
}

// Estimate computes the token charge for a request before dispatch:
// roughly one token per four prompt characters, plus the completion budget.
// Reconcile corrects the estimate once real usage is known.
func Estimate(req *backends.ChatRequest) int64 {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content))
	}
	prompt := (chars + 3) / 4
	return prompt + int64(req.Generation.MaxTokens)
}

// Manager wraps a Store with the availability policy for store failures.
// When failOpen is set, store errors admit the request with an empty
// snapshot instead of rejecting it.
type Manager struct {
	store    Store
	failOpen bool
	logger   *slog.Logger
	observe  func(result string)
}

// NewManager creates a Manager. observe is called with "allowed",
// "rejected" or "error" per charge decision and may be nil.
func NewManager(store Store, failOpen bool, logger *slog.Logger, observe func(result string)) *Manager {
	if observe == nil {
		observe = func(string) {}
	}
	return &Manager{store: store, failOpen: failOpen, logger: logger, observe: observe}
}

// Charge consumes budget for one request. A *RateLimitedError is returned
// when any budget is exceeded; other errors occur only when failOpen is off
// and the store is unreachable.
func (m *Manager) Charge(ctx context.Context, key string, policy Policy, estTokens int64) (Snapshot, error) {
	snap, err := m.store.Charge(ctx, key, policy, estTokens)
	if err == nil {
		m.observe("allowed")
		return snap, nil
	}
	if _, ok := err.(*RateLimitedError); ok {
		m.observe("rejected")
		return snap, err
	}

	m.observe("error")
	if m.failOpen {
		m.logger.Warn("quota store unavailable, admitting request",
			slog.String("error", err.Error()))
		return emptySnapshot(policy), nil
	}
	return Snapshot{}, err
}

// Reconcile settles token counters after the backend reported actual usage.
// Errors are logged and swallowed; the request already completed.
func (m *Manager) Reconcile(ctx context.Context, key string, estimated, actual int64) {
	if estimated == actual {
		return
	}
	if err := m.store.Reconcile(ctx, key, estimated, actual); err != nil {
		m.logger.Warn("quota reconcile failed",
			slog.String("error", err.Error()))
	}
}

func emptySnapshot(policy Policy) Snapshot {
	return Snapshot{
		LimitRequests:     policy.RequestsPerMinute,
		RemainingRequests: policy.RequestsPerMinute,
		LimitTokens:       policy.TokensPerMinute,
		RemainingTokens:   policy.TokensPerMinute,
		Reset:             minuteStart(nowUnix()) + minuteWindow,
	}
}

const (
	minuteWindow = 60
	dayWindow    = 86_400
	// Counter keys outlive their window by this slack before expiring.
	ttlSlack = 10
)

// nowUnix is swapped out in tests to drive window rollover.
var nowUnix = func() int64 { return time.Now().Unix() }

func minuteStart(now int64) int64 { return (now / minuteWindow) * minuteWindow }
func dayStart(now int64) int64    { return (now / dayWindow) * dayWindow }

func snapshotFromCounts(policy Policy, requests, tokensMinute int64, now int64) Snapshot {
	return Snapshot{
		LimitRequests:     policy.RequestsPerMinute,
		RemainingRequests: max(policy.RequestsPerMinute-requests, 0),
		LimitTokens:       policy.TokensPerMinute,
		RemainingTokens:   max(policy.TokensPerMinute-tokensMinute, 0),
		Reset:             minuteStart(now) + minuteWindow,
	}
}

// retryAfter picks the wait for the most constrained exceeded window.
func retryAfter(scope string, now int64) int64 {
	switch scope {
	case ScopeTokensPerDay:
		return max(dayStart(now)+dayWindow-now, 1)
	default:
		return max(minuteStart(now)+minuteWindow-now, 1)
	}
}
