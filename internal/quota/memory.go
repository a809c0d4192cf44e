package quota

import (
	"context"
	"sync"
)

// keyUsage tracks one key's counters for the current minute and day windows.
type keyUsage struct {
	minuteStart  int64
	dayStart     int64
	requests     int64
	tokensMinute int64
	tokensDay    int64
}

// MemoryStore keeps counters in a mutex-guarded map. It is the default when
// no Redis is configured; budgets then apply per process rather than
// cluster-wide.
type MemoryStore struct {
	mu    sync.Mutex
	usage map[string]*keyUsage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]*keyUsage)}
}

func (s *MemoryStore) Charge(_ context.Context, key string, policy Policy, estTokens int64) (Snapshot, error) {
	now := nowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[key]
	if !ok {
		u = &keyUsage{minuteStart: minuteStart(now), dayStart: dayStart(now)}
		s.usage[key] = u
	}
	u.refresh(now)

	snap := snapshotFromCounts(policy, u.requests, u.tokensMinute, now)
	scope := ""
	switch {
	case u.requests+1 > policy.RequestsPerMinute:
		scope = ScopeRequestsPerMinute
	case u.tokensMinute+estTokens > policy.TokensPerMinute:
		scope = ScopeTokensPerMinute
	case u.tokensDay+estTokens > policy.TokensPerDay:
		scope = ScopeTokensPerDay
	}
	if scope != "" {
		return snap, &RateLimitedError{
			Scope:      scope,
			RetryAfter: retryAfter(scope, now),
			Snapshot:   snap,
		}
	}

	u.requests++
	u.tokensMinute += estTokens
	u.tokensDay += estTokens
	return snapshotFromCounts(policy, u.requests, u.tokensMinute, now), nil
}

func (s *MemoryStore) Reconcile(_ context.Context, key string, estimated, actual int64) error {
	now := nowUnix()
	diff := actual - estimated

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[key]
	if !ok {
		return nil
	}
	u.refresh(now)
	u.tokensMinute = max(u.tokensMinute+diff, 0)
	u.tokensDay = max(u.tokensDay+diff, 0)
	return nil
}

func (u *keyUsage) refresh(now int64) {
	if ms := minuteStart(now); u.minuteStart != ms {
		u.minuteStart = ms
		u.requests = 0
		u.tokensMinute = 0
	}
	if ds := dayStart(now); u.dayStart != ds {
		u.dayStart = ds
		u.tokensDay = 0
	}
}
