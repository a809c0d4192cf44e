package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// chargeScript increments all three counters, then rolls every increment
// back if any budget is exceeded so a rejected request consumes nothing.
// KEYS[1..3] = requests/min, tokens/min, tokens/day counters
// ARGV = req_inc, tok_inc, req_limit, tok_min_limit, tok_day_limit,
//
//	minute_ttl, day_ttl
//
// Returns: {allowed, requests, tokens_minute, tokens_day}.
var chargeScript = redis.NewScript(`
		local req     = redis.call('INCRBY', KEYS[1], ARGV[1])
		if req == tonumber(ARGV[1]) then redis.call('EXPIRE', KEYS[1], ARGV[6]) end
		local tok_min = redis.call('INCRBY', KEYS[2], ARGV[2])
		if tok_min == tonumber(ARGV[2]) then redis.call('EXPIRE', KEYS[2], ARGV[6]) end
		local tok_day = redis.call('INCRBY', KEYS[3], ARGV[2])
		if tok_day == tonumber(ARGV[2]) then redis.call('EXPIRE', KEYS[3], ARGV[7]) end

		if req > tonumber(ARGV[3]) or tok_min > tonumber(ARGV[4]) or tok_day > tonumber(ARGV[5]) then
			redis.call('DECRBY', KEYS[1], ARGV[1])
			redis.call('DECRBY', KEYS[2], ARGV[2])
			redis.call('DECRBY', KEYS[3], ARGV[2])
			return {0, req, tok_min, tok_day}
		end

		return {1, req, tok_min, tok_day}
`)

// RedisStore keeps counters in Redis so budgets hold across gateway replicas.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gateway"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) keys(key string, now int64) (req, tokMin, tokDay string) {
	req = fmt.Sprintf("%s:q:req:%s:%d", s.prefix, key, minuteStart(now))
	tokMin = fmt.Sprintf("%s:q:tok:%s:%d", s.prefix, key, minuteStart(now))
	tokDay = fmt.Sprintf("%s:q:tok_day:%s:%d", s.prefix, key, dayStart(now))
	return
}

func (s *RedisStore) Charge(ctx context.Context, key string, policy Policy, estTokens int64) (Snapshot, error) {
	now := nowUnix()
	reqKey, tokMinKey, tokDayKey := s.keys(key, now)

	values, err := chargeScript.Run(ctx, s.rdb,
		[]string{reqKey, tokMinKey, tokDayKey},
		1, estTokens,
		policy.RequestsPerMinute, policy.TokensPerMinute, policy.TokensPerDay,
		minuteWindow+ttlSlack, dayWindow+ttlSlack,
	).Int64Slice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota charge script: %w", err)
	}
	if len(values) != 4 {
		return Snapshot{}, fmt.Errorf("quota charge script: unexpected result length %d", len(values))
	}

	allowed := values[0] == 1
	requests, tokensMinute, tokensDay := values[1], values[2], values[3]
	snap := snapshotFromCounts(policy, requests, tokensMinute, now)
	if allowed {
		return snap, nil
	}

	// The script rolled the increments back; counters in the snapshot still
	// reflect the attempted charge so remaining values are honest.
	scope := ScopeTokensPerDay
	switch {
	case requests > policy.RequestsPerMinute:
		scope = ScopeRequestsPerMinute
	case tokensMinute > policy.TokensPerMinute:
		scope = ScopeTokensPerMinute
	case tokensDay > policy.TokensPerDay:
		scope = ScopeTokensPerDay
	}
	snap = snapshotFromCounts(policy, requests-1, tokensMinute-estTokens, now)
	return snap, &RateLimitedError{
		Scope:      scope,
		RetryAfter: retryAfter(scope, now),
		Snapshot:   snap,
	}
}

func (s *RedisStore) Reconcile(ctx context.Context, key string, estimated, actual int64) error {
	diff := actual - estimated
	if diff == 0 {
		return nil
	}

	now := nowUnix()
	_, tokMinKey, tokDayKey := s.keys(key, now)

	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, tokMinKey, diff)
	pipe.IncrBy(ctx, tokDayKey, diff)
	pipe.Expire(ctx, tokMinKey, (minuteWindow+ttlSlack)*time.Second)
	pipe.Expire(ctx, tokDayKey, (dayWindow+ttlSlack)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota reconcile: %w", err)
	}
	return nil
}
