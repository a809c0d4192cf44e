package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedisCache starts a miniredis server and returns a RedisCache backed
// by it.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCache(client, "test"), mr
}

func TestRedisGetMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisSetAndGetHit(t *testing.T) {
	c, _ := newTestRedisCache(t)

	key := "fp-abc"
	want := []byte(`{"content":"hello","finish_reason":"stop"}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestRedisKeyNamespace verifies entries land under the configured prefix so
// cache and quota keys never collide.
func TestRedisKeyNamespace(t *testing.T) {
	c, mr := newTestRedisCache(t)

	if err := c.Set(context.Background(), "fp-abc", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("test:c:fp-abc") {
		t.Fatalf("expected key test:c:fp-abc, have %v", mr.Keys())
	}
}

// TestRedisTTL advances miniredis time past the TTL and confirms expiry.
func TestRedisTTL(t *testing.T) {
	c, mr := newTestRedisCache(t)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedisDelete(t *testing.T) {
	c, _ := newTestRedisCache(t)

	key := "delete-key"
	if err := c.Set(context.Background(), key, []byte("to-be-deleted"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}
}

// TestRedisGracefulDegradation verifies that Get misses and Set succeeds when
// Redis is unreachable so the request path is never aborted by the cache.
func TestRedisGracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisCache(client, "test")

	mr.Close()

	if _, ok := c.Get(context.Background(), "any-key"); ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if err := c.Set(context.Background(), "any-key", []byte("value"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

func TestLocalSetGetDelete(t *testing.T) {
	c := NewLocalCache(8)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v; want v, true", got, ok)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestLocalExpiry(t *testing.T) {
	c := NewLocalCache(8)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expired entry must not be served")
	}
}

// TestLocalCapacityEviction fills the cache past capacity and checks the
// oldest entries were evicted.
func TestLocalCapacityEviction(t *testing.T) {
	const capacity = 4
	c := NewLocalCache(capacity)
	ctx := context.Background()

	for i := 0; i < capacity*2; i++ {
		key := fmt.Sprintf("k-%d", i)
		if err := c.Set(ctx, key, []byte(key), time.Hour); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	if c.Len() != capacity {
		t.Fatalf("Len = %d, want %d", c.Len(), capacity)
	}
	if _, ok := c.Get(ctx, "k-0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get(ctx, fmt.Sprintf("k-%d", capacity*2-1)); !ok {
		t.Fatal("newest entry should still be present")
	}
}

func TestCacheImplementsInterface(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*LocalCache)(nil)
}
