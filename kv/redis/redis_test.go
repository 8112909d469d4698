package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chatbridge/chat-server-go/kv"
)

// newTestStore skips when no local Redis is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // separate DB for adapter tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewFromClient(client)
}

func TestCountersAndTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "adapter:counter")
	if err != nil || n != 1 {
		t.Fatalf("Incr: want 1, got %d (%v)", n, err)
	}
	if n, err = s.Incr(ctx, "adapter:counter"); err != nil || n != 2 {
		t.Fatalf("Incr: want 2, got %d (%v)", n, err)
	}
	if n, err = s.Decr(ctx, "adapter:counter"); err != nil || n != 1 {
		t.Fatalf("Decr: want 1, got %d (%v)", n, err)
	}

	ttl, err := s.TTL(ctx, "adapter:counter")
	if err != nil || ttl != kv.TTLNoExpiry {
		t.Fatalf("TTL without expiry: want %d, got %d (%v)", kv.TTLNoExpiry, ttl, err)
	}
	if ok, err := s.Expire(ctx, "adapter:counter", time.Minute); err != nil || !ok {
		t.Fatalf("Expire: %v %v", ok, err)
	}
	if ttl, err = s.TTL(ctx, "adapter:counter"); err != nil || ttl <= 0 || ttl > 60 {
		t.Fatalf("TTL after expire: want (0,60], got %d (%v)", ttl, err)
	}
	if ttl, err = s.TTL(ctx, "adapter:absent"); err != nil || ttl != kv.TTLKeyAbsent {
		t.Fatalf("TTL of absent key: want %d, got %d (%v)", kv.TTLKeyAbsent, ttl, err)
	}
}

func TestTypeMismatchNormalization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.HSet(ctx, "adapter:hash", "f", "v"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Incr(ctx, "adapter:hash"); !errors.Is(err, kv.ErrTypeMismatch) {
		t.Fatalf("want ErrTypeMismatch, got %v", err)
	}
}

func TestListsAndPipeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pipe := s.Pipeline()
	first := pipe.RPush("adapter:list", []byte("a"), []byte("b"), []byte("c"))
	pipe.LTrim("adapter:list", -2, -1)
	if err := pipe.Exec(ctx); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if first.Err() != nil || first.Val() != 3 {
		t.Fatalf("RPush result: %d (%v)", first.Val(), first.Err())
	}

	got, err := s.LRange(ctx, "adapter:list", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0]) != "b" || string(got[1]) != "c" {
		t.Fatalf("after trim: %q", got)
	}
}

func TestHashRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.HSet(ctx, "adapter:conns", "c-1", "u-1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.HGet(ctx, "adapter:conns", "c-1")
	if err != nil || !ok || v != "u-1" {
		t.Fatalf("HGet: %q %v %v", v, ok, err)
	}
	n, err := s.HLen(ctx, "adapter:conns")
	if err != nil || n != 1 {
		t.Fatalf("HLen: %d (%v)", n, err)
	}
	if err := s.HDel(ctx, "adapter:conns", "c-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.HGet(ctx, "adapter:conns", "c-1"); ok {
		t.Fatal("field should be gone")
	}
}
