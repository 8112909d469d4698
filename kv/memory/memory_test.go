package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatbridge/chat-server-go/kv"
)

func TestIncrDecr(t *testing.T) {
	s := New()
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("Incr: want 1, got %d (%v)", n, err)
	}
	n, err = s.Incr(ctx, "counter")
	if err != nil || n != 2 {
		t.Fatalf("Incr: want 2, got %d (%v)", n, err)
	}
	n, err = s.Decr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("Decr: want 1, got %d (%v)", n, err)
	}
}

func TestTTLSentinels(t *testing.T) {
	s := New()
	ctx := context.Background()

	ttl, err := s.TTL(ctx, "missing")
	if err != nil || ttl != kv.TTLKeyAbsent {
		t.Fatalf("TTL(missing): want %d, got %d (%v)", kv.TTLKeyAbsent, ttl, err)
	}

	if err := s.Set(ctx, "forever", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	ttl, err = s.TTL(ctx, "forever")
	if err != nil || ttl != kv.TTLNoExpiry {
		t.Fatalf("TTL(forever): want %d, got %d (%v)", kv.TTLNoExpiry, ttl, err)
	}

	if err := s.Set(ctx, "brief", []byte("v"), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	ttl, err = s.TTL(ctx, "brief")
	if err != nil || ttl <= 0 || ttl > 30 {
		t.Fatalf("TTL(brief): want (0,30], got %d (%v)", ttl, err)
	}
}

func TestExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if err := s.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("key should exist before expiry")
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after expiry")
	}
}

func TestExpireOnAbsentKey(t *testing.T) {
	s := New()
	ok, err := s.Expire(context.Background(), "missing", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Expire on absent key should return false")
	}
}

func TestTypeMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.HSet(ctx, "h", "f", "v"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Incr(ctx, "h"); !errors.Is(err, kv.ErrTypeMismatch) {
		t.Fatalf("Incr on hash: want ErrTypeMismatch, got %v", err)
	}
	if _, _, err := s.Get(ctx, "h"); !errors.Is(err, kv.ErrTypeMismatch) {
		t.Fatalf("Get on hash: want ErrTypeMismatch, got %v", err)
	}
}

func TestListRangeAndTrim(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		if err := s.RPush(ctx, "l", []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LRange(ctx, "l", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 || string(got[0]) != "a" || string(got[4]) != "e" {
		t.Fatalf("LRange full: got %q", got)
	}

	got, err = s.LRange(ctx, "l", -2, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0]) != "d" || string(got[1]) != "e" {
		t.Fatalf("LRange tail: got %q", got)
	}

	if err := s.LTrim(ctx, "l", -3, -1); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LRange(ctx, "l", 0, -1)
	if len(got) != 3 || string(got[0]) != "c" {
		t.Fatalf("after LTrim: got %q", got)
	}
}

func TestPipelineOrderAndResults(t *testing.T) {
	s := New()
	ctx := context.Background()

	pipe := s.Pipeline()
	first := pipe.Incr("p")
	second := pipe.Incr("p")
	expired := pipe.Expire("p", time.Minute)
	if err := pipe.Exec(ctx); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if first.Val() != 1 || second.Val() != 2 {
		t.Fatalf("pipeline order violated: %d then %d", first.Val(), second.Val())
	}
	if !expired.Val() {
		t.Fatal("Expire in pipeline should find the key created earlier in the batch")
	}
}

func TestFailingMode(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SetFailing(true)

	if _, err := s.Incr(ctx, "k"); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("Incr: want ErrUnavailable, got %v", err)
	}
	pipe := s.Pipeline()
	pipe.Incr("k")
	if err := pipe.Exec(ctx); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("Exec: want ErrUnavailable, got %v", err)
	}

	s.SetFailing(false)
	if n, err := s.Incr(ctx, "k"); err != nil || n != 1 {
		t.Fatalf("recovery Incr: want 1, got %d (%v)", n, err)
	}
}

func TestKeysPattern(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, k := range []string{"rl:user:u1:sec", "rl:user:u1:min", "hist:k1"} {
		if _, err := s.Incr(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.Keys(ctx, "rl:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys(rl:*): want 2, got %v", keys)
	}
}
