package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chatbridge/chat-server-go/kv/memory"
	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/telemetry/telemetrytest"
)

func newLimiter(t *testing.T, cfg Config) (*Limiter, *memory.Store, *telemetrytest.Recorder) {
	t.Helper()
	store := memory.New()
	rec := telemetrytest.NewRecorder()
	return New(store, cfg, WithSink(rec)), store, rec
}

func TestConnectionLimitPerIP(t *testing.T) {
	l, _, _ := newLimiter(t, Config{MaxConnectionsPerIP: 2, MaxConnectionsPerUser: 10})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		user := fmt.Sprintf("u-%d", i)
		if err := l.AllowConnection(ctx, fmt.Sprintf("c-%d", i), user, "10.0.0.1"); err != nil {
			t.Fatalf("connection %d should be admitted: %v", i, err)
		}
	}

	err := l.AllowConnection(ctx, "c-2", "u-2", "10.0.0.1")
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("third connection from same ip: want ErrConnectionLimit, got %v", err)
	}

	// The rejected attempt must roll its increments back.
	counters, err := l.Counters(ctx, ScopeIP, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if counters["conn"] != 2 {
		t.Fatalf("conn counter after rollback: want 2, got %d", counters["conn"])
	}
}

func TestConnectionLimitPerUser(t *testing.T) {
	l, _, _ := newLimiter(t, Config{MaxConnectionsPerUser: 2, MaxConnectionsPerIP: 100})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.AllowConnection(ctx, fmt.Sprintf("c-%d", i), "u-1", fmt.Sprintf("10.0.0.%d", i)); err != nil {
			t.Fatalf("connection %d should be admitted: %v", i, err)
		}
	}
	if err := l.AllowConnection(ctx, "c-2", "u-1", "10.0.0.9"); !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("third connection for user: want ErrConnectionLimit, got %v", err)
	}
}

func TestConnectDisconnectLeavesCountersUnchanged(t *testing.T) {
	l, _, _ := newLimiter(t, Config{})
	ctx := context.Background()

	for cycle := 0; cycle < 2; cycle++ {
		if err := l.AllowConnection(ctx, "c-1", "u-1", "10.0.0.1"); err != nil {
			t.Fatalf("cycle %d admit: %v", cycle, err)
		}
		l.ReleaseConnection(ctx, "c-1", "u-1", "10.0.0.1")
	}

	counters, err := l.Counters(ctx, ScopeIP, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if counters["conn"] != 0 {
		t.Fatalf("conn counter after two cycles: want 0, got %d", counters["conn"])
	}
}

func TestConnectionAdmissionFailsClosed(t *testing.T) {
	l, store, rec := newLimiter(t, Config{})
	ctx := context.Background()
	store.SetFailing(true)

	err := l.AllowConnection(ctx, "c-1", "u-1", "10.0.0.1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if rec.Counter(telemetry.CounterRateLimitKVFailures) != 1 {
		t.Fatalf("kv failure counter: want 1, got %v", rec.Counter(telemetry.CounterRateLimitKVFailures))
	}
}

func TestMessageLimitBoundary(t *testing.T) {
	l, _, _ := newLimiter(t, Config{MessagesPerSecond: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false); err != nil {
			t.Fatalf("message %d should be admitted: %v", i, err)
		}
	}
	if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("sixth message within the window: want ErrRateLimited, got %v", err)
	}
}

func TestMessageAdmissionFailsOpen(t *testing.T) {
	l, store, rec := newLimiter(t, Config{MessagesPerSecond: 1})
	ctx := context.Background()

	store.SetFailing(true)
	if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false); err != nil {
		t.Fatalf("message during outage should be admitted: %v", err)
	}
	if rec.Counter(telemetry.CounterRateLimitKVFailures) != 1 {
		t.Fatalf("kv failure counter: want 1, got %v", rec.Counter(telemetry.CounterRateLimitKVFailures))
	}

	// The outage message must not have incremented any counter.
	store.SetFailing(false)
	counters, err := l.Counters(ctx, ScopeUser, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if counters["sec"] != 0 {
		t.Fatalf("sec counter after outage: want 0, got %d", counters["sec"])
	}
}

func TestSystemBypass(t *testing.T) {
	l, _, rec := newLimiter(t, Config{MessagesPerSecond: 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.AllowMessage(ctx, "admin-1", "10.0.0.1", true, true); err != nil {
			t.Fatalf("admin system message %d should bypass: %v", i, err)
		}
	}
	if rec.Counter(telemetry.CounterRateLimitBypass) != 10 {
		t.Fatalf("bypass audit counter: want 10, got %v", rec.Counter(telemetry.CounterRateLimitBypass))
	}

	// The bypass counts nothing.
	counters, err := l.Counters(ctx, ScopeUser, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if counters["sec"] != 0 {
		t.Fatalf("sec counter after bypass: want 0, got %d", counters["sec"])
	}

	// System traffic from a non-admin is counted normally.
	if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, true); err != nil {
		t.Fatalf("first non-admin system message: %v", err)
	}
	if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, true); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second non-admin system message: want ErrRateLimited, got %v", err)
	}
}

func TestFallbackToIPScope(t *testing.T) {
	l, _, _ := newLimiter(t, Config{MessagesPerSecond: 1})
	ctx := context.Background()

	if err := l.AllowMessage(ctx, "", "10.0.0.1", false, false); err != nil {
		t.Fatal(err)
	}
	counters, err := l.Counters(ctx, ScopeIP, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if counters["sec"] != 1 {
		t.Fatalf("ip sec counter: want 1, got %d", counters["sec"])
	}
}

func TestReset(t *testing.T) {
	l, _, _ := newLimiter(t, Config{MessagesPerSecond: 1})
	ctx := context.Background()

	if err := l.AllowConnection(ctx, "c-1", "u-1", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	_ = l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false)
	if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false); !errors.Is(err, ErrRateLimited) {
		t.Fatal("second message should be denied before reset")
	}

	if err := l.Reset(ctx, ScopeUser, "u-1"); err != nil {
		t.Fatal(err)
	}

	// Reset clears the message windows and the TTL-free connection counter.
	counters, err := l.Counters(ctx, ScopeUser, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	for name, n := range counters {
		if n != 0 {
			t.Fatalf("counter %s after reset: want 0, got %d", name, n)
		}
	}
	if err := l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false); err != nil {
		t.Fatalf("message after reset should be admitted: %v", err)
	}
}

func TestResetAll(t *testing.T) {
	l, store, _ := newLimiter(t, Config{MessagesPerSecond: 1})
	ctx := context.Background()

	_ = l.AllowMessage(ctx, "u-1", "10.0.0.1", false, false)
	_ = l.AllowMessage(ctx, "u-2", "10.0.0.2", false, false)
	if err := l.ResetAll(ctx); err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(ctx, "rl:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys after ResetAll: want none, got %v", keys)
	}
}
