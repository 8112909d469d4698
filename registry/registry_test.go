package registry

import (
	"context"
	"testing"
	"time"

	"github.com/chatbridge/chat-server-go/wire"
)

func TestTransitionTable(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateInitial, StateConnecting},
		{StateConnecting, StateAuthenticating},
		{StateAuthenticating, StateAuthenticated},
		{StateAuthenticated, StateReady},
		{StateReady, StateStreaming},
		{StateStreaming, StateReady},
		{StateReady, StateUnresponsive},
		{StateStreaming, StateUnresponsive},
		{StateUnresponsive, StateClosing},
		{StateAuthenticating, StateClosing},
		{StateStreaming, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, tc := range valid {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be permitted", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to State }{
		{StateInitial, StateReady},
		{StateReady, StateAuthenticated},
		{StateClosed, StateClosing},
		{StateClosing, StateReady},
		{StateUnresponsive, StateReady},
	}
	for _, tc := range invalid {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestRegisterTransitionUnregister(t *testing.T) {
	released := make(chan string, 1)
	r := New(WithReleaseFunc(func(ctx context.Context, connID, userID, ip string) {
		released <- connID
	}))

	conn, err := r.Register("c-1", "u-1", false, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateConnecting {
		t.Fatalf("fresh connection state: want connecting, got %s", conn.State())
	}
	if _, err := r.Register("c-1", "u-1", false, "10.0.0.1"); err == nil {
		t.Fatal("duplicate id should be rejected")
	}

	for _, s := range []State{StateAuthenticating, StateAuthenticated, StateReady} {
		if err := r.Transition("c-1", s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
	if err := r.Transition("c-1", StateAuthenticated); err == nil {
		t.Fatal("ready -> authenticated should be rejected")
	}

	if got := r.CountByUser("u-1"); got != 1 {
		t.Fatalf("CountByUser: want 1, got %d", got)
	}
	if got := r.CountByIP("10.0.0.1"); got != 1 {
		t.Fatalf("CountByIP: want 1, got %d", got)
	}

	r.Unregister(context.Background(), "c-1")
	select {
	case id := <-released:
		if id != "c-1" {
			t.Fatalf("released wrong connection: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("release hook not invoked")
	}
	if got := r.CountByUser("u-1"); got != 0 {
		t.Fatalf("CountByUser after unregister: want 0, got %d", got)
	}
}

func TestSetTypingReturnsPrevious(t *testing.T) {
	r := New()
	if _, err := r.Register("c-1", "u-1", false, "10.0.0.1"); err != nil {
		t.Fatal(err)
	}

	prev, err := r.SetTyping("c-1", true)
	if err != nil || prev {
		t.Fatalf("first SetTyping: prev=%v err=%v", prev, err)
	}
	prev, err = r.SetTyping("c-1", false)
	if err != nil || !prev {
		t.Fatalf("second SetTyping: prev=%v err=%v", prev, err)
	}
}

func readyConn(t *testing.T, r *Registry, id, user, ip, conversation string) *Conn {
	t.Helper()
	conn, err := r.Register(id, user, false, ip)
	if err != nil {
		t.Fatal(err)
	}
	conn.JoinConversation(conversation)
	for _, s := range []State{StateAuthenticating, StateAuthenticated, StateReady} {
		if err := r.Transition(id, s); err != nil {
			t.Fatal(err)
		}
	}
	return conn
}

func TestBroadcastScopeAndExclusion(t *testing.T) {
	r := New()
	a := readyConn(t, r, "c-a", "u-1", "10.0.0.1", "k-1")
	b := readyConn(t, r, "c-b", "u-2", "10.0.0.2", "k-1")
	c := readyConn(t, r, "c-c", "u-3", "10.0.0.3", "k-2")

	env := &wire.Presence{Type: wire.TypePresence, UserID: "u-1", State: wire.PresenceOnline}
	r.Broadcast("k-1", env, "c-a")

	select {
	case got := <-b.Out():
		if got.EnvelopeType() != wire.TypePresence {
			t.Fatalf("recipient got %s", got.EnvelopeType())
		}
	default:
		t.Fatal("conversation member should receive the broadcast")
	}
	select {
	case <-a.Out():
		t.Fatal("sender should be excluded")
	default:
	}
	select {
	case <-c.Out():
		t.Fatal("other conversation should not receive the broadcast")
	default:
	}
}

func TestBroadcastSaturationMarksUnresponsive(t *testing.T) {
	r := New(WithQueueSize(1), WithMessageTimeout(10*time.Millisecond))
	_ = readyConn(t, r, "c-a", "u-1", "10.0.0.1", "k-1")
	b := readyConn(t, r, "c-b", "u-2", "10.0.0.2", "k-1")

	env := &wire.Presence{Type: wire.TypePresence, UserID: "u-1", State: wire.PresenceOnline}
	r.Broadcast("k-1", env, "c-a") // fills b's queue
	r.Broadcast("k-1", env, "c-a") // overflows, starts the saturation clock
	time.Sleep(20 * time.Millisecond)
	r.Broadcast("k-1", env, "c-a") // past the timeout: escalates

	if b.State() != StateUnresponsive {
		t.Fatalf("saturated connection state: want unresponsive, got %s", b.State())
	}
	select {
	case <-b.CloseRequested():
		if b.CloseKind() != wire.KindServerError {
			t.Fatalf("close kind: want server_error, got %s", b.CloseKind())
		}
	default:
		t.Fatal("saturated connection should be scheduled for disconnect")
	}
}

func TestSendTimeout(t *testing.T) {
	r := New(WithQueueSize(1))
	conn := readyConn(t, r, "c-1", "u-1", "10.0.0.1", "k-1")

	env := &wire.Ping{Type: wire.TypePing, Nonce: "n"}
	if err := conn.Send(context.Background(), env, 50*time.Millisecond); err != nil {
		t.Fatalf("first send should fit: %v", err)
	}
	err := conn.Send(context.Background(), env, 50*time.Millisecond)
	if err != ErrSendTimeout {
		t.Fatalf("second send: want ErrSendTimeout, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	readyConn(t, r, "c-1", "u-1", "10.0.0.1", "k-1")
	readyConn(t, r, "c-2", "u-2", "10.0.0.2", "k-1")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size: want 2, got %d", len(snap))
	}
	for _, m := range snap {
		if m.State != StateReady || m.ConversationID != "k-1" {
			t.Errorf("unexpected metadata: %+v", m)
		}
	}
}

func TestCloseAll(t *testing.T) {
	r := New()
	a := readyConn(t, r, "c-1", "u-1", "10.0.0.1", "k-1")
	b := readyConn(t, r, "c-2", "u-2", "10.0.0.2", "k-1")

	r.CloseAll(wire.KindNormalShutdown)
	for _, c := range []*Conn{a, b} {
		select {
		case <-c.CloseRequested():
			if c.CloseKind() != wire.KindNormalShutdown {
				t.Fatalf("close kind: want normal_shutdown, got %s", c.CloseKind())
			}
		default:
			t.Fatalf("connection %s not scheduled for close", c.ID)
		}
	}
}
