package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chatbridge/chat-server-go/kv/memory"
	"github.com/chatbridge/chat-server-go/wire"
)

func msg(id, content string) *wire.ChatMessage {
	return wire.NewChatMessage(id, wire.RoleUser, content, "k-1", time.Now())
}

func TestAppendRangeOrder(t *testing.T) {
	ring := New(memory.New())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if err := ring.Append(ctx, "k-1", msg(fmt.Sprintf("m-%d", i), "hello")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ring.Range(ctx, "k-1", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("want 4 messages, got %d", len(got))
	}
	for i, m := range got {
		want := fmt.Sprintf("m-%d", i+1)
		if m.ID != want {
			t.Errorf("position %d: want %s, got %s", i, want, m.ID)
		}
	}
}

func TestBoundedEviction(t *testing.T) {
	ring := New(memory.New(), WithMaxLength(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := ring.Append(ctx, "k-1", msg(fmt.Sprintf("m-%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ring.Range(ctx, "k-1", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m-3", "m-4", "m-5"}
	if len(got) != len(want) {
		t.Fatalf("want %d messages, got %d", len(want), len(got))
	}
	for i, m := range got {
		if m.ID != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], m.ID)
		}
	}
}

func TestNegativeIndices(t *testing.T) {
	ring := New(memory.New())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := ring.Append(ctx, "k-1", msg(fmt.Sprintf("m-%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ring.Range(ctx, "k-1", -2, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "m-4" || got[1].ID != "m-5" {
		t.Fatalf("Range(-2,-1): got %v", ids(got))
	}
}

func TestGetByID(t *testing.T) {
	ring := New(memory.New())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := ring.Append(ctx, "k-1", msg(fmt.Sprintf("m-%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	m, ok, err := ring.Get(ctx, "k-1", "m-2")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || m.ID != "m-2" {
		t.Fatalf("Get(m-2): ok=%v m=%v", ok, m)
	}

	_, ok, err = ring.Get(ctx, "k-1", "m-99")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Get(m-99) should miss")
	}
}

func TestEmptyConversation(t *testing.T) {
	ring := New(memory.New())
	got, err := ring.Range(context.Background(), "nope", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("empty conversation should return no messages, got %d", len(got))
	}
}

func ids(msgs []*wire.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
