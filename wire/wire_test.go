package wire

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	envelopes := []Envelope{
		NewChatMessage("m-1", RoleUser, "hi", "k-1", ts),
		&ChatChunk{Type: TypeChatChunk, ID: "m-1", Sequence: 3, Delta: "wo", Final: false},
		&ChatChunk{Type: TypeChatChunk, ID: "m-1", Sequence: 4, Final: true, Metadata: Metadata{"cancelled": true}},
		&Welcome{Type: TypeWelcome, ServerTime: ts, ConnectionID: "c-1", Limits: LimitsSnapshot{MessagesPerSecond: 5}},
		&History{Type: TypeHistory, Messages: []*ChatMessage{NewChatMessage("m-2", RoleAssistant, "yo", "k-1", ts)}},
		&Presence{Type: TypePresence, UserID: "u-1", State: PresenceTyping},
		&Typing{Type: TypeTyping, IsTyping: true},
		&Cancel{Type: TypeCancel, ID: "m-7"},
		&Ping{Type: TypePing, Nonce: "n-1"},
		&Pong{Type: TypePong, Nonce: "n-1"},
		NewError(KindRateLimitExceeded, "slow down"),
		&System{Type: TypeSystem, ID: "s-1", Content: "maintenance"},
	}

	for _, env := range envelopes {
		data, err := Encode(env)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", env.EnvelopeType(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", env.EnvelopeType(), err)
		}
		if !reflect.DeepEqual(env, got) {
			t.Errorf("round trip mismatch for %s:\n want %#v\n got  %#v", env.EnvelopeType(), env, got)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"type":""}`,
		`{"type":"chat_chunk","sequence":"nope"}`,
	}
	for _, in := range cases {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q): want ErrMalformed, got %v", in, err)
		}
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		kind      Kind
		closeCode int
		errCode   int
	}{
		{KindAuthenticationRequired, 1008, 4401},
		{KindInvalidMessageFormat, 0, 4001},
		{KindRateLimitExceeded, 0, 4002},
		{KindConnectionLimitExceeded, 1008, 4003},
		{KindUpstreamUnavailable, 0, 5011},
		{KindUpstreamThrottled, 0, 5012},
		{KindServerError, 1011, 5000},
		{KindNormalShutdown, 1000, 0},
	}
	for _, tc := range cases {
		if got := tc.kind.CloseCode(); got != tc.closeCode {
			t.Errorf("%s close code: want %d, got %d", tc.kind, tc.closeCode, got)
		}
		if got := tc.kind.ErrorCode(); got != tc.errCode {
			t.Errorf("%s error code: want %d, got %d", tc.kind, tc.errCode, got)
		}
	}
	if !KindServerError.Terminal() {
		t.Error("server_error should be terminal")
	}
	if KindRateLimitExceeded.Terminal() {
		t.Error("rate_limit_exceeded should not be terminal")
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	env := NewError(KindConnectionLimitExceeded, "too many")
	if env.Code != 4003 || env.Kind != "connection_limit_exceeded" || env.Message != "too many" {
		t.Fatalf("unexpected error envelope: %#v", env)
	}
}
