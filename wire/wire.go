// Package wire defines the envelope types exchanged over the websocket
// transport and the JSON codec for them. Every envelope carries a `type`
// discriminator; decoding switches on it into an exhaustive set of variants.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates envelope variants on the wire.
type Type string

const (
	TypeChatMessage Type = "chat_message"
	TypeChatChunk   Type = "chat_chunk"
	TypeWelcome     Type = "welcome"
	TypeHistory     Type = "history"
	TypePresence    Type = "presence"
	TypeTyping      Type = "typing"
	TypeCancel      Type = "cancel"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeError       Type = "error"
	TypeSystem      Type = "system"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PresenceState is the advertised availability of a user.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceTyping  PresenceState = "typing"
	PresenceOffline PresenceState = "offline"
)

// Metadata is the typed catch-all sub-map on envelopes. Values are expected
// to be JSON primitives; nested structures are not interpreted by the core.
type Metadata map[string]any

// Envelope is implemented by every wire variant.
type Envelope interface {
	EnvelopeType() Type
}

// ChatMessage is a complete message within a conversation.
type ChatMessage struct {
	Type           Type      `json:"type"`
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Metadata       Metadata  `json:"metadata,omitempty"`
}

func (m *ChatMessage) EnvelopeType() Type { return TypeChatMessage }

// NewChatMessage builds a chat message stamped with the given server time.
func NewChatMessage(id string, role Role, content, conversationID string, now time.Time) *ChatMessage {
	return &ChatMessage{
		Type:           TypeChatMessage,
		ID:             id,
		Role:           role,
		Content:        content,
		ConversationID: conversationID,
		Timestamp:      now.UTC(),
	}
}

// ChatChunk is one delta of a streaming assistant response. All chunks of a
// response share the id of the inbound message; Sequence starts at 0 and the
// terminating chunk has Final set exactly once.
type ChatChunk struct {
	Type     Type     `json:"type"`
	ID       string   `json:"id"`
	Sequence int      `json:"sequence"`
	Delta    string   `json:"delta"`
	Final    bool     `json:"final"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func (c *ChatChunk) EnvelopeType() Type { return TypeChatChunk }

// LimitsSnapshot is the rate-limit view advertised in the welcome envelope.
type LimitsSnapshot struct {
	MaxConnectionsPerIP   int `json:"max_connections_per_ip"`
	MaxConnectionsPerUser int `json:"max_connections_per_user"`
	MessagesPerSecond     int `json:"messages_per_second"`
	MessagesPerMinute     int `json:"messages_per_minute"`
	MessagesPerHour       int `json:"messages_per_hour"`
	MessagesPerDay        int `json:"messages_per_day"`
}

// Welcome is the first envelope sent on a newly authenticated connection.
type Welcome struct {
	Type         Type           `json:"type"`
	ServerTime   time.Time      `json:"server_time"`
	ConnectionID string         `json:"connection_id"`
	Limits       LimitsSnapshot `json:"limits"`
}

func (w *Welcome) EnvelopeType() Type { return TypeWelcome }

// History carries the recent-message snapshot sent after welcome.
type History struct {
	Type     Type           `json:"type"`
	Messages []*ChatMessage `json:"messages"`
}

func (h *History) EnvelopeType() Type { return TypeHistory }

// Presence announces a user's availability to conversation members.
type Presence struct {
	Type   Type          `json:"type"`
	UserID string        `json:"user_id"`
	State  PresenceState `json:"state"`
}

func (p *Presence) EnvelopeType() Type { return TypePresence }

// Typing is a client-originated typing indicator.
type Typing struct {
	Type     Type `json:"type"`
	IsTyping bool `json:"is_typing"`
}

func (t *Typing) EnvelopeType() Type { return TypeTyping }

// Cancel asks the server to abort the in-flight response for ID.
type Cancel struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func (c *Cancel) EnvelopeType() Type { return TypeCancel }

// Ping and Pong carry an opaque nonce echoed back by the peer.
type Ping struct {
	Type  Type   `json:"type"`
	Nonce string `json:"nonce"`
}

func (p *Ping) EnvelopeType() Type { return TypePing }

type Pong struct {
	Type  Type   `json:"type"`
	Nonce string `json:"nonce"`
}

func (p *Pong) EnvelopeType() Type { return TypePong }

// Error is the in-band failure envelope. It does not terminate the transport
// unless followed by an explicit close.
type Error struct {
	Type    Type     `json:"type"`
	Code    int      `json:"code"`
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Details Metadata `json:"details,omitempty"`
}

func (e *Error) EnvelopeType() Type { return TypeError }

// System is reserved for server-originated control traffic. Envelopes of this
// type sent by an admin principal bypass message rate accounting.
type System struct {
	Type           Type     `json:"type"`
	ID             string   `json:"id"`
	Content        string   `json:"content"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Metadata       Metadata `json:"metadata,omitempty"`
}

func (s *System) EnvelopeType() Type { return TypeSystem }

// ErrUnknownType reports a discriminator that names no known variant.
var ErrUnknownType = errors.New("wire: unknown envelope type")

// ErrMalformed reports a frame that is not a JSON object with a type field.
var ErrMalformed = errors.New("wire: malformed envelope")

// Encode renders an envelope as a single JSON text frame.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", env.EnvelopeType(), err)
	}
	return b, nil
}

// Decode parses one JSON frame into its concrete variant. Unknown
// discriminators return ErrUnknownType; frames without a usable type field
// return ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var env Envelope
	switch probe.Type {
	case TypeChatMessage:
		env = &ChatMessage{}
	case TypeChatChunk:
		env = &ChatChunk{}
	case TypeWelcome:
		env = &Welcome{}
	case TypeHistory:
		env = &History{}
	case TypePresence:
		env = &Presence{}
	case TypeTyping:
		env = &Typing{}
	case TypeCancel:
		env = &Cancel{}
	case TypePing:
		env = &Ping{}
	case TypePong:
		env = &Pong{}
	case TypeError:
		env = &Error{}
	case TypeSystem:
		env = &System{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}
