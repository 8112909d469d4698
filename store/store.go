// Package store defines the persistence contracts the session core consumes.
// The core never talks to a database directly; it resolves users at handshake
// and hands accepted messages off fire-and-forget.
package store

import (
	"context"
	"sync"

	"github.com/chatbridge/chat-server-go/wire"
)

// User is the minimal projection the core needs from the user record.
type User struct {
	ID     string
	Active bool
	Admin  bool
}

// UserRepository resolves users by id. A nil user with a nil error means the
// user does not exist.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*User, error)
}

// MessageRepository persists accepted chat messages. Called after broadcast;
// failures are logged by the caller, never surfaced to the peer.
type MessageRepository interface {
	Persist(ctx context.Context, msg *wire.ChatMessage) error
}

// MemoryUsers is a map-backed UserRepository for tests and single-node runs.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUsers seeds a repository with the given users.
func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// Put inserts or replaces a user.
func (m *MemoryUsers) Put(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryUsers) FindByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	out := u
	return &out, nil
}

// MemoryMessages is a slice-backed MessageRepository for tests.
type MemoryMessages struct {
	mu   sync.Mutex
	msgs []*wire.ChatMessage
}

// NewMemoryMessages creates an empty repository.
func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{}
}

func (m *MemoryMessages) Persist(ctx context.Context, msg *wire.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

// All returns the persisted messages in arrival order.
func (m *MemoryMessages) All() []*wire.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*wire.ChatMessage, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// Compile-time interface checks.
var (
	_ UserRepository    = (*MemoryUsers)(nil)
	_ MessageRepository = (*MemoryMessages)(nil)
)
