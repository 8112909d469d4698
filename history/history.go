// Package history maintains the bounded per-conversation record of recent
// chat messages. The ring lives in the kv store for cross-process visibility;
// a small local cache fronts reads of the most recent window.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatbridge/chat-server-go/kv"
	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/wire"
)

// DefaultMaxLength caps each conversation's ring.
const DefaultMaxLength = 100

// Ring is the per-conversation bounded history buffer.
type Ring struct {
	store kv.Store
	max   int
	ttl   time.Duration // 0 means rings never expire
	sink  telemetry.Sink
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// cacheEntry bounds staleness: appends from other processes cannot invalidate
// a local cache, so entries are only served briefly.
type cacheEntry struct {
	msgs     []*wire.ChatMessage
	cachedAt time.Time
}

const cacheValidity = 2 * time.Second

// Option configures a Ring.
type Option func(*Ring)

// WithMaxLength overrides the ring cap (default 100).
func WithMaxLength(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.max = n
		}
	}
}

// WithRetention sets a TTL on each conversation's ring, refreshed on append.
func WithRetention(ttl time.Duration) Option {
	return func(r *Ring) { r.ttl = ttl }
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Ring) { r.log = log }
}

// WithSink sets the telemetry sink. Defaults to a no-op sink.
func WithSink(sink telemetry.Sink) Option {
	return func(r *Ring) { r.sink = sink }
}

// New constructs a Ring over the given store.
func New(store kv.Store, opts ...Option) *Ring {
	r := &Ring{
		store: store,
		max:   DefaultMaxLength,
		sink:  telemetry.Noop{},
		log:   slog.New(slog.DiscardHandler),
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxLength returns the configured cap.
func (r *Ring) MaxLength() int { return r.max }

func ringKey(conversationID string) string {
	return "hist:" + conversationID
}

// Append pushes a message onto the right of the conversation's ring and trims
// it to the cap, in a single pipelined batch. Append order at the store is
// the authoritative order for the conversation.
func (r *Ring) Append(ctx context.Context, conversationID string, msg *wire.ChatMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	k := ringKey(conversationID)
	pipe := r.store.Pipeline()
	push := pipe.RPush(k, data)
	pipe.LTrim(k, int64(-r.max), -1)
	if r.ttl > 0 {
		pipe.Expire(k, r.ttl)
	}
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history append %s: %w", conversationID, err)
	}
	if push.Err() != nil {
		return fmt.Errorf("history append %s: %w", conversationID, push.Err())
	}

	r.mu.Lock()
	delete(r.cache, conversationID)
	r.mu.Unlock()

	r.sink.IncCounter(telemetry.CounterHistoryAppends, 1)
	return nil
}

// Range returns messages between the inclusive 0-indexed positions start and
// stop, counted from the oldest; negative indices count from the end. The
// store's list order is returned as-is.
func (r *Ring) Range(ctx context.Context, conversationID string, start, stop int64) ([]*wire.ChatMessage, error) {
	if start == 0 && stop == -1 {
		if msgs, ok := r.cached(conversationID); ok {
			return msgs, nil
		}
	}

	raw, err := r.store.LRange(ctx, ringKey(conversationID), start, stop)
	if err != nil {
		return nil, fmt.Errorf("history range %s: %w", conversationID, err)
	}
	msgs := make([]*wire.ChatMessage, 0, len(raw))
	for _, b := range raw {
		env, err := wire.Decode(b)
		if err != nil {
			// A damaged entry is skipped rather than poisoning the replay.
			r.log.WarnContext(ctx, "skipping undecodable history entry",
				"conversation_id", conversationID, "error", err)
			continue
		}
		msg, ok := env.(*wire.ChatMessage)
		if !ok {
			r.log.WarnContext(ctx, "skipping non-chat history entry",
				"conversation_id", conversationID, "type", env.EnvelopeType())
			continue
		}
		msgs = append(msgs, msg)
	}

	if start == 0 && stop == -1 {
		r.mu.Lock()
		r.cache[conversationID] = cacheEntry{msgs: msgs, cachedAt: time.Now()}
		r.mu.Unlock()
	}
	return msgs, nil
}

// Get finds a message by id with a linear scan of the most recent window.
func (r *Ring) Get(ctx context.Context, conversationID, id string) (*wire.ChatMessage, bool, error) {
	msgs, err := r.Range(ctx, conversationID, 0, -1)
	if err != nil {
		return nil, false, err
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, true, nil
		}
	}
	return nil, false, nil
}

func (r *Ring) cached(conversationID string) ([]*wire.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[conversationID]
	if !ok || time.Since(e.cachedAt) > cacheValidity {
		return nil, false
	}
	return e.msgs, true
}
