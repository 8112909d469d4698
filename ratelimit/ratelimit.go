// Package ratelimit enforces connection and message quotas per user and ip
// across four fixed windows (second, minute, hour, day), backed by the shared
// kv store. No coordination beyond the store's atomic increments is used, so
// any number of server processes can share the counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatbridge/chat-server-go/kv"
	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/wire"
)

var (
	// ErrConnectionLimit is returned when a new connection would exceed the
	// per-ip or per-user concurrent connection cap.
	ErrConnectionLimit = errors.New("ratelimit: connection limit exceeded")
	// ErrRateLimited is returned when a message exceeds any window quota.
	ErrRateLimited = errors.New("ratelimit: message rate limit exceeded")
	// ErrUnavailable is returned for connection admission when the kv store
	// cannot be reached; connection admission fails closed.
	ErrUnavailable = errors.New("ratelimit: kv store unavailable")
)

// Config holds the quota knobs. Zero values are replaced with the defaults.
type Config struct {
	MaxConnectionsPerIP   int
	MaxConnectionsPerUser int
	MessagesPerSecond     int
	MessagesPerMinute     int
	MessagesPerHour       int
	MessagesPerDay        int
	ConnectTimeout        time.Duration
	MessageTimeout        time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP:   2,
		MaxConnectionsPerUser: 5,
		MessagesPerSecond:     5,
		MessagesPerMinute:     60,
		MessagesPerHour:       1000,
		MessagesPerDay:        10000,
		ConnectTimeout:        10 * time.Second,
		MessageTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = d.MaxConnectionsPerUser
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = d.MessagesPerSecond
	}
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = d.MessagesPerMinute
	}
	if c.MessagesPerHour <= 0 {
		c.MessagesPerHour = d.MessagesPerHour
	}
	if c.MessagesPerDay <= 0 {
		c.MessagesPerDay = d.MessagesPerDay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	return c
}

// Limits returns the snapshot advertised in welcome envelopes.
func (c Config) Limits() wire.LimitsSnapshot {
	c = c.withDefaults()
	return wire.LimitsSnapshot{
		MaxConnectionsPerIP:   c.MaxConnectionsPerIP,
		MaxConnectionsPerUser: c.MaxConnectionsPerUser,
		MessagesPerSecond:     c.MessagesPerSecond,
		MessagesPerMinute:     c.MessagesPerMinute,
		MessagesPerHour:       c.MessagesPerHour,
		MessagesPerDay:        c.MessagesPerDay,
	}
}

// Scope is the identifier axis a counter is keyed on.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
	ScopeClient Scope = "client"
)

// window names used in the key schema. conn has no TTL; it is decremented on
// disconnect.
const (
	windowConn   = "conn"
	windowSecond = "sec"
	windowMinute = "min"
	windowHour   = "hour"
	windowDay    = "day"
)

type window struct {
	name string
	ttl  time.Duration
}

var messageWindows = []window{
	{windowSecond, time.Second},
	{windowMinute, time.Minute},
	{windowHour, time.Hour},
	{windowDay, 24 * time.Hour},
}

// Limiter decides admission for connections and messages.
type Limiter struct {
	store kv.Store
	cfg   Config
	sink  telemetry.Sink
	log   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger. Defaults to a discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithSink sets the telemetry sink. Defaults to a no-op sink.
func WithSink(sink telemetry.Sink) Option {
	return func(l *Limiter) { l.sink = sink }
}

// New constructs a Limiter over the given store.
func New(store kv.Store, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		cfg:   cfg.withDefaults(),
		sink:  telemetry.Noop{},
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

func key(scope Scope, identifier, window string) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, identifier, window)
}

func activeKey(scope Scope, identifier string) string {
	return fmt.Sprintf("ws:active:%s:%s", scope, identifier)
}

// AllowConnection admits or rejects a new connection for (userID, ip) and, on
// success, records connID in the active-connection hashes. Admission fails
// closed when the store is unreachable: an extra connection is costlier than
// a dropped one.
func (l *Limiter) AllowConnection(ctx context.Context, connID, userID, ip string) error {
	pipe := l.store.Pipeline()
	ipCmd := pipe.Incr(key(ScopeIP, ip, windowConn))
	userCmd := pipe.Incr(key(ScopeUser, userID, windowConn))
	if err := pipe.Exec(ctx); err != nil {
		l.sink.IncCounter(telemetry.CounterRateLimitKVFailures, 1)
		l.log.WarnContext(ctx, "connection admission failed closed", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	over := ipCmd.Err() == nil && ipCmd.Val() > int64(l.cfg.MaxConnectionsPerIP) ||
		userCmd.Err() == nil && userCmd.Val() > int64(l.cfg.MaxConnectionsPerUser)
	if over {
		l.rollbackConnection(ctx, userID, ip)
		l.sink.IncCounter(telemetry.CounterRateLimitDenied, 1)
		return ErrConnectionLimit
	}

	track := l.store.Pipeline()
	track.HSet(activeKey(ScopeUser, userID), connID, ip)
	track.HSet(activeKey(ScopeIP, ip), connID, userID)
	if err := track.Exec(ctx); err != nil {
		// Tracking is observability only; admission already succeeded.
		l.log.WarnContext(ctx, "active connection tracking failed", "error", err)
	}
	return nil
}

// rollbackConnection undoes the speculative increments of a rejected
// admission. A failed rollback leaves an excess that only disconnects repair;
// the original rejection is surfaced regardless.
func (l *Limiter) rollbackConnection(ctx context.Context, userID, ip string) {
	pipe := l.store.Pipeline()
	pipe.Decr(key(ScopeIP, ip, windowConn))
	pipe.Decr(key(ScopeUser, userID, windowConn))
	if err := pipe.Exec(ctx); err != nil {
		l.sink.IncCounter(telemetry.CounterRateLimitKVFailures, 1)
		l.log.ErrorContext(ctx, "connection rollback failed; counters over-report until reconciled",
			"user_id", userID, "ip", ip, "error", err)
	}
}

// ReleaseConnection decrements the conn counters and removes connID from the
// active-connection hashes. Called exactly once per registered connection.
func (l *Limiter) ReleaseConnection(ctx context.Context, connID, userID, ip string) {
	pipe := l.store.Pipeline()
	pipe.Decr(key(ScopeIP, ip, windowConn))
	pipe.Decr(key(ScopeUser, userID, windowConn))
	pipe.HDel(activeKey(ScopeUser, userID), connID)
	pipe.HDel(activeKey(ScopeIP, ip), connID)
	if err := pipe.Exec(ctx); err != nil {
		l.sink.IncCounter(telemetry.CounterRateLimitKVFailures, 1)
		l.log.WarnContext(ctx, "connection release failed", "conn_id", connID, "error", err)
	}
}

// AllowMessage admits or rejects one message for the principal. System
// envelopes from an admin bypass counting entirely; the bypass is audited via
// the telemetry sink. Message admission fails open when the store is
// unreachable.
func (l *Limiter) AllowMessage(ctx context.Context, userID, ip string, admin, system bool) error {
	if system && admin {
		l.sink.IncCounter(telemetry.CounterRateLimitBypass, 1)
		return nil
	}

	scope, identifier := ScopeUser, userID
	if identifier == "" {
		scope, identifier = ScopeIP, ip
	}

	pipe := l.store.Pipeline()
	counts := make([]*kv.IntCmd, len(messageWindows))
	for i, w := range messageWindows {
		k := key(scope, identifier, w.name)
		counts[i] = pipe.Incr(k)
		// Best-effort: a lost key is recreated by the next successful incr,
		// so an expire returning false is ignored.
		pipe.Expire(k, w.ttl)
	}
	if err := pipe.Exec(ctx); err != nil {
		l.sink.IncCounter(telemetry.CounterRateLimitKVFailures, 1)
		l.log.WarnContext(ctx, "message admission failed open", "error", err)
		return nil
	}

	limits := []int64{
		int64(l.cfg.MessagesPerSecond),
		int64(l.cfg.MessagesPerMinute),
		int64(l.cfg.MessagesPerHour),
		int64(l.cfg.MessagesPerDay),
	}
	for i, cmd := range counts {
		if cmd.Err() != nil {
			continue
		}
		if cmd.Val() > limits[i] {
			l.sink.IncCounter(telemetry.CounterRateLimitDenied, 1)
			return fmt.Errorf("%w: %s window", ErrRateLimited, messageWindows[i].name)
		}
	}
	return nil
}

// Counters returns the current window counters for an identifier. Used by
// admin listings.
func (l *Limiter) Counters(ctx context.Context, scope Scope, identifier string) (map[string]int64, error) {
	out := make(map[string]int64, len(messageWindows)+1)
	names := append([]window{{windowConn, 0}}, messageWindows...)
	for _, w := range names {
		val, ok, err := l.store.Get(ctx, key(scope, identifier, w.name))
		if err != nil {
			return nil, err
		}
		var n int64
		if ok {
			if _, err := fmt.Sscanf(string(val), "%d", &n); err != nil {
				return nil, fmt.Errorf("%w: counter %s", kv.ErrTypeMismatch, w.name)
			}
		}
		out[w.name] = n
	}
	return out, nil
}

// Reset clears all counters for one identifier, including the TTL-free
// connection counters and the active-connection hashes.
func (l *Limiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	keys := []string{activeKey(scope, identifier)}
	names := append([]window{{windowConn, 0}}, messageWindows...)
	for _, w := range names {
		keys = append(keys, key(scope, identifier, w.name))
	}
	return l.store.Del(ctx, keys...)
}

// ResetAll clears every rate-limit key. Admin use only.
func (l *Limiter) ResetAll(ctx context.Context) error {
	for _, pattern := range []string{"rl:*", "ws:active:*"} {
		keys, err := l.store.Keys(ctx, pattern)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if err := l.store.Del(ctx, keys...); err != nil {
			return err
		}
	}
	return nil
}
