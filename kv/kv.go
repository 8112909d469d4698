// Package kv defines the capability interface over the shared key-value
// store. All distributed state (rate counters, active-connection maps, the
// history ring, the response cache) flows through this interface so that
// backends can be swapped between Redis and an in-memory store.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable indicates the store could not be reached (connection or
	// timeout failure). Callers decide fail-open vs fail-closed.
	ErrUnavailable = errors.New("kv: store unavailable")
	// ErrTypeMismatch indicates an operation against a key holding a value of
	// the wrong type.
	ErrTypeMismatch = errors.New("kv: wrong type at key")
)

// TTL sentinel values, normalized across backends.
const (
	// TTLKeyAbsent is returned by TTL for a key that does not exist.
	TTLKeyAbsent int64 = -1
	// TTLNoExpiry is returned by TTL for a key with no expiration set.
	TTLNoExpiry int64 = -2
)

// Store is the synchronous capability surface of the shared key-value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value at key. The second return is false when the key
	// is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments the counter at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements the counter at key.
	Decr(ctx context.Context, key string) (int64, error)
	// Expire sets a ttl on key, returning false if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining ttl in seconds, TTLKeyAbsent, or TTLNoExpiry.
	TTL(ctx context.Context, key string) (int64, error)

	// Hash operations over flat string maps.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// List operations over bounded lists.
	LPush(ctx context.Context, key string, values ...[]byte) error
	RPush(ctx context.Context, key string, values ...[]byte) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Keys returns keys matching pattern. Admin use only; backends may
	// implement it as a scan.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pipeline returns a batch that queues commands and executes them in one
	// round trip, preserving command order in the results.
	Pipeline() Pipeline

	// Close releases backend resources.
	Close() error
}

// Pipeline queues commands for a single atomic batch. Command result handles
// are populated by Exec; reading them before Exec returns zero values.
type Pipeline interface {
	Incr(key string) *IntCmd
	Decr(key string) *IntCmd
	Expire(key string, ttl time.Duration) *BoolCmd
	HSet(key, field, value string) *IntCmd
	HDel(key string, fields ...string) *IntCmd
	HLen(key string) *IntCmd
	RPush(key string, values ...[]byte) *IntCmd
	LTrim(key string, start, stop int64) *BoolCmd

	// Exec runs the queued commands in order. The first transport-level
	// failure aborts the batch and is returned; per-command failures are
	// reported on the individual result handles.
	Exec(ctx context.Context) error
}

// IntCmd holds an integer command result after Exec.
type IntCmd struct {
	val int64
	err error
}

func (c *IntCmd) Val() int64 { return c.val }
func (c *IntCmd) Err() error { return c.err }

// SetResult populates the handle. Backends only.
func (c *IntCmd) SetResult(val int64, err error) { c.val, c.err = val, err }

// BoolCmd holds a boolean command result after Exec.
type BoolCmd struct {
	val bool
	err error
}

func (c *BoolCmd) Val() bool  { return c.val }
func (c *BoolCmd) Err() error { return c.err }

// SetResult populates the handle. Backends only.
func (c *BoolCmd) SetResult(val bool, err error) { c.val, c.err = val, err }
