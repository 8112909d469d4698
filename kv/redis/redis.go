// Package redis provides the Redis-backed implementation of the kv.Store
// interface using go-redis, including the pipelined batch mode.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/chatbridge/chat-server-go/kv"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// PoolSize bounds the connection pool. ENV: REDIS_POOL_SIZE
	PoolSize int `env:"REDIS_POOL_SIZE,default=10"`
}

// Store implements kv.Store on a Redis client.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: cl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewFromClient wraps an existing client. The caller keeps ownership of the
// client's lifecycle when constructed this way.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error { return s.client.Close() }

// mapErr normalizes go-redis failures to the kv error taxonomy.
func mapErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %v", kv.ErrTypeMismatch, err)
	}
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, mapErr(err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return mapErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return mapErr(s.client.Del(ctx, keys...).Err())
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, mapErr(err)
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	return n, mapErr(err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, mapErr(err)
}

func (s *Store) TTL(ctx context.Context, key string) (int64, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	// Redis reports -2 for an absent key and -1 for a key without expiry;
	// go-redis passes those through as raw negative durations. Normalize to
	// the kv sentinels.
	switch {
	case d == -2:
		return kv.TTLKeyAbsent, nil
	case d == -1:
		return kv.TTLNoExpiry, nil
	case d < 0:
		return kv.TTLKeyAbsent, nil
	}
	return int64(d / time.Second), nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return mapErr(s.client.HSet(ctx, key, field, value).Err())
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, mapErr(err)
	}
	return val, true, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return mapErr(s.client.HDel(ctx, key, fields...).Err())
}

func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	return n, mapErr(err)
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	return m, mapErr(err)
}

func bytesToAny(values [][]byte) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (s *Store) LPush(ctx context.Context, key string, values ...[]byte) error {
	return mapErr(s.client.LPush(ctx, key, bytesToAny(values)...).Err())
}

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) error {
	return mapErr(s.client.RPush(ctx, key, bytesToAny(values)...).Err())
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return mapErr(s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	return n, mapErr(err)
}

// Keys is implemented with SCAN to avoid blocking the server on large
// keyspaces.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Pipeline returns a batch backed by a go-redis transactional pipeliner, so
// the queued commands run as one MULTI/EXEC block.
func (s *Store) Pipeline() kv.Pipeline {
	return &pipeline{pipe: s.client.TxPipeline()}
}

type pipeline struct {
	pipe   redis.Pipeliner
	queued []func()
}

func (p *pipeline) Incr(key string) *kv.IntCmd {
	out := &kv.IntCmd{}
	c := p.pipe.Incr(context.Background(), key)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) Decr(key string) *kv.IntCmd {
	out := &kv.IntCmd{}
	c := p.pipe.Decr(context.Background(), key)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) Expire(key string, ttl time.Duration) *kv.BoolCmd {
	out := &kv.BoolCmd{}
	c := p.pipe.Expire(context.Background(), key, ttl)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) HSet(key, field, value string) *kv.IntCmd {
	out := &kv.IntCmd{}
	c := p.pipe.HSet(context.Background(), key, field, value)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) HDel(key string, fields ...string) *kv.IntCmd {
	out := &kv.IntCmd{}
	c := p.pipe.HDel(context.Background(), key, fields...)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) HLen(key string) *kv.IntCmd {
	out := &kv.IntCmd{}
	c := p.pipe.HLen(context.Background(), key)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) RPush(key string, values ...[]byte) *kv.IntCmd {
	out := &kv.IntCmd{}
	c := p.pipe.RPush(context.Background(), key, bytesToAny(values)...)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Val(), mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) LTrim(key string, start, stop int64) *kv.BoolCmd {
	out := &kv.BoolCmd{}
	c := p.pipe.LTrim(context.Background(), key, start, stop)
	p.queued = append(p.queued, func() {
		out.SetResult(c.Err() == nil, mapErr(c.Err()))
	})
	return out
}

func (p *pipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	for _, q := range p.queued {
		q()
	}
	// Exec surfaces the first per-command error too; only transport-level
	// failures abort the batch, matching the in-memory backend. Per-command
	// failures stay on their result handles.
	if err != nil && !errors.Is(err, redis.Nil) {
		if merr := mapErr(err); errors.Is(merr, kv.ErrUnavailable) {
			return merr
		}
	}
	return nil
}

// Compile-time interface checks.
var (
	_ kv.Store    = (*Store)(nil)
	_ kv.Pipeline = (*pipeline)(nil)
)
