// Package memory provides an in-memory implementation of the kv.Store
// interface. It backs single-node deployments and is the standard fixture for
// tests that exercise the rate limiter and history ring without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/chatbridge/chat-server-go/kv"
)

type valueKind int

const (
	kindString valueKind = iota
	kindHash
	kindList
)

type entry struct {
	kind      valueKind
	str       []byte
	hash      map[string]string
	list      [][]byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store implements kv.Store with a mutex-guarded map. Expired entries are
// reaped lazily on access.
type Store struct {
	mu   sync.Mutex
	data map[string]*entry

	// failing simulates a store outage for tests; all operations return
	// kv.ErrUnavailable while set.
	failing bool

	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]*entry), now: time.Now}
}

// SetFailing toggles simulated outage mode. Test use only.
func (s *Store) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// SetClock overrides the time source. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close() error { return nil }

// lookup returns the live entry at key, reaping it if expired.
func (s *Store) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) typed(key string, kind valueKind) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, fmt.Errorf("%w: %s", kv.ErrTypeMismatch, key)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, false, kv.ErrUnavailable
	}
	e, err := s.typed(key, kindString)
	if err != nil || e == nil {
		return nil, false, err
	}
	out := make([]byte, len(e.str))
	copy(out, e.str)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	e := &entry{kind: kindString, str: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) incrLocked(key string, delta int64) (int64, error) {
	e, err := s.typed(key, kindString)
	if err != nil {
		return 0, err
	}
	var cur int64
	if e != nil {
		if _, err := fmt.Sscanf(string(e.str), "%d", &cur); err != nil {
			return 0, fmt.Errorf("%w: %s", kv.ErrTypeMismatch, key)
		}
	}
	cur += delta
	if e == nil {
		e = &entry{kind: kindString}
		s.data[key] = e
	}
	e.str = []byte(fmt.Sprintf("%d", cur))
	return cur, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, kv.ErrUnavailable
	}
	return s.incrLocked(key, 1)
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, kv.ErrUnavailable
	}
	return s.incrLocked(key, -1)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, kv.ErrUnavailable
	}
	e := s.lookup(key)
	if e == nil {
		return false, nil
	}
	e.expiresAt = s.now().Add(ttl)
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, kv.ErrUnavailable
	}
	e := s.lookup(key)
	if e == nil {
		return kv.TTLKeyAbsent, nil
	}
	if e.expiresAt.IsZero() {
		return kv.TTLNoExpiry, nil
	}
	return int64(e.expiresAt.Sub(s.now()) / time.Second), nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	e, err := s.typed(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.data[key] = e
	}
	e.hash[field] = value
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", false, kv.ErrUnavailable
	}
	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return "", false, err
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return err
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	if len(e.hash) == 0 {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, kv.ErrUnavailable
	}
	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.hash)), nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, kv.ErrUnavailable
	}
	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return map[string]string{}, err
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *Store) listEntry(key string, create bool) (*entry, error) {
	e, err := s.typed(key, kindList)
	if err != nil {
		return nil, err
	}
	if e == nil && create {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	return e, nil
}

func (s *Store) LPush(ctx context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	e, err := s.listEntry(key, true)
	if err != nil {
		return err
	}
	for _, v := range values {
		e.list = append([][]byte{append([]byte(nil), v...)}, e.list...)
	}
	return nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	return s.rpushLocked(key, values...)
}

func (s *Store) rpushLocked(key string, values ...[]byte) error {
	e, err := s.listEntry(key, true)
	if err != nil {
		return err
	}
	for _, v := range values {
		e.list = append(e.list, append([]byte(nil), v...))
	}
	return nil
}

// normalizeRange converts redis-style inclusive indices (negative counts from
// the end) into go slice bounds.
func normalizeRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, kv.ErrUnavailable
	}
	e, err := s.typed(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}
	lo, hi, ok := normalizeRange(int64(len(e.list)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range e.list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return kv.ErrUnavailable
	}
	return s.ltrimLocked(key, start, stop)
}

func (s *Store) ltrimLocked(key string, start, stop int64) error {
	e, err := s.typed(key, kindList)
	if err != nil || e == nil {
		return err
	}
	lo, hi, ok := normalizeRange(int64(len(e.list)), start, stop)
	if !ok {
		delete(s.data, key)
		return nil
	}
	e.list = e.list[lo : hi+1]
	return nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, kv.ErrUnavailable
	}
	e, err := s.typed(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, kv.ErrUnavailable
	}
	now := s.now()
	var keys []string
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, fmt.Errorf("kv: bad pattern %q: %w", pattern, err)
		}
		if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Pipeline returns a batch that queues closures and runs them under one lock
// acquisition, mirroring the atomicity of the Redis backend's MULTI/EXEC batch.
func (s *Store) Pipeline() kv.Pipeline {
	return &pipeline{store: s}
}

type pipeline struct {
	store *Store
	ops   []func()
}

func (p *pipeline) Incr(key string) *kv.IntCmd {
	out := &kv.IntCmd{}
	p.ops = append(p.ops, func() {
		out.SetResult(p.store.incrLocked(key, 1))
	})
	return out
}

func (p *pipeline) Decr(key string) *kv.IntCmd {
	out := &kv.IntCmd{}
	p.ops = append(p.ops, func() {
		out.SetResult(p.store.incrLocked(key, -1))
	})
	return out
}

func (p *pipeline) Expire(key string, ttl time.Duration) *kv.BoolCmd {
	out := &kv.BoolCmd{}
	p.ops = append(p.ops, func() {
		e := p.store.lookup(key)
		if e == nil {
			out.SetResult(false, nil)
			return
		}
		e.expiresAt = p.store.now().Add(ttl)
		out.SetResult(true, nil)
	})
	return out
}

func (p *pipeline) HSet(key, field, value string) *kv.IntCmd {
	out := &kv.IntCmd{}
	p.ops = append(p.ops, func() {
		e, err := p.store.typed(key, kindHash)
		if err != nil {
			out.SetResult(0, err)
			return
		}
		if e == nil {
			e = &entry{kind: kindHash, hash: make(map[string]string)}
			p.store.data[key] = e
		}
		_, existed := e.hash[field]
		e.hash[field] = value
		if existed {
			out.SetResult(0, nil)
		} else {
			out.SetResult(1, nil)
		}
	})
	return out
}

func (p *pipeline) HDel(key string, fields ...string) *kv.IntCmd {
	out := &kv.IntCmd{}
	p.ops = append(p.ops, func() {
		e, err := p.store.typed(key, kindHash)
		if err != nil || e == nil {
			out.SetResult(0, err)
			return
		}
		var removed int64
		for _, f := range fields {
			if _, ok := e.hash[f]; ok {
				delete(e.hash, f)
				removed++
			}
		}
		if len(e.hash) == 0 {
			delete(p.store.data, key)
		}
		out.SetResult(removed, nil)
	})
	return out
}

func (p *pipeline) HLen(key string) *kv.IntCmd {
	out := &kv.IntCmd{}
	p.ops = append(p.ops, func() {
		e, err := p.store.typed(key, kindHash)
		if err != nil || e == nil {
			out.SetResult(0, err)
			return
		}
		out.SetResult(int64(len(e.hash)), nil)
	})
	return out
}

func (p *pipeline) RPush(key string, values ...[]byte) *kv.IntCmd {
	out := &kv.IntCmd{}
	p.ops = append(p.ops, func() {
		if err := p.store.rpushLocked(key, values...); err != nil {
			out.SetResult(0, err)
			return
		}
		e, _ := p.store.typed(key, kindList)
		var n int64
		if e != nil {
			n = int64(len(e.list))
		}
		out.SetResult(n, nil)
	})
	return out
}

func (p *pipeline) LTrim(key string, start, stop int64) *kv.BoolCmd {
	out := &kv.BoolCmd{}
	p.ops = append(p.ops, func() {
		err := p.store.ltrimLocked(key, start, stop)
		out.SetResult(err == nil, err)
	})
	return out
}

func (p *pipeline) Exec(ctx context.Context) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.failing {
		return kv.ErrUnavailable
	}
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil
}

// Compile-time interface checks.
var (
	_ kv.Store    = (*Store)(nil)
	_ kv.Pipeline = (*pipeline)(nil)
)
