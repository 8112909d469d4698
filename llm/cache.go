package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatbridge/chat-server-go/kv"
)

// DefaultCacheTTL keeps cached responses for a day.
const DefaultCacheTTL = 24 * time.Hour

// ResponseCache is a content-addressed cache of complete model responses,
// keyed by a fingerprint of the formatted request. It is authoritative only
// for deterministic parameter sets: any request with a non-zero temperature
// bypasses the cache for both reads and writes.
type ResponseCache struct {
	store   kv.Store
	ttl     time.Duration
	enabled bool
}

// NewResponseCache constructs a cache over the given store. A zero ttl uses
// the default.
func NewResponseCache(store kv.Store, ttl time.Duration, enabled bool) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{store: store, ttl: ttl, enabled: enabled}
}

// Cacheable reports whether the request's parameters permit cache use.
func (c *ResponseCache) Cacheable(req Request) bool {
	return c != nil && c.enabled && req.Temperature == 0
}

// fingerprint hashes the request's canonical JSON form.
func fingerprint(req Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llm: fingerprint request: %w", err)
	}
	sum := sha256.Sum256(b)
	return "llmcache:" + hex.EncodeToString(sum[:]), nil
}

// Get returns a cached full response, if present.
func (c *ResponseCache) Get(ctx context.Context, req Request) (string, bool, error) {
	if !c.Cacheable(req) {
		return "", false, nil
	}
	key, err := fingerprint(req)
	if err != nil {
		return "", false, err
	}
	val, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(val), true, nil
}

// Put stores a complete response for the request.
func (c *ResponseCache) Put(ctx context.Context, req Request, response string) error {
	if !c.Cacheable(req) {
		return nil
	}
	key, err := fingerprint(req)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, []byte(response), c.ttl)
}
