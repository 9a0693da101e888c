// Package cache holds recently served responses keyed by request identity.
// Only fully guardrail-checked responses to idempotent requests are stored,
// so a cache hit never bypasses policy.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
)

// Cache is a TTL-bounded LRU of canonical responses.
type Cache struct {
	lru *expirable.LRU[string, *domain.CanonicalMessage]
}

func New(cfg config.CacheConfig) *Cache {
	size := cfg.MaxEntries
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{lru: expirable.NewLRU[string, *domain.CanonicalMessage](size, nil, ttl)}
}

// Key derives the cache key from the request path and canonical payload.
func Key(path string, payload domain.Payload) string {
	h := sha256.New()
	h.Write([]byte(path))
	if body, err := json.Marshal(payload); err == nil {
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a clone of the cached response, so callers can mutate the
// result without poisoning the cache.
func (c *Cache) Get(key string) (*domain.CanonicalMessage, bool) {
	msg, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// Put stores a clone of the response.
func (c *Cache) Put(key string, msg *domain.CanonicalMessage) {
	c.lru.Add(key, msg.Clone())
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Cacheable reports whether an exchange qualifies for caching: tool calls
// and requests that embed tool calls have side effects and are never cached.
func Cacheable(req *domain.CanonicalMessage) bool {
	if req == nil || req.Kind != domain.KindRequest {
		return false
	}
	if _, ok := req.Payload.Get("tool_calls"); ok {
		return false
	}
	if _, ok := req.Payload.Get("tool"); ok {
		return false
	}
	return true
}
