package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// CachedResponse represents a cached API response
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Cache stores completion responses keyed by model and prompt
type Cache struct {
	entries sync.Map
	ttl     time.Duration
}

// New creates a cache; ttl <= 0 keeps entries forever
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GenerateCacheKey generates a cache key from the model and prompt
func GenerateCacheKey(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Load returns a cached response that has not expired
func (c *Cache) Load(key string) (string, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if c.ttl > 0 && time.Since(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

// Store records a response under key
func (c *Cache) Store(key, response string) {
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: time.Now(),
	})
}
