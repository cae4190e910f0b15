package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCacheKey(t *testing.T) {
	a := GenerateCacheKey("m", "prompt")
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateCacheKey("m", "prompt"))
	assert.NotEqual(t, a, GenerateCacheKey("other", "prompt"))
	assert.NotEqual(t, GenerateCacheKey("ab", "c"), GenerateCacheKey("a", "bc"))
}

func TestCacheLoadStore(t *testing.T) {
	c := New(0)
	_, ok := c.Load("k")
	assert.False(t, ok)

	c.Store("k", "v")
	got, ok := c.Load("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestCacheExpiry(t *testing.T) {
	c := New(time.Millisecond)
	c.Store("k", "v")
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Load("k")
	assert.False(t, ok)
}
