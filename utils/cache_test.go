package utils

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_MemoryFallback(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, "t:", time.Minute)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Set(ctx, "a", []byte("one"))
	got, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, "one", string(got))

	c.Delete(ctx, "a")
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, "t:", time.Millisecond)
	c.Set(ctx, "a", []byte("one"))
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestCache_MemoryIsBounded(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, "t:", time.Minute)
	for i := 0; i < maxMemoryEntries+50; i++ {
		c.Set(ctx, strconv.Itoa(i), []byte("x"))
	}
	assert.LessOrEqual(t, len(c.mem), maxMemoryEntries)
	_, ok := c.Get(ctx, strconv.Itoa(maxMemoryEntries+49))
	assert.True(t, ok, "latest entry survives eviction")
}
