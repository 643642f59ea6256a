package utils

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTTL = time.Hour
	// keep the in-process fallback bounded
	maxMemoryEntries = 512
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache stores byte blobs in Redis when available and in process memory otherwise.
type Cache struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration

	mu  sync.Mutex
	mem map[string]memEntry
}

// NewCache builds a cache namespaced by prefix. rc may be nil.
func NewCache(rc *redis.Client, prefix string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{rc: rc, prefix: prefix, ttl: ttl, mem: map[string]memEntry{}}
}

// Get returns cached bytes for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rc != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		b, err := c.rc.Get(ctx, c.prefix+key).Bytes()
		if err != nil {
			Sugar.Debugf("cache get miss key=%s err=%v", key, err)
			return nil, false
		}
		return b, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mem[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.mem, key)
		return nil, false
	}
	return e.value, true
}

// Set stores bytes under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, b []byte) {
	if c.rc != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.rc.Set(ctx, c.prefix+key, b, c.ttl).Err(); err != nil {
			Sugar.Warnf("cache set failed key=%s err=%v", key, err)
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mem) >= maxMemoryEntries {
		c.evictLocked()
	}
	c.mem[key] = memEntry{value: b, expiresAt: time.Now().Add(c.ttl)}
}

// Delete drops key so the next Get misses.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.rc != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.rc.Del(ctx, c.prefix+key).Err(); err != nil {
			Sugar.Warnf("cache delete failed key=%s err=%v", key, err)
		}
		return
	}
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
}

// evictLocked drops expired entries, then arbitrary ones until there is room.
func (c *Cache) evictLocked() {
	now := time.Now()
	for k, e := range c.mem {
		if now.After(e.expiresAt) {
			delete(c.mem, k)
		}
	}
	for k := range c.mem {
		if len(c.mem) < maxMemoryEntries {
			break
		}
		delete(c.mem, k)
	}
}
