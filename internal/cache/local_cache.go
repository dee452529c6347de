// Package cache 提供进程内的 TTL 缓存，用作外部查询前的一级缓存。
package cache

import (
	"sync"
	"time"
)

// LocalCache 本地内存缓存。
//
// 支持 TTL 过期与定期清理，容量到达上限后拒绝写入新键（旧键仍可
// 刷新），避免无界增长。
type LocalCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	stop    chan struct{}
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存并启动定期清理。
func NewLocalCache[V any](maxSize int, ttl time.Duration) *LocalCache[V] {
	c := &LocalCache[V]{
		entries: make(map[string]cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get 获取缓存值。
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Set 写入缓存值，ttl 为零时使用默认 TTL。
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		return
	}
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete 删除缓存值。
func (c *LocalCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Close 停止后台清理。
func (c *LocalCache[V]) Close() {
	close(c.stop)
}

// cleanupLoop 定期移除过期条目。
func (c *LocalCache[V]) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
