// internal/storage/memory_cache.go
package storage

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache 提供带过期时间和LRU淘汰的内存缓存
// 所有状态只存在于进程内存中，不落盘
type MemoryCache struct {
	entries    map[string]*cacheEntry
	mutex      sync.RWMutex
	maxEntries int           // 最大缓存条目数
	expiration time.Duration // 缓存过期时间

	hits   int64
	misses int64
}

// cacheEntry 缓存条目
type cacheEntry struct {
	value     interface{}
	createdAt time.Time
	lastRead  time.Time
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache(maxEntries int, expiration time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1000 // 默认缓存1000个条目
	}

	if expiration <= 0 {
		expiration = 5 * time.Minute // 默认5分钟过期
	}

	return &MemoryCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		expiration: expiration,
	}
}

// Get 读取缓存条目，过期条目视为未命中
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mutex.RLock()
	entry, exists := c.entries[key]
	c.mutex.RUnlock()

	if !exists {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	if time.Since(entry.createdAt) > c.expiration {
		atomic.AddInt64(&c.misses, 1)
		c.mutex.Lock()
		// 再次检查，条目可能已被覆盖
		if current, ok := c.entries[key]; ok && current == entry {
			delete(c.entries, key)
		}
		c.mutex.Unlock()
		return nil, false
	}

	c.mutex.Lock()
	entry.lastRead = time.Now()
	c.mutex.Unlock()

	atomic.AddInt64(&c.hits, 1)
	return entry.value, true
}

// Set 写入缓存条目，超出容量时清理最少使用的条目
func (c *MemoryCache) Set(key string, value interface{}) {
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = &cacheEntry{
		value:     value,
		createdAt: now,
		lastRead:  now,
	}

	if len(c.entries) > c.maxEntries {
		// 清理 20%，至少 1 个
		toRemove := max(1, c.maxEntries/5)
		c.cleanupLRU(toRemove)
	}
}

// Delete 删除缓存条目
func (c *MemoryCache) Delete(key string) {
	c.mutex.Lock()
	delete(c.entries, key)
	c.mutex.Unlock()
}

// Clear 清空缓存
func (c *MemoryCache) Clear() {
	c.mutex.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mutex.Unlock()
}

// Len 返回当前缓存条目数
func (c *MemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Stats 返回缓存命中统计
func (c *MemoryCache) Stats() map[string]int64 {
	c.mutex.RLock()
	entries := int64(len(c.entries))
	c.mutex.RUnlock()

	return map[string]int64{
		"entries": entries,
		"hits":    atomic.LoadInt64(&c.hits),
		"misses":  atomic.LoadInt64(&c.misses),
	}
}

// cleanupLRU 清理最少使用的条目，调用方必须持有写锁
func (c *MemoryCache) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(c.entries))
	for k, v := range c.entries {
		entries = append(entries, keyAge{k, v.lastRead})
	}

	// 按最后读取时间排序
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	maxToDelete := min(count, len(entries))
	for i := 0; i < maxToDelete; i++ {
		delete(c.entries, entries[i].key)
	}
}
