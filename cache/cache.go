// Package cache 提供带容量上限与访问过期的泛型缓存
//
// 容量超限时按 LRU 驱逐，TTL 以最后访问时间计算。
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Cache 并发安全的 LRU + TTL 缓存
//
//	history := cache.New[string, *Snapshot](cache.Config{
//	    Name:    "tx_history",
//	    MaxSize: 256,
//	    TTL:     10 * time.Minute,
//	})
//	history.Set(id, snap)
type Cache[K comparable, V any] struct {
	config  Config
	onEvict func(K, V)

	mu    sync.Mutex
	items map[K]*list.Element
	lru   *list.List // 最近使用的在前
	stats Stats
	now   func() time.Time
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	accessedAt time.Time
}

// Config 缓存配置
type Config struct {
	// Name 用于日志与 String()
	Name string

	// MaxSize 最大条目数，0 表示不限
	MaxSize int

	// TTL 基于访问时间的过期，0 表示不过期
	TTL time.Duration
}

// Stats 统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// Option 创建选项
type Option[K comparable, V any] func(*Cache[K, V])

// WithEvictHandler 条目被驱逐或过期时回调（持锁调用，回调内不要访问缓存）
func WithEvictHandler[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithClock 替换时钟，测试用
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New 创建缓存
func New[K comparable, V any](config Config, opts ...Option[K, V]) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	c := &Cache[K, V]{
		config: config,
		items:  make(map[K]*list.Element),
		lru:    list.New(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 读取并刷新访问时间；过期条目视为未命中并被删除
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expiredLocked(e) {
		c.removeLocked(el)
		c.stats.Misses++
		c.stats.Expires++
		return zero, false
	}

	e.accessedAt = c.now()
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Set 写入或覆盖，必要时驱逐最久未使用的条目
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.accessedAt = now
		c.lru.MoveToFront(el)
		return
	}

	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.lru.PushFront(&entry[K, V]{key: key, value: value, accessedAt: now})
}

// Values 按最近使用顺序返回未过期的值，不影响 LRU 顺序与统计
func (c *Cache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]V, 0, len(c.items))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if !c.expiredLocked(e) {
			out = append(out, e.value)
		}
	}
	return out
}

// CleanExpired 清理过期条目，返回清理数量
func (c *Cache[K, V]) CleanExpired() int {
	if c.config.TTL <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cleaned := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if c.expiredLocked(el.Value.(*entry[K, V])) {
			c.removeLocked(el)
			cleaned++
		}
		el = prev
	}
	c.stats.Expires += int64(cleaned)
	return cleaned
}

// Stats 统计副本
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.items)
	return s
}

func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HitRate 命中率
func (c *Cache[K, V]) HitRate() float64 {
	s := c.Stats()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (c *Cache[K, V]) expiredLocked(e *entry[K, V]) bool {
	return c.config.TTL > 0 && c.now().Sub(e.accessedAt) >= c.config.TTL
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.lru.Remove(el)
	delete(c.items, e.key)
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}

func (c *Cache[K, V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, misses=%d, hit_rate=%.2f%%, evictions=%d, expires=%d",
		c.config.Name, s.Size, c.config.MaxSize, s.Hits, s.Misses, c.HitRate()*100, s.Evictions, s.Expires)
}
