package rag

import (
	"container/list"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Cache is a bounded LRU with per-entry TTL for assembled RAG results.
// Concurrent writers for the same key are last-write-wins.
type Cache struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element

	now func() time.Time
}

type cacheEntry struct {
	key       string
	result    domain.RAGResult
	expiresAt time.Time
}

// NewCache builds a cache holding up to size entries for ttl each.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		size:    size,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns a copy of the cached result for key, or false on miss or
// expiry. Expired entries are removed on access.
func (c *Cache) Get(key string) (domain.RAGResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return domain.RAGResult{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return domain.RAGResult{}, false
	}
	c.order.MoveToFront(el)
	return entry.result, true
}

// Put stores result under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(key string, result domain.RAGResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.result = result
		entry.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.size {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	el := c.order.PushFront(&cacheEntry{
		key:       key,
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

// Len reports the live entry count, expired entries included until touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
