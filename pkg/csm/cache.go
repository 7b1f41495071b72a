package csm

import (
	"container/list"
	"sync"

	"github.com/ironvault/containerraft/pkg/metrics"
)

// dataCache is the State-Machine Data Cache: a bounded FIFO
// cache from log index to chunk payload, with eviction callback and
// size-bytes accounting.
//
// hashicorp/golang-lru (wired elsewhere in this module, see
// pkg/dispatcher's finalized-block ledger) is a recency cache and doesn't
// fit here: eviction must be strict insertion order regardless of reads,
// and removeUpTo/removeAbove need to walk entries in key order. Both are
// outside what an LRU offers, so this is a small hand-rolled structure
// over container/list rather than pulling in a cache library this
// package doesn't otherwise need.
type dataCache struct {
	mu        sync.Mutex
	byteLimit int64
	curBytes  int64
	order     *list.List // front = oldest
	entries   map[LogIndex]*list.Element
}

type cacheEntry struct {
	index LogIndex
	data  []byte
}

func newDataCache(byteLimit int64) *dataCache {
	return &dataCache{
		byteLimit: byteLimit,
		order:     list.New(),
		entries:   make(map[LogIndex]*list.Element),
	}
}

// Put admits (index -> data), evicting the oldest entries first until the
// byte budget is satisfied. It is always safe to admit one entry over
// budget — admission itself is not rejected, only subsequently evicted.
func (c *dataCache) Put(index LogIndex, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[index]; exists {
		return
	}

	el := c.order.PushBack(&cacheEntry{index: index, data: data})
	c.entries[index] = el
	c.curBytes += int64(len(data))

	for c.curBytes > c.byteLimit && c.order.Len() > 1 {
		c.evictOldestLocked()
	}
}

func (c *dataCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*cacheEntry)
	c.order.Remove(front)
	delete(c.entries, entry.index)
	c.curBytes -= int64(len(entry.data))
	metrics.CacheEvictions.Inc()
}

// Get looks up a cached payload by index. The bool is false on miss.
func (c *dataCache) Get(index LogIndex) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[index]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).data, true
}

// RemoveUpTo drops every entry with key <= idx (relaxed-mode eviction on
// apply, or the strict-mode "min follower next index" bound).
func (c *dataCache) RemoveUpTo(idx LogIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*cacheEntry)
		if entry.index > idx {
			break
		}
		c.order.Remove(el)
		delete(c.entries, entry.index)
		c.curBytes -= int64(len(entry.data))
		el = next
	}
}

// RemoveAbove drops every entry with key > idx, used on log truncation.
func (c *dataCache) RemoveAbove(idx LogIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if entry.index <= idx {
			break
		}
		c.order.Remove(el)
		delete(c.entries, entry.index)
		c.curBytes -= int64(len(entry.data))
		el = prev
	}
}

// Clear empties the cache unconditionally (leader step-down).
func (c *dataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[LogIndex]*list.Element)
	c.curBytes = 0
}

// Bytes reports the current byte accounting, for tests and metrics.
func (c *dataCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Len reports the current entry count.
func (c *dataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
