package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Entry is a cached vector with its last access time.
type Entry struct {
	Key        string
	Vector     []float32
	LastAccess time.Time
}

// LRU is an in-process, size-bounded cache. Keys are spread over shards with
// independent locks, so evicting in one shard never blocks reads in another.
// Recency is tracked per shard.
type LRU struct {
	shards []*lruShard
	now    func() time.Time
}

type lruShard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

const (
	shardedThreshold = 1024
	shardCount       = 16
)

// NewLRU returns a cache holding at most maxEntries vectors. Small caches
// use a single shard so eviction order is exact.
func NewLRU(maxEntries int) *LRU {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	n := 1
	if maxEntries >= shardedThreshold {
		n = shardCount
	}
	c := &LRU{shards: make([]*lruShard, n), now: time.Now}
	per, extra := maxEntries/n, maxEntries%n
	for i := range c.shards {
		capacity := per
		if i < extra {
			capacity++
		}
		c.shards[i] = &lruShard{
			capacity: capacity,
			order:    list.New(),
			items:    make(map[string]*list.Element),
		}
	}
	return c
}

func (c *LRU) shard(key string) *lruShard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns a copy of the cached vector and refreshes its recency.
func (c *LRU) Get(_ context.Context, key string) ([]float32, bool, error) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*Entry)
	e.LastAccess = c.now()
	s.order.MoveToFront(el)
	return clone(e.Vector), true, nil
}

// Set inserts or replaces key, evicting the least recently used entry when
// the shard is full.
func (c *LRU) Set(_ context.Context, key string, vec []float32) error {
	s := c.shard(key)
	entry := &Entry{Key: key, Vector: clone(vec), LastAccess: c.now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		el.Value = entry
		s.order.MoveToFront(el)
		return nil
	}
	s.items[key] = s.order.PushFront(entry)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*Entry).Key)
	}
	return nil
}

// Purge drops every entry.
func (c *LRU) Purge(_ context.Context) error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.order.Init()
		s.items = make(map[string]*list.Element)
		s.mu.Unlock()
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *LRU) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}

// Peek returns the entry for key without touching recency.
func (c *LRU) Peek(key string) (Entry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	return Entry{Key: e.Key, Vector: clone(e.Vector), LastAccess: e.LastAccess}, true
}

// Close is a no-op.
func (c *LRU) Close() error {
	return nil
}
