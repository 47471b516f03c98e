package fetchkit

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCacheShards = 16
	// maxShardFloors bounds the per-key floors a shard remembers before they
	// are folded into the cache-wide floor.
	maxShardFloors = 256
)

// CacheEntry is an immutable cached value. Entries are replaced, never
// mutated, so a reader holding one never observes a partial update.
type CacheEntry struct {
	Value     any
	CreatedAt time.Time
	TTL       time.Duration
	// Seq orders entries produced by different fetches of the same key.
	Seq uint64
}

// Fresh reports whether the entry may be served at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return e != nil && now.Sub(e.CreatedAt) < e.TTL
}

// Age returns how long ago the entry was created.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Cache is a sharded in-memory cache indexed by RequestKey. Each shard keeps
// its own LRU order and capacity. Expired entries are removed when they are
// looked up; nothing scans for them in the background.
type Cache struct {
	shards []*cacheShard
	// floor rejects entries from fetches that started before the last ClearBefore.
	floor atomic.Uint64
	now   func() time.Time
}

type cacheShard struct {
	mu       sync.Mutex
	items    map[RequestKey]*list.Element
	order    *list.List
	floors   map[RequestKey]uint64
	capacity int
}

type cacheItem struct {
	key   RequestKey
	entry *CacheEntry
}

// NewCache creates a cache holding at most maxEntries entries. maxEntries <= 0
// means unbounded.
func NewCache(maxEntries int) *Cache {
	shards := make([]*cacheShard, defaultCacheShards)
	perShard := 0
	if maxEntries > 0 {
		perShard = (maxEntries + defaultCacheShards - 1) / defaultCacheShards
	}
	for i := range shards {
		shards[i] = &cacheShard{
			items:    make(map[RequestKey]*list.Element),
			order:    list.New(),
			floors:   make(map[RequestKey]uint64),
			capacity: perShard,
		}
	}
	return &Cache{shards: shards, now: time.Now}
}

func (c *Cache) getShard(key RequestKey) *cacheShard {
	return c.shards[key.Hash()%uint64(len(c.shards))]
}

// Get returns the entry for key if it is still fresh. A stale entry is
// evicted and reported as missing.
func (c *Cache) Get(key RequestKey) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	elem, ok := shard.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if !item.entry.Fresh(c.now()) {
		c.retire(shard, elem)
		return nil, false
	}
	shard.order.MoveToFront(elem)
	return item.entry, true
}

// Set stores entry unless the key already holds an entry from a newer fetch,
// or the key was invalidated after entry's fetch started. It reports whether
// entry was accepted. An accepted entry with a non-positive TTL removes the
// current entry without storing anything.
//
// Once a key has seen an entry, no write from an older fetch is accepted for
// it, even after the entry was evicted, expired or never stored.
func (c *Cache) Set(key RequestKey, entry *CacheEntry) bool {
	if entry.Seq < c.floor.Load() {
		return false
	}
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if floor, ok := shard.floors[key]; ok && entry.Seq < floor {
		return false
	}
	if elem, ok := shard.items[key]; ok {
		item := elem.Value.(*cacheItem)
		if item.entry.Seq > entry.Seq {
			return false
		}
		if entry.TTL <= 0 {
			shard.remove(elem)
			c.raiseKeyFloor(shard, key, entry.Seq)
			return true
		}
		item.entry = entry
		shard.order.MoveToFront(elem)
		return true
	}
	if entry.TTL <= 0 {
		c.raiseKeyFloor(shard, key, entry.Seq)
		return true
	}

	delete(shard.floors, key)
	shard.items[key] = shard.order.PushFront(&cacheItem{key: key, entry: entry})
	if shard.capacity > 0 {
		for shard.order.Len() > shard.capacity {
			c.retire(shard, shard.order.Back())
		}
	}
	return true
}

// Delete removes key.
func (c *Cache) Delete(key RequestKey) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, ok := shard.items[key]; ok {
		shard.remove(elem)
	}
}

// DeleteBefore removes key and rejects later writes whose Seq is below seq.
func (c *Cache) DeleteBefore(key RequestKey, seq uint64) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, ok := shard.items[key]; ok {
		shard.remove(elem)
	}
	c.raiseKeyFloor(shard, key, seq)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.items = make(map[RequestKey]*list.Element)
		shard.floors = make(map[RequestKey]uint64)
		shard.order.Init()
		shard.mu.Unlock()
	}
}

// ClearBefore removes every entry and rejects later writes whose Seq is below seq.
func (c *Cache) ClearBefore(seq uint64) {
	c.raiseFloor(seq)
	c.Clear()
}

// Len counts stored entries, including stale ones not yet looked up.
func (c *Cache) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		n += len(shard.items)
		shard.mu.Unlock()
	}
	return n
}

func (c *Cache) raiseFloor(seq uint64) {
	for {
		cur := c.floor.Load()
		if seq <= cur || c.floor.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// raiseKeyFloor rejects later writes for key whose Seq is below seq. When the
// shard remembers too many keys, its floors collapse into the cache-wide
// floor, which rejects at least every write they did. shard.mu must be held.
func (c *Cache) raiseKeyFloor(shard *cacheShard, key RequestKey, seq uint64) {
	if seq > shard.floors[key] {
		shard.floors[key] = seq
	}
	if len(shard.floors) <= maxShardFloors {
		return
	}
	var highest uint64
	for _, floor := range shard.floors {
		highest = max(highest, floor)
	}
	c.raiseFloor(highest)
	shard.floors = make(map[RequestKey]uint64)
}

// retire removes an expired or evicted entry and keeps its Seq as the key's floor.
func (c *Cache) retire(shard *cacheShard, elem *list.Element) {
	item := elem.Value.(*cacheItem)
	shard.remove(elem)
	c.raiseKeyFloor(shard, item.key, item.entry.Seq)
}

func (s *cacheShard) remove(elem *list.Element) {
	item := s.order.Remove(elem).(*cacheItem)
	delete(s.items, item.key)
}
