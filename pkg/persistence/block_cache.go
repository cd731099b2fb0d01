package persistence

import (
	"lsmkv/pkg/record"
	"sync"
)

type blockKey struct {
	segment uint64
	block   int
}

// BlockCache is an LRU cache of decoded segment blocks. A zero capacity
// disables caching.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key   blockKey
	value []record.Record
	prev  *cacheItem
	next  *cacheItem
}

func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[blockKey]*cacheItem),
	}
}

func (bc *BlockCache) Get(key blockKey) ([]record.Record, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		return nil, false
	}
	bc.moveToHead(item)

	return item.value, true
}

func (bc *BlockCache) Set(key blockKey, value []record.Record) {
	if bc.capacity <= 0 {
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// Evict drops every cached block of a segment.
func (bc *BlockCache) Evict(segment uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.segment == segment {
			bc.unlink(item)
			delete(bc.items, key)
		}
	}
}

func (bc *BlockCache) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return len(bc.items)
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head

	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item

	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
