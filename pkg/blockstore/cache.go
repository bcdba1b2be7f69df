package blockstore

import (
	"sync"

	"swarmlog/pkg/tree"
)

// blockCache is an LRU cache of decompressed blocks bounded by total data size.
type blockCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	items    map[tree.Link]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	link  tree.Link
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

func newBlockCache(capacityBytes int) *blockCache {
	return &blockCache{
		capacity: capacityBytes,
		items:    make(map[tree.Link]*cacheItem),
	}
}

func (bc *blockCache) get(link tree.Link) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[link]
	if !found {
		return nil, false
	}
	bc.moveToHead(item)
	return item.value, true
}

func (bc *blockCache) set(link tree.Link, value []byte) {
	if len(value) > bc.capacity {
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[link]; found {
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{link: link, value: value}
	bc.addToHead(item)
	bc.items[link] = item
	bc.size += len(value)

	for bc.size > bc.capacity {
		bc.evictLRU()
	}
}

func (bc *blockCache) remove(link tree.Link) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[link]
	if !found {
		return
	}
	bc.unlink(item)
	delete(bc.items, link)
	bc.size -= len(item.value)
}

func (bc *blockCache) len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

func (bc *blockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *blockCache) unlink(item *cacheItem) {
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

func (bc *blockCache) addToHead(item *cacheItem) {
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

func (bc *blockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.link)
	bc.size -= len(victim.value)
}
