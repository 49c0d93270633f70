// Package dedupe provides a fixed-capacity LRU set used to drop event
// identifiers a connection has already delivered.
//
// All storage is allocated once by New and never grows: a slice of entries
// threaded into a recency list by index, and an open-addressing index table
// of int32 positions. A 255-entry cache of string keys costs about 10 KB.
package dedupe

import (
	"hash/maphash"
)

// DefaultCapacity is the capacity used when New is given a non-positive value.
const DefaultCapacity = 255

const empty int32 = -1

type entry[K comparable] struct {
	key  K
	hash uint64
	prev int32
	next int32
}

// Cache is a strict LRU set with a fixed capacity. It is not safe for
// concurrent use; each connection owns its own cache.
type Cache[K comparable] struct {
	seed    maphash.Seed
	entries []entry[K]
	index   []int32
	mask    uint64

	head int32 // most recently used
	tail int32 // least recently used
	free int32 // free list threaded through entry.next
	used int32 // entries[0:used] have been handed out at least once
	n    int
}

// New returns an empty cache holding at most capacity keys.
func New[K comparable](capacity int) *Cache[K] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	size := 1
	for size < capacity*2 {
		size <<= 1
	}
	index := make([]int32, size)
	for i := range index {
		index[i] = empty
	}
	return &Cache[K]{
		seed:    maphash.MakeSeed(),
		entries: make([]entry[K], capacity),
		index:   index,
		mask:    uint64(size - 1),
		head:    empty,
		tail:    empty,
		free:    empty,
	}
}

// Len returns the number of keys currently held.
func (c *Cache[K]) Len() int { return c.n }

// Cap returns the fixed capacity.
func (c *Cache[K]) Cap() int { return len(c.entries) }

// Insert records key as most recently used. It returns true if key was not
// present, false if it was (a duplicate). When the cache is full, inserting a
// new key evicts the least recently used one.
func (c *Cache[K]) Insert(key K) bool {
	h := maphash.Comparable(c.seed, key)
	if slot, ok := c.lookup(key, h); ok {
		c.touch(c.index[slot])
		return false
	}

	var idx int32
	switch {
	case c.n == len(c.entries):
		idx = c.tail
		c.unindex(idx)
		c.unlink(idx)
		c.n--
	case c.free != empty:
		idx = c.free
		c.free = c.entries[idx].next
	default:
		idx = c.used
		c.used++
	}

	c.entries[idx] = entry[K]{key: key, hash: h, prev: empty, next: empty}
	slot, _ := c.lookup(key, h)
	c.index[slot] = idx
	c.pushFront(idx)
	c.n++
	return true
}

// Contains reports whether key is present without changing its recency.
func (c *Cache[K]) Contains(key K) bool {
	_, ok := c.lookup(key, maphash.Comparable(c.seed, key))
	return ok
}

// Remove evicts key explicitly. It returns false if key was not present.
func (c *Cache[K]) Remove(key K) bool {
	slot, ok := c.lookup(key, maphash.Comparable(c.seed, key))
	if !ok {
		return false
	}
	idx := c.index[slot]
	c.deleteSlot(slot)
	c.unlink(idx)
	var zero K
	c.entries[idx] = entry[K]{key: zero, prev: empty, next: c.free}
	c.free = idx
	c.n--
	return true
}

// lookup probes for key. When absent it returns the empty slot where key
// would be placed.
func (c *Cache[K]) lookup(key K, h uint64) (uint64, bool) {
	slot := h & c.mask
	for {
		idx := c.index[slot]
		if idx == empty {
			return slot, false
		}
		if e := &c.entries[idx]; e.hash == h && e.key == key {
			return slot, true
		}
		slot = (slot + 1) & c.mask
	}
}

func (c *Cache[K]) unindex(idx int32) {
	slot := c.entries[idx].hash & c.mask
	for c.index[slot] != idx {
		slot = (slot + 1) & c.mask
	}
	c.deleteSlot(slot)
}

// deleteSlot clears slot and shifts later members of the probe run back so
// lookups never stop early at the hole.
func (c *Cache[K]) deleteSlot(i uint64) {
	c.index[i] = empty
	j := i
	for {
		j = (j + 1) & c.mask
		idx := c.index[j]
		if idx == empty {
			return
		}
		home := c.entries[idx].hash & c.mask
		if between(i, home, j) {
			continue
		}
		c.index[i] = idx
		c.index[j] = empty
		i = j
	}
}

// between reports whether k lies cyclically in (i, j].
func between(i, k, j uint64) bool {
	if i <= j {
		return i < k && k <= j
	}
	return i < k || k <= j
}

func (c *Cache[K]) touch(idx int32) {
	if c.head == idx {
		return
	}
	c.unlink(idx)
	c.pushFront(idx)
}

func (c *Cache[K]) pushFront(idx int32) {
	e := &c.entries[idx]
	e.prev = empty
	e.next = c.head
	if c.head != empty {
		c.entries[c.head].prev = idx
	}
	c.head = idx
	if c.tail == empty {
		c.tail = idx
	}
}

func (c *Cache[K]) unlink(idx int32) {
	e := &c.entries[idx]
	if e.prev != empty {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != empty {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = empty, empty
}
