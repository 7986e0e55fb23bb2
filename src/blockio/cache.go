package blockio

import (
	"container/list"
	"sync"
)

// Bufcache_t is a fixed-capacity, reference-counted block cache with
// LRU eviction, grounded on the cache discipline implied by biscuit's
// Bdev_block_t (EvictFromCache/EvictDone/Tryevict hooks) generalized
// into a standalone cache rather than biscuit's generic objcache.
type Bufcache_t struct {
	sync.Mutex
	cap  int
	m    map[int]*list.Element // block number -> lru element
	lru  *list.List            // front = most recently used
	refs map[int]int
	mem  Blockmem_i
	disk Disk_i
}

type cacheEnt struct {
	blk *Bdev_block_t
}

// MkCache builds a block cache of the given block capacity.
func MkCache(capacity int, mem Blockmem_i, disk Disk_i) *Bufcache_t {
	return &Bufcache_t{
		cap:  capacity,
		m:    make(map[int]*list.Element),
		lru:  list.New(),
		refs: make(map[int]int),
		mem:  mem,
		disk: disk,
	}
}

// Relse implements Block_cb_i: drop one reference to blk, evicting it
// immediately if it was marked Tryevict and has no other referents.
func (c *Bufcache_t) Relse(blk *Bdev_block_t, s string) {
	c.Lock()
	defer c.Unlock()
	c.refs[blk.Block]--
	if c.refs[blk.Block] <= 0 && blk.Evictnow() {
		c.evictLocked(blk.Block)
	}
}

// Get_fill returns the block for bn, reading it from disk on first
// access, and bumps its reference count. fill controls whether a fresh
// block is read from disk (true) or merely allocated zeroed (false,
// used when the caller is about to overwrite the whole block anyway).
func (c *Bufcache_t) Get_fill(bn int, name string, fill bool) *Bdev_block_t {
	c.Lock()
	if e, ok := c.m[bn]; ok {
		c.lru.MoveToFront(e)
		c.refs[bn]++
		blk := e.Value.(*cacheEnt).blk
		c.Unlock()
		return blk
	}
	c.Unlock()

	blk := MkBlock_newpage(bn, name, c.mem, c.disk, c)
	if fill {
		blk.Read()
	}

	c.Lock()
	defer c.Unlock()
	if e, ok := c.m[bn]; ok {
		// lost a race with a concurrent filler; drop ours, use theirs.
		blk.Free_page()
		c.lru.MoveToFront(e)
		c.refs[bn]++
		return e.Value.(*cacheEnt).blk
	}
	if c.lru.Len() >= c.cap {
		c.evictOneLocked()
	}
	el := c.lru.PushFront(&cacheEnt{blk: blk})
	c.m[bn] = el
	c.refs[bn] = 1
	return blk
}

func (c *Bufcache_t) evictOneLocked() {
	back := c.lru.Back()
	for back != nil {
		bn := back.Value.(*cacheEnt).blk.Block
		if c.refs[bn] == 0 {
			c.evictLocked(bn)
			return
		}
		back = back.Prev()
	}
	// every cached block is pinned; nothing is evicted and the cache
	// grows past cap rather than waiting for a Relse.
}

func (c *Bufcache_t) evictLocked(bn int) {
	e, ok := c.m[bn]
	if !ok {
		return
	}
	blk := e.Value.(*cacheEnt).blk
	blk.EvictDone()
	c.lru.Remove(e)
	delete(c.m, bn)
	delete(c.refs, bn)
}

// Len reports the number of blocks currently cached.
func (c *Bufcache_t) Len() int {
	c.Lock()
	defer c.Unlock()
	return c.lru.Len()
}
