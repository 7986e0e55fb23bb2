// Package ident implements a small fixed-bucket-count hash table mapping
// path-component names to inode numbers. It is grounded on biscuit's
// hashtable package (fnv-32a hashing of keys, per-bucket sync.RWMutex,
// singly-linked chains) but specialized to the one key/value shape the
// snapshot directory walker needs (ustr.Ustr -> inum), since spec.md's
// IPT bucket shape (pid/va/flags tuples keyed by frame number) is
// different enough to warrant its own chain type in package swmmu rather
// than reusing this one generically.
package ident

import (
	"hash/fnv"
	"sync"

	"ustr"
)

type entry struct {
	key  ustr.Ustr
	inum int
	next *entry
}

type bucket struct {
	sync.RWMutex
	first *entry
}

// Cache maps directory-entry names to inode numbers, used by the
// snapshot tree walker (package snapshot) to avoid re-scanning a
// directory's dirents for every child it mirrors.
type Cache struct {
	buckets []*bucket
}

// New allocates a Cache with the given number of buckets.
func New(nbuckets int) *Cache {
	c := &Cache{buckets: make([]*bucket, nbuckets)}
	for i := range c.buckets {
		c.buckets[i] = &bucket{}
	}
	return c
}

func hash(s ustr.Ustr) uint32 {
	h := fnv.New32a()
	h.Write(s)
	return h.Sum32()
}

func (c *Cache) bucketFor(s ustr.Ustr) *bucket {
	return c.buckets[hash(s)%uint32(len(c.buckets))]
}

// Get returns the inode number recorded for name, if any.
func (c *Cache) Get(name ustr.Ustr) (int, bool) {
	b := c.bucketFor(name)
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.key.Eq(name) {
			return e.inum, true
		}
	}
	return 0, false
}

// Set records name -> inum, overwriting any previous mapping.
func (c *Cache) Set(name ustr.Ustr, inum int) {
	b := c.bucketFor(name)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key.Eq(name) {
			e.inum = inum
			return
		}
	}
	b.first = &entry{key: name, inum: inum, next: b.first}
}

// Del removes name from the cache, if present.
func (c *Cache) Del(name ustr.Ustr) {
	b := c.bucketFor(name)
	b.Lock()
	defer b.Unlock()
	var prev *entry
	for e := b.first; e != nil; e = e.next {
		if e.key.Eq(name) {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}
