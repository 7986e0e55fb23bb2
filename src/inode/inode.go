// Package inode implements the on-disk inode format and the in-memory
// inode cache for a copy-on-write filesystem, grounded on
// original_source/fs.c (dinode layout, bmap's direct+single-indirect
// addressing, dirlookup/dirlink/dirnext, the two-lock icache/inode
// discipline implied by iget/ilock/iput) and on biscuit's style of
// exposing filesystem internals as plain Go methods instead of the
// original's static C functions.
package inode

import (
	"encoding/binary"
	"sync"

	"balloc"
	"blockio"
	"defs"
	"stat"
)

// On-disk geometry constants. fs.h in original_source/ was not part of
// the retrieved file set, but NDIRECT/NINDIRECT/DIRSIZ are the standard
// xv6 values implied throughout fs.c's use of ip.addrs[NDIRECT] as a
// single indirect block and DIRSIZ-bounded dirent names.
const (
	NDIRECT  = 12
	NINDIRECT = blockio.BSIZE / 4
	MAXFILE  = NDIRECT + NINDIRECT
	DIRSIZ   = 14
	IPB      = blockio.BSIZE / dinodeSize
)

// Inode types, matching the original's T_DIR/T_FILE/T_DEV.
const (
	T_FREE = 0
	T_DIR  = 1
	T_FILE = 2
	T_DEV  = 3
)

const dinodeSize = 64 // type,major,minor,nlink,size + NDIRECT+1 block ptrs, padded

// Dinode_t is the on-disk inode layout.
type Dinode_t struct {
	Typ   int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

func (d *Dinode_t) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], uint16(d.Typ))
	binary.LittleEndian.PutUint16(buf[2:], uint16(d.Major))
	binary.LittleEndian.PutUint16(buf[4:], uint16(d.Minor))
	binary.LittleEndian.PutUint16(buf[6:], uint16(d.Nlink))
	binary.LittleEndian.PutUint32(buf[8:], d.Size)
	for i, a := range d.Addrs {
		binary.LittleEndian.PutUint32(buf[12+i*4:], a)
	}
}

func (d *Dinode_t) unmarshal(buf []byte) {
	d.Typ = int16(binary.LittleEndian.Uint16(buf[0:]))
	d.Major = int16(binary.LittleEndian.Uint16(buf[2:]))
	d.Minor = int16(binary.LittleEndian.Uint16(buf[4:]))
	d.Nlink = int16(binary.LittleEndian.Uint16(buf[6:]))
	d.Size = binary.LittleEndian.Uint32(buf[8:])
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[12+i*4:])
	}
}

// Dirent_t is one fixed-size directory entry: an inode number plus a
// DIRSIZ-byte name field (not necessarily NUL-terminated if the name
// fills it exactly).
type Dirent_t struct {
	Inum uint16
	Name [DIRSIZ]byte
}

const direntSize = 2 + DIRSIZ

func (de *Dirent_t) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], de.Inum)
	copy(buf[2:2+DIRSIZ], de.Name[:])
}

func (de *Dirent_t) unmarshal(buf []byte) {
	de.Inum = binary.LittleEndian.Uint16(buf[0:])
	copy(de.Name[:], buf[2:2+DIRSIZ])
}

// Inode_t is the in-memory representation of an inode. Two distinct
// locks guard it, deliberately not collapsed into one: Icache.mu (a
// cache-wide lock, standing in for the original's per-bucket
// spinlock) guards identity and Ref; Inode_t.body guards every field
// that reflects on-disk content. A caller can hold a reference (found
// via the cache) to an inode without blocking on its body lock, the
// way iget/ilock are split in the original.
type Inode_t struct {
	body sync.Mutex // guards everything below once locked via Ilock

	Inum  int
	Ref   int // protected by Icache.mu, not body
	Valid bool

	Dinode_t
}

// Icache is the in-memory inode cache plus the on-disk structures it
// mediates access to (the inode table blocks, the block allocator, and
// the block cache they're both read through).
type Icache struct {
	mu    sync.Mutex // guards the identity map and Ref fields
	table map[int]*Inode_t

	inodeStart int
	ninodes    int
	cache      *blockio.Bufcache_t
	alloc      *balloc.Alloc_t
	log        *blockio.Log_t
	pinned     balloc.Pinned // same hook balloc uses: is block bn copy-on-write protected?
	unpin      balloc.Unpin  // called once a cow write has duplicated a pinned block away
}

// New builds an inode cache over an inode table starting at inodeStart
// with ninodes slots.
func New(inodeStart, ninodes int, cache *blockio.Bufcache_t, alloc *balloc.Alloc_t, log *blockio.Log_t, pinned balloc.Pinned, unpin balloc.Unpin) *Icache {
	if pinned == nil {
		pinned = func(int) bool { return false }
	}
	if unpin == nil {
		unpin = func(int) {}
	}
	return &Icache{
		table:      make(map[int]*Inode_t),
		inodeStart: inodeStart,
		ninodes:    ninodes,
		cache:      cache,
		alloc:      alloc,
		log:        log,
		pinned:     pinned,
		unpin:      unpin,
	}
}

func (ic *Icache) iblock(inum int) int {
	return ic.inodeStart + inum/IPB
}

// Iget returns the in-memory inode for inum, incrementing its
// reference count. The caller must Ilock it before reading body
// fields.
func (ic *Icache) Iget(inum int) *Inode_t {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ip, ok := ic.table[inum]; ok {
		ip.Ref++
		return ip
	}
	ip := &Inode_t{Inum: inum, Ref: 1}
	ic.table[inum] = ip
	return ip
}

// Iget_safe is Iget's null-returning counterpart, grounded on
// original_source/fs.c's iget/iget_safe pair: the original's icache is
// a fixed NINODE-sized array, so iget panics ("iget: no inodes") when
// every slot is in use while iget_safe returns 0 for callers (pathname
// lookup in particular) that must not panic on an attacker-influenced
// path. This cache is an unbounded map rather than a fixed array, so
// that exhaustion can never happen here; Iget_safe always succeeds,
// but keeps the two-return-value shape callers ported from the
// original would expect.
func (ic *Icache) Iget_safe(inum int) (*Inode_t, bool) {
	return ic.Iget(inum), true
}

// Idup bumps ip's reference count without going through the cache
// lookup path, used when a caller is about to hand ip to code (like
// Namex) that will eventually Iput it once on its own.
func (ic *Icache) Idup(ip *Inode_t) *Inode_t {
	ic.mu.Lock()
	ip.Ref++
	ic.mu.Unlock()
	return ip
}

// Ilock locks ip's body and loads it from disk on first use.
func (ic *Icache) Ilock(ip *Inode_t) {
	ip.body.Lock()
	if ip.Valid {
		return
	}
	blk := ic.cache.Get_fill(ic.iblock(ip.Inum), "inode", true)
	off := (ip.Inum % IPB) * dinodeSize
	ip.Dinode_t.unmarshal(blk.Data[off : off+dinodeSize])
	blk.Done("inode")
	if ip.Typ == T_FREE {
		panic("inode: ilock of unallocated inode")
	}
	ip.Valid = true
}

// Iunlock releases ip's body lock.
func (ip *Inode_t) Iunlock() {
	ip.body.Unlock()
}

// Iupdate writes ip's in-memory fields back to its disk inode block
// within the current transaction. Caller must hold ip locked and must
// be inside a Begin_op/End_op bracket.
func (ic *Icache) Iupdate(ip *Inode_t) {
	blk := ic.cache.Get_fill(ic.iblock(ip.Inum), "inode", true)
	off := (ip.Inum % IPB) * dinodeSize
	ip.Dinode_t.marshal(blk.Data[off : off+dinodeSize])
	ic.log.Write(blk)
	blk.Done("inode")
}

// Iput drops a reference to ip, freeing it (and its data) on disk when
// the link count and reference count have both reached zero.
func (ic *Icache) Iput(ip *Inode_t) {
	ic.mu.Lock()
	if ip.Ref == 1 {
		ic.Ilock(ip)
		ic.mu.Unlock()
		if ip.Valid && ip.Nlink == 0 {
			ic.itrunc(ip)
			ip.Typ = T_FREE
			ic.Iupdate(ip)
		}
		ip.Iunlock()
		ic.mu.Lock()
	}
	ip.Ref--
	if ip.Ref == 0 {
		delete(ic.table, ip.Inum)
	}
	ic.mu.Unlock()
}

// Ialloc claims a free inode slot of the given type inside the current
// transaction.
func (ic *Icache) Ialloc(typ int16) (*Inode_t, defs.Err_t) {
	for inum := 1; inum < ic.ninodes; inum++ {
		blk := ic.cache.Get_fill(ic.iblock(inum), "inode", true)
		off := (inum % IPB) * dinodeSize
		var d Dinode_t
		d.unmarshal(blk.Data[off : off+dinodeSize])
		if d.Typ == T_FREE {
			d = Dinode_t{Typ: typ}
			d.marshal(blk.Data[off : off+dinodeSize])
			ic.log.Write(blk)
			blk.Done("inode")
			return ic.Iget(inum), 0
		}
		blk.Done("inode")
	}
	return nil, defs.ENOSPC
}

// Ninodes reports the total number of inode slots the table was built
// with, the denominator snapshot.Engine's capacity check divides
// against (spec.md §4.4.2/§4.4.4's "ninodes").
func (ic *Icache) Ninodes() int {
	return ic.ninodes
}

// AllocatedCount scans every on-disk inode slot and counts those with
// a non-free type, the numerator snapshot.Engine's capacity check
// needs alongside icount(root) before create/rollback proceed.
func (ic *Icache) AllocatedCount() int {
	n := 0
	for inum := 1; inum < ic.ninodes; inum++ {
		blk := ic.cache.Get_fill(ic.iblock(inum), "inode", true)
		off := (inum % IPB) * dinodeSize
		var d Dinode_t
		d.unmarshal(blk.Data[off : off+dinodeSize])
		blk.Done("inode")
		if d.Typ != T_FREE {
			n++
		}
	}
	return n
}

// Stat fills st with ip's metadata. Caller must hold ip locked.
func (ip *Inode_t) Stat(st *stat.Stat_t) {
	st.Wmode(uint(ip.Typ))
	st.Wsize(uint(ip.Size))
	st.Wnlink(uint(ip.Nlink))
	st.Wino(uint(ip.Inum))
}
