// Package balloc is the free-block bitmap allocator, grounded on the
// bitmap walk in original_source/fs.c (balloc/bfree operate over
// sb.bmapstart..+bmaplen blocks, BPB bits per block) and on bitset's
// packed-byte representation for the in-memory working copy.
package balloc

import (
	"sync"

	"bitset"
	"blockio"
)

// BPB is the number of block-allocation bits held per bitmap block.
const BPB = blockio.BSIZE * 8

// Pinned reports whether a block must not be freed even though its
// inode no longer references it — the hook a snapshot's block-pin map
// (package snapshot) installs, so balloc never needs to import it.
type Pinned func(blockno int) bool

// Unpin clears a block's pin bit, the counterpart hook a live file's
// copy-on-write write path calls once it has duplicated a block away
// from a snapshot, matching original_source/fs.c's smeta.smap[i] &= ~x
// on every cow write (fs.c:823/835/839).
type Unpin func(blockno int)

// Alloc_t is the free-block bitmap allocator for one filesystem image.
type Alloc_t struct {
	sync.Mutex
	bits      *bitset.T
	start     int // first bitmap block on disk
	len       int // bitmap length in blocks
	dataStart int // first allocatable data block
	dataEnd   int // one past the last allocatable data block
	cache     *blockio.Bufcache_t
	log       *blockio.Log_t
	pinned    Pinned
}

// New builds an allocator over the bitmap blocks [start, start+blklen),
// covering data blocks [dataStart, dataEnd), backed by the given block
// cache and transaction log. pinned may be nil (nothing is ever
// pinned). The caller must already be inside a Begin_op/End_op
// bracket before calling Balloc, the same discipline bmap's own
// log.Write calls rely on.
func New(start, blklen, dataStart, dataEnd int, cache *blockio.Bufcache_t, log *blockio.Log_t, pinned Pinned) *Alloc_t {
	if pinned == nil {
		pinned = func(int) bool { return false }
	}
	ndata := dataEnd - dataStart
	return &Alloc_t{
		bits:      bitset.New(ndata),
		start:     start,
		len:       blklen,
		dataStart: dataStart,
		dataEnd:   dataEnd,
		cache:     cache,
		log:       log,
		pinned:    pinned,
	}
}

// Load reads the on-disk bitmap blocks into the in-memory bitset. Must
// be called once after New, before any Balloc/Bfree.
func (a *Alloc_t) Load() {
	a.Lock()
	defer a.Unlock()
	raw := a.bits.Bytes()
	for i := 0; i < a.len && len(raw) > 0; i++ {
		blk := a.cache.Get_fill(a.start+i, "bitmap", true)
		n := copy(raw, blk.Data[:])
		raw = raw[n:]
		blk.Done("bitmap")
	}
}

// flushBit writes back the bitmap block containing bit bn.
func (a *Alloc_t) flushBit(bn int) {
	byteOff := bn / 8
	blkIdx := byteOff / blockio.BSIZE
	blk := a.cache.Get_fill(a.start+blkIdx, "bitmap", true)
	raw := a.bits.Bytes()
	lo := blkIdx * blockio.BSIZE
	hi := lo + blockio.BSIZE
	if hi > len(raw) {
		hi = len(raw)
	}
	copy(blk.Data[:], raw[lo:hi])
	blk.Write()
	blk.Done("bitmap")
}

// Balloc finds and claims one free data block, zeroes it through the
// transaction log, and returns its block number (false if the device
// is full). Grounded on original_source/fs.c:121's bzero(dev, b+bi):
// a reused block that isn't zeroed leaves stale slot pointers behind
// for a later indirect-block read (src/inode/data.go's bmap) or
// directory scan to misinterpret as live data.
func (a *Alloc_t) Balloc() (int, bool) {
	a.Lock()
	defer a.Unlock()
	bit := a.bits.FirstClear(0)
	if bit < 0 {
		return 0, false
	}
	a.bits.Set(bit)
	bn := a.dataStart + bit
	a.flushBit(bit)

	blk := a.cache.Get_fill(bn, "balloc-zero", false)
	for i := range blk.Data {
		blk.Data[i] = 0
	}
	a.log.Write(blk)
	blk.Done("balloc-zero")
	return bn, true
}

// Bfree releases block bn back to the free pool, unless a snapshot has
// pinned it — matching original_source/fs.c's bfree, which checks
// smeta.smap before clearing a block's bit. A pinned block only stays
// pinned until the live file next writes to it: bmap's copy-on-write
// branch (src/inode/data.go) calls the Unpin hook once it has
// duplicated the block away, the same point original_source/fs.c
// clears smeta.smap[i] at (fs.c:823/835/839).
func (a *Alloc_t) Bfree(bn int) {
	if a.pinned(bn) {
		return
	}
	a.Lock()
	defer a.Unlock()
	bit := bn - a.dataStart
	if bit < 0 || bit >= a.dataEnd-a.dataStart {
		panic("balloc: block number out of range")
	}
	if !a.bits.Get(bit) {
		panic("balloc: freeing free block")
	}
	a.bits.Clear(bit)
	a.flushBit(bit)
}

// Stats reports the number of free and total data blocks.
func (a *Alloc_t) Stats() (free, total int) {
	a.Lock()
	defer a.Unlock()
	total = a.dataEnd - a.dataStart
	free = total - a.bits.Count()
	return
}
