package balloc

import (
	"testing"

	"blockio"
	"mem"
)

const testNlog = 4 // logspace = 3, more than Balloc's single zero-block write needs

func harness(t *testing.T, ndata int) (*Alloc_t, *blockio.Bufcache_t, *blockio.Log_t) {
	t.Helper()
	blkLen := (ndata + BPB - 1) / BPB
	if blkLen == 0 {
		blkLen = 1
	}
	bitmapStart := testNlog
	dataStart := bitmapStart + blkLen
	phys := mem.Phys_init(64)
	bm := blockio.PhysBlockmem{Phys: phys}
	disk := blockio.NewMemDisk(dataStart + ndata + 10)
	cache := blockio.MkCache(32, bm, disk)
	log := blockio.MkLog(0, testNlog, disk, bm)
	a := New(bitmapStart, blkLen, dataStart, dataStart+ndata, cache, log, nil)
	a.Load()
	return a, cache, log
}

func TestBallocBfreeRoundtrip(t *testing.T) {
	a, _, log := harness(t, 32)
	log.Begin_op()
	bn, ok := a.Balloc()
	log.End_op()
	if !ok {
		t.Fatal("alloc failed")
	}
	free, total := a.Stats()
	if total != 32 || free != 31 {
		t.Fatalf("free=%d total=%d, want free=31 total=32", free, total)
	}
	a.Bfree(bn)
	free, _ = a.Stats()
	if free != 32 {
		t.Fatalf("free=%d after Bfree, want 32", free)
	}
}

func TestBallocZeroesReusedBlock(t *testing.T) {
	a, cache, log := harness(t, 32)
	log.Begin_op()
	bn, ok := a.Balloc()
	log.End_op()
	if !ok {
		t.Fatal("alloc failed")
	}

	blk := cache.Get_fill(bn, "test-dirty", false)
	for i := range blk.Data {
		blk.Data[i] = 0xAA
	}
	blk.Write()
	blk.Done("test-dirty")
	a.Bfree(bn)

	log.Begin_op()
	bn2, ok := a.Balloc()
	log.End_op()
	if !ok {
		t.Fatal("realloc failed")
	}
	reblk := cache.Get_fill(bn2, "test-check", true)
	for i, b := range reblk.Data {
		if b != 0 {
			t.Fatalf("reused block %d not zeroed at offset %d: got %#x", bn2, i, b)
		}
	}
	reblk.Done("test-check")
}

func TestBallocExhaustion(t *testing.T) {
	a, _, log := harness(t, 2)
	for i := 0; i < 2; i++ {
		log.Begin_op()
		_, ok := a.Balloc()
		log.End_op()
		if !ok {
			t.Fatalf("alloc %d should have succeeded", i)
		}
	}
	log.Begin_op()
	_, ok := a.Balloc()
	log.End_op()
	if ok {
		t.Fatal("expected allocator to be exhausted")
	}
}

func TestBfreeRespectsPin(t *testing.T) {
	blkLen := 1
	bitmapStart := testNlog
	dataStart := bitmapStart + blkLen
	phys := mem.Phys_init(64)
	bm := blockio.PhysBlockmem{Phys: phys}
	disk := blockio.NewMemDisk(dataStart + 32 + 10)
	cache := blockio.MkCache(32, bm, disk)
	log := blockio.MkLog(0, testNlog, disk, bm)
	pinned := func(bn int) bool { return bn == dataStart+5 }
	a := New(bitmapStart, blkLen, dataStart, dataStart+32, cache, log, pinned)
	a.Load()

	a.Bfree(dataStart + 5) // no-op: pinned
	if a.bits.Get(5) {
		t.Fatal("bit should never have been set for an already-free block")
	}
	a.bits.Set(5)
	a.Bfree(dataStart + 5)
	if !a.bits.Get(5) {
		t.Fatal("pinned block must remain marked allocated")
	}
}
