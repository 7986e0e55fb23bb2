package blockio

import (
	"testing"

	"mem"
)

func newHarness(t *testing.T, npages, nblocks int) (*Bufcache_t, *MemDisk) {
	t.Helper()
	phys := mem.Phys_init(npages)
	bm := PhysBlockmem{Phys: phys}
	disk := NewMemDisk(nblocks)
	return MkCache(npages, bm, disk), disk
}

func TestCacheReadWriteRoundtrip(t *testing.T) {
	c, _ := newHarness(t, 32, 16)
	blk := c.Get_fill(3, "test", false)
	blk.Data[0] = 0x42
	blk.Write()
	blk.Done("test")

	blk2 := c.Get_fill(3, "test", true)
	if blk2.Data[0] != 0x42 {
		t.Fatalf("got %x, want 0x42", blk2.Data[0])
	}
	blk2.Done("test")
}

func TestCacheEvictsOnRelease(t *testing.T) {
	c, _ := newHarness(t, 32, 16)
	blk := c.Get_fill(1, "test", false)
	blk.Tryevict()
	blk.Done("test")
	if c.Len() != 0 {
		t.Fatalf("expected block to be evicted, cache len = %d", c.Len())
	}
}

func TestSuperblockRoundtrip(t *testing.T) {
	sb := &Superblock_t{
		Size: 1000, Nlog: 30, Logstart: 2, Inodestart: 32,
		Ninodes: 200, Bmapstart: 70, Bmaplen: 1, SnapMetaBlock: 71, Root: 1,
	}
	buf := sb.Bytes()
	got, err := ParseSuperblock(buf)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *sb {
		t.Fatalf("got %+v, want %+v", got, sb)
	}
}

func TestLogCommitInstallsToHomeBlocks(t *testing.T) {
	phys := mem.Phys_init(64)
	bm := PhysBlockmem{Phys: phys}
	disk := NewMemDisk(32)
	log := MkLog(2, 10, disk, bm)

	log.Begin_op()
	blk := MkBlock_newpage(20, "data", bm, disk, nil)
	blk.Data[0] = 0x11
	log.Write(blk)
	blk.Free_page()
	log.End_op()

	check := MkBlock_newpage(20, "check", bm, disk, nil)
	check.Read()
	if check.Data[0] != 0x11 {
		t.Fatalf("home block not updated after commit, got %x", check.Data[0])
	}
	check.Free_page()
}

func TestLogRecoverReplaysCommittedHeader(t *testing.T) {
	phys := mem.Phys_init(64)
	bm := PhysBlockmem{Phys: phys}
	disk := NewMemDisk(32)

	// simulate a crash right after the header was written: write the
	// header and log data block by hand, skipping the install step.
	hdr := MkBlock_newpage(2, "hdr", bm, disk, nil)
	hdr.Data[0] = 1
	hdr.Data[4] = 25 // home block number 25, little-endian
	hdr.Write()
	hdr.Free_page()

	logdata := MkBlock_newpage(3, "logdata", bm, disk, nil)
	logdata.Data[0] = 0x99
	logdata.Write()
	logdata.Free_page()

	log := MkLog(2, 10, disk, bm)
	log.Recover()

	check := MkBlock_newpage(25, "check", bm, disk, nil)
	check.Read()
	if check.Data[0] != 0x99 {
		t.Fatalf("recovery did not install logged block, got %x", check.Data[0])
	}
	check.Free_page()
}
