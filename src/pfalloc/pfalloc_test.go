package pfalloc

import (
	"testing"

	"mem"
	"ticks"
)

func TestKallocRecordsOwnerAndTick(t *testing.T) {
	phys := mem.Phys_init(16)
	ticks.Reset()
	ticks.Advance()
	tbl := New(phys, 16)

	pa, ok := tbl.Kalloc(7)
	if !ok {
		t.Fatal("kalloc failed unexpectedly")
	}
	infos := tbl.Snapshot()
	idx := pa >> mem.PGSHIFT
	info := infos[idx]
	if !info.Allocated || info.Pid != 7 || info.Refcnt != 1 || info.StartTick == 0 {
		t.Fatalf("unexpected pf_info: %+v", info)
	}
}

func TestKfreePoisonsAndClearsOnLastRef(t *testing.T) {
	phys := mem.Phys_init(16)
	tbl := New(phys, 16)

	pa, ok := tbl.Kalloc(1)
	if !ok {
		t.Fatal("kalloc failed")
	}
	tbl.Kfree(pa)

	infos := tbl.Snapshot()
	idx := pa >> mem.PGSHIFT
	if infos[idx].Allocated {
		t.Fatal("expected frame record cleared after last-ref free")
	}
	if infos[idx].Refcnt != 0 {
		t.Fatalf("expected refcnt 0 after free, got %d", infos[idx].Refcnt)
	}

	buf := phys.Dmap(pa)
	for i, b := range buf {
		if b != 0x01 {
			t.Fatalf("expected poison byte 0x01 at offset %d, got %x", i, b)
		}
	}
}

func TestKfreeSharedFrameStaysAllocatedUntilLastRef(t *testing.T) {
	phys := mem.Phys_init(16)
	tbl := New(phys, 16)

	pa, _ := tbl.Kalloc(1)
	phys.Refup(pa) // simulate a second PTE sharing this frame (fork/CoW)

	tbl.Kfree(pa)
	infos := tbl.Snapshot()
	idx := pa >> mem.PGSHIFT
	if !infos[idx].Allocated {
		t.Fatal("frame should remain allocated while still referenced")
	}
	if infos[idx].Refcnt != 1 {
		t.Fatalf("expected refcnt 1 after dropping one of two refs, got %d", infos[idx].Refcnt)
	}

	tbl.Kfree(pa)
	infos = tbl.Snapshot()
	if infos[idx].Allocated {
		t.Fatal("frame should be freed once the last ref drops")
	}
}

func TestKfreeOfUnallocatedFramePanics(t *testing.T) {
	phys := mem.Phys_init(16)
	tbl := New(phys, 16)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a frame pf_info never allocated")
		}
	}()
	tbl.Kfree(PA_t(3) << mem.PGSHIFT)
}

func TestKfreeOutOfRangePanics(t *testing.T) {
	phys := mem.Phys_init(4)
	tbl := New(phys, 4)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range frame address")
		}
	}()
	tbl.Kfree(PA_t(100) << mem.PGSHIFT)
}
