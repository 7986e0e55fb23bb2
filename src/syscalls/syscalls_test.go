package syscalls

import (
	"testing"

	"balloc"
	"blockio"
	"inode"
	"mem"
	"pfalloc"
	"procshim"
	"snapshot"
	"swmmu"
	"ustr"
	"vmas"
)

func TestHelloNumberDoublesInput(t *testing.T) {
	if got := HelloNumber(21); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestVtopTranslatesAndFoldsSoftTlbFlag(t *testing.T) {
	pgdir := vmas.NewPgdir()
	pgdir.Map(0x4000, mem.Pa_t(0x7000), vmas.Pte_t(mem.PTE_U)|vmas.PTE_T)

	pa, flags, ret, err := Vtop(pgdir, 0x4010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ret <= 0 {
		t.Fatalf("expected a positive ret, got %d", ret)
	}
	if pa != mem.Pa_t(0x7010) {
		t.Fatalf("expected offset preserved, got %#x", pa)
	}
	if flags&vmas.PTE_T != 0 {
		t.Fatal("expected PTE_T folded away")
	}
	if flags&mem.PTE_P == 0 {
		t.Fatal("expected PTE_P substituted in for PTE_T")
	}
}

func TestVtopMissingPteReturnsError(t *testing.T) {
	pgdir := vmas.NewPgdir()
	if _, _, ret, err := Vtop(pgdir, 0x9000); err == nil || ret != -1 {
		t.Fatalf("expected -1/err for an unmapped va, got ret=%d err=%v", ret, err)
	}
}

func TestPhys2VirtMasksFlagsAndFoldsSoftTlb(t *testing.T) {
	tlb := swmmu.NewTlb()
	ipt := swmmu.NewTable(nil, tlb)
	ipt.IptInsert(0x1000, mem.Pa_t(0x2000), swmmu.Flags_t(mem.PTE_U)|vmas.PTE_T, 7)

	out := Phys2Virt(ipt, mem.Pa_t(0x2000), 4)
	if len(out) != 1 {
		t.Fatalf("expected one mapping, got %d", len(out))
	}
	m := out[0]
	if m.Pid != 7 || m.Va != 0x1000 {
		t.Fatalf("unexpected mapping: %+v", m)
	}
	if m.Flags&vmas.PTE_T != 0 {
		t.Fatal("expected PTE_T folded away")
	}
	if m.Flags > 0x1F {
		t.Fatalf("expected flags masked to 5 bits, got %#x", m.Flags)
	}
}

func TestTlbInfoPassesThroughCounters(t *testing.T) {
	tlb := swmmu.NewTlb()
	tlb.TlbLookup(1, 0x1000) // one miss
	hits, misses := TlbInfo(tlb)
	if hits != 0 || misses != 1 {
		t.Fatalf("expected hits=0 misses=1, got hits=%d misses=%d", hits, misses)
	}
}

func TestDumpPhysmemInfoRejectsNonPositiveMax(t *testing.T) {
	phys := mem.Phys_init(4)
	pf := pfalloc.New(phys, 4)
	if _, err := DumpPhysmemInfo(pf, 0); err == nil {
		t.Fatal("expected an error for max_entries <= 0")
	}
}

func TestDumpPhysmemInfoTruncatesToMax(t *testing.T) {
	phys := mem.Phys_init(4)
	pf := pfalloc.New(phys, 4)
	infos, err := DumpPhysmemInfo(pf, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected truncation to 2 entries, got %d", len(infos))
	}
}

func TestGetProcinfoMissingPidErrors(t *testing.T) {
	procs := procshim.NewTable()
	if _, err := GetProcinfo(procs, 99); err == nil {
		t.Fatal("expected an error for an unregistered pid")
	}
}

func TestGetProcinfoReturnsRegisteredProcess(t *testing.T) {
	procs := procshim.NewTable()
	procs.Add(procshim.New(5, 1, "leaf"))
	info, err := GetProcinfo(procs, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Pid != 5 || info.Ppid != 1 || info.Name != "leaf" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

// kernelHarness builds a minimal snapshot.Engine over an in-memory
// disk, the same shape as snapshot's own test harness, so
// Kernel.SnapshotCreate/Rollback/Delete can be exercised at the
// syscall-translation layer.
type kernelHarness struct {
	ic   *inode.Icache
	log  *blockio.Log_t
	eng  *snapshot.Engine
	root *inode.Inode_t
}

func newKernelHarness(t *testing.T, ninodes, ndata int) *kernelHarness {
	t.Helper()
	const inodeStart = 10
	inodeBlocks := (ninodes + inode.IPB - 1) / inode.IPB
	bitmapStart := inodeStart + inodeBlocks
	bitmapLen := (ndata + balloc.BPB - 1) / balloc.BPB
	if bitmapLen == 0 {
		bitmapLen = 1
	}
	dataStart := bitmapStart + bitmapLen
	metaStart := dataStart + ndata

	phys := mem.Phys_init(256)
	bm := blockio.PhysBlockmem{Phys: phys}
	disk := blockio.NewMemDisk(metaStart + 1 + 10)
	cache := blockio.MkCache(128, bm, disk)
	log := blockio.MkLog(2, 6, disk, bm)

	h := &kernelHarness{log: log}
	var eng *snapshot.Engine
	pinned := func(bn int) bool {
		if eng == nil {
			return false
		}
		return eng.Pinned(bn)
	}
	unpin := func(bn int) {
		if eng != nil {
			eng.Unpin(bn)
		}
	}
	alloc := balloc.New(bitmapStart, bitmapLen, dataStart, dataStart+ndata, cache, log, pinned)
	alloc.Load()
	h.ic = inode.New(inodeStart, ninodes, cache, alloc, log, pinned, unpin)

	eng = snapshot.New(h.ic, alloc, log, cache, metaStart, 1, ndata)
	h.eng = eng

	h.log.Begin_op()
	root, err := h.ic.Ialloc(inode.T_DIR)
	if err != 0 {
		t.Fatalf("ialloc root: %d", err)
	}
	h.ic.Ilock(root)
	root.Nlink = 1
	h.ic.Iupdate(root)
	root.Iunlock()
	h.log.End_op()
	h.root = root

	return h
}

func (h *kernelHarness) mkfile(t *testing.T, name string) {
	t.Helper()
	h.log.Begin_op()
	h.ic.Ilock(h.root)
	child, err := h.ic.Create(h.root, ustr.Ustr(name), inode.T_FILE, 0, 0)
	if err != 0 {
		h.root.Iunlock()
		h.log.End_op()
		t.Fatalf("create %q: %d", name, err)
	}
	child.Iunlock()
	h.ic.Iput(child)
	h.root.Iunlock()
	h.log.End_op()
}

func TestKernelSnapshotCreateSucceeds(t *testing.T) {
	h := newKernelHarness(t, 32, 64)
	h.mkfile(t, "hello")

	k := &Kernel{Snap: h.eng}
	id, err := k.SnapshotCreate(h.root)
	if err != nil || id < 0 {
		t.Fatalf("expected a successful snapshot, got id=%d err=%v", id, err)
	}
}

func TestKernelSnapshotCreateReturnsCapacitySentinel(t *testing.T) {
	h := newKernelHarness(t, 4, 64)
	h.mkfile(t, "a")
	h.mkfile(t, "b")

	k := &Kernel{Snap: h.eng}
	id, err := k.SnapshotCreate(h.root)
	if id != -2 || err == nil {
		t.Fatalf("expected -2/err for exhausted inodes, got id=%d err=%v", id, err)
	}
}

func TestKernelSnapshotDeleteFailsOnUnknownId(t *testing.T) {
	h := newKernelHarness(t, 32, 64)
	k := &Kernel{Snap: h.eng}
	ret, err := k.SnapshotDelete(h.root, 999)
	if ret != -1 || err == nil {
		t.Fatalf("expected -1/err for an unknown snapshot id, got ret=%d err=%v", ret, err)
	}
}
