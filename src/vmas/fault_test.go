package vmas

import (
	"testing"

	"mem"
	"pfalloc"
	"swmmu"
)

func newMachine(npages int) (*Machine, *mem.Physmem_t) {
	phys := mem.Phys_init(npages)
	pf := pfalloc.New(phys, npages)
	tlb := swmmu.NewTlb()
	ipt := swmmu.NewTable(phys, tlb)
	return NewMachine(phys, pf, ipt, tlb), phys
}

func TestFaultHealsSoftTlbMiss(t *testing.T) {
	m, phys := newMachine(8)
	pgdir := NewPgdir()

	pa, ok := m.PF.Kalloc(1)
	if !ok {
		t.Fatal("kalloc failed")
	}
	pgdir.Map(0x1000, pa, Pte_t(mem.PTE_U))

	if err := m.Fault(1, pgdir, 0x1000, false); err != nil {
		t.Fatalf("unexpected fault error: %v", err)
	}

	pte, ok := pgdir.Vamap(0x1000)
	if !ok {
		t.Fatal("pte vanished")
	}
	if *pte&mem.PTE_P == 0 {
		t.Fatal("expected page to be granted present")
	}
	if *pte&PTE_T != 0 {
		t.Fatal("expected PTE_T cleared once present")
	}

	if _, _, hit := m.Tlb.TlbLookup(1, 0x1000); !hit {
		t.Fatal("expected tlb entry installed by fault")
	}
	_ = phys
}

func TestFaultTracksHealedPageForLaterDemotion(t *testing.T) {
	m, _ := newMachine(8)
	pgdir := NewPgdir()
	pa, _ := m.PF.Kalloc(1)
	pgdir.Map(0x2000, pa, Pte_t(mem.PTE_U))

	if err := m.Fault(1, pgdir, 0x2000, false); err != nil {
		t.Fatalf("unexpected fault error: %v", err)
	}

	tr := m.trackerFor(1)
	tr.DropTrackers(pgdir)

	pte, _ := pgdir.Vamap(0x2000)
	if *pte&mem.PTE_P != 0 {
		t.Fatal("expected demotion to clear PTE_P")
	}
	if *pte&PTE_T == 0 {
		t.Fatal("expected demotion to set PTE_T")
	}
}

func TestFaultCowDuplicatesFrameWhenSharedAndDropsOldRefcnt(t *testing.T) {
	m, phys := newMachine(8)
	pgdir := NewPgdir()

	pa, _ := m.PF.Kalloc(-1)
	phys.Refup(pa) // simulate a second sharer (e.g. a forked child)
	pgdir.Map(0x3000, pa, Pte_t(mem.PTE_U)|PTE_C)
	m.IPT.IptInsert(0x3000, pa, swmmu.Flags_t(mem.PTE_U)|swmmu.Flags_t(PTE_C), 1)

	if err := m.Fault(1, pgdir, 0x3000, true); err != nil {
		t.Fatalf("unexpected fault error: %v", err)
	}

	pte, _ := pgdir.Vamap(0x3000)
	newpa := PteAddr(*pte)
	if newpa == pa {
		t.Fatal("expected cow to allocate a distinct frame when shared")
	}
	if *pte&PTE_C != 0 {
		t.Fatal("expected PTE_C cleared after cow")
	}
	if *pte&mem.PTE_W == 0 {
		t.Fatal("expected PTE_W granted after cow")
	}
	if got := phys.Refcnt(pa); got != 1 {
		t.Fatalf("expected old frame refcnt decremented to 1, got %d", got)
	}

	maps := m.IPT.Phys2Virt(newpa, 4)
	if len(maps) != 1 || maps[0].Pid != 1 || maps[0].Va != 0x3000 {
		t.Fatalf("expected ipt to record the new mapping, got %+v", maps)
	}
	if old := m.IPT.Phys2Virt(pa, 4); len(old) != 0 {
		t.Fatalf("expected ipt to have dropped the old mapping, got %+v", old)
	}
}

func TestFaultCowReusesFrameWhenLastSharer(t *testing.T) {
	m, phys := newMachine(8)
	pgdir := NewPgdir()

	pa, _ := m.PF.Kalloc(-1)
	pgdir.Map(0x4000, pa, Pte_t(mem.PTE_U)|PTE_C)

	if err := m.Fault(1, pgdir, 0x4000, true); err != nil {
		t.Fatalf("unexpected fault error: %v", err)
	}

	pte, _ := pgdir.Vamap(0x4000)
	if PteAddr(*pte) != pa {
		t.Fatal("expected the sole sharer to keep its own frame")
	}
	if *pte&PTE_C != 0 {
		t.Fatal("expected PTE_C cleared")
	}
	if *pte&mem.PTE_W == 0 {
		t.Fatal("expected PTE_W granted")
	}
	if got := phys.Refcnt(pa); got != 1 {
		t.Fatalf("expected refcnt to remain 1, got %d", got)
	}
}

func TestFaultMissingPteIsFatal(t *testing.T) {
	m, _ := newMachine(4)
	pgdir := NewPgdir()

	if err := m.Fault(1, pgdir, 0x5000, false); err == nil {
		t.Fatal("expected an error for a fault with no pte mapped")
	}
}

func TestFaultInKernelRegionWithoutSoftTlbStateIsFatal(t *testing.T) {
	m, _ := newMachine(4)
	pgdir := NewPgdir()
	pa, _ := m.PF.Kalloc(-1)
	pgdir.Map(KernelBase+0x1000, pa, Pte_t(mem.PTE_W))

	if err := m.Fault(1, pgdir, KernelBase+0x1000, false); err == nil {
		t.Fatal("expected a kernel-region soft-tlb miss to be fatal")
	}
}

func TestFaultDropProcessInvalidatesTlbAndTracker(t *testing.T) {
	m, _ := newMachine(8)
	pgdir := NewPgdir()
	pa, _ := m.PF.Kalloc(1)
	pgdir.Map(0x6000, pa, Pte_t(mem.PTE_U))
	if err := m.Fault(1, pgdir, 0x6000, false); err != nil {
		t.Fatalf("unexpected fault error: %v", err)
	}

	m.DropProcess(1)

	if _, _, hit := m.Tlb.TlbLookup(1, 0x6000); hit {
		t.Fatal("expected tlb entries invalidated after DropProcess")
	}
}
