package vmas

import (
	"fmt"
	"sync"

	"mem"
	"pfalloc"
	"swmmu"
)

// KernelBase is the virtual address above which soft-TLB materialization
// refuses to heal a fault (a kernel-region PTE in that state is fatal),
// matching original_source/trap.c's KERNBASE comparison. mmu.h/memlayout.h
// were not part of the retrieved original source file set; 0x80000000 is
// the standard xv6 KERNBASE value.
const KernelBase uintptr = 0x80000000

// Machine bundles the physical-frame table, inverted page table, and
// software TLB that Fault coordinates across every process, standing
// in for the process-wide globals (pf_info[], ipt_hash[], tlb)
// spec.md §9 names and asks to be encapsulated rather than left as
// bare globals.
type Machine struct {
	mu       sync.Mutex
	Phys     *mem.Physmem_t
	PF       *pfalloc.Table
	IPT      *swmmu.Table
	Tlb      *swmmu.Tlb_t
	trackers map[int]*Tracker
}

// NewMachine builds a Machine over the given physical-frame table,
// inverted page table, and software TLB.
func NewMachine(phys *mem.Physmem_t, pf *pfalloc.Table, ipt *swmmu.Table, tlb *swmmu.Tlb_t) *Machine {
	return &Machine{Phys: phys, PF: pf, IPT: ipt, Tlb: tlb, trackers: make(map[int]*Tracker)}
}

func (m *Machine) trackerFor(pid int) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[pid]
	if !ok {
		t = NewTracker()
		m.trackers[pid] = t
	}
	return t
}

// DropProcess discards pid's VA tracker and invalidates its TLB
// entries, the fault-side bookkeeping a process exit must perform
// (original_source/swtlb.c's tlbivlt(pid) on exit).
func (m *Machine) DropProcess(pid int) {
	m.mu.Lock()
	delete(m.trackers, pid)
	m.mu.Unlock()
	m.Tlb.TlbIvlt(pid)
}

// Fault is the software page-fault entry point a trap handler would
// call with the faulting address and whether the access was a write,
// implementing the state machine from spec.md §4.8 /
// original_source/trap.c's T_PGFLT case: a CoW fault is resolved
// first, then (on the same fault, unconditionally evaluated after)
// a soft-TLB miss is serviced by materializing temporary presence and
// recording the address in pid's VA tracker. An error return means
// the caller should treat pid as killed — there is no real process
// table here to mark directly.
func (m *Machine) Fault(pid int, pgdir *Pgdir_t, faultVA uintptr, wantWrite bool) error {
	vaPg := pageRound(faultVA)

	pte, ok := pgdir.Vamap(vaPg)
	if !ok {
		return fmt.Errorf("vmas: page fault at %#x: no pte mapped — kill pid %d", vaPg, pid)
	}

	// (a) CoW fault: write to a page still marked PTE_C.
	if wantWrite && (*pte&PTE_C) != 0 {
		pa := PteAddr(*pte)
		refcnt := m.Phys.Refcnt(pa)
		flags := PteFlags(*pte)

		if refcnt > 1 {
			newpa, ok := m.PF.Kalloc(pid)
			if !ok {
				return fmt.Errorf("vmas: cow allocation failed for pid %d at %#x — kill", pid, vaPg)
			}
			copy(m.Phys.Dmap(newpa)[:], m.Phys.Dmap(pa)[:])

			newflags := (flags &^ PTE_C) | mem.PTE_W
			pgdir.Map(vaPg, newpa, newflags)
			m.IPT.IptRemove(vaPg, pa, pid)
			m.IPT.IptInsert(vaPg, newpa, swmmu.Flags_t(newflags), pid)
			m.PF.Kfree(pa)

			pa = newpa
			flags = newflags
		}

		flags &^= PTE_C
		flags |= mem.PTE_W
		pgdir.ModifyFlags(vaPg, pa, flags)
		// The original reloads the page-directory register here to flush
		// the hardware TLB. Pgdir_t has no hardware TLB caching its
		// entries, so nothing is flushed; the software TLB is left intact.

		pte, _ = pgdir.Vamap(vaPg)
	}

	// (b) soft-TLB materialization: PTE exists but neither tracked nor
	// present yet.
	if (*pte & (PTE_T | mem.PTE_P)) == 0 {
		if vaPg >= KernelBase {
			return fmt.Errorf("vmas: kernel-region soft-tlb miss at %#x — kill pid %d", vaPg, pid)
		}
		flags := PteFlags(*pte)
		flags |= PTE_T | mem.PTE_U
		pgdir.ModifyFlags(vaPg, PteAddr(*pte), flags)
		pte, _ = pgdir.Vamap(vaPg)
	}

	// Promote a tracked-but-not-present page to temporarily present,
	// consulting (and refreshing on mismatch) the soft-TLB.
	if (*pte&mem.PTE_P) == 0 && (*pte&PTE_T) != 0 {
		pa := PteAddr(*pte)
		flags := PteFlags(*pte)

		if rpa, _, hit := m.Tlb.TlbLookup(pid, vaPg); hit {
			if rpa != pa {
				m.Tlb.TlbAlloc(pid, vaPg, pa, swmmu.Flags_t(flags))
			}
		} else {
			m.Tlb.TlbAlloc(pid, vaPg, pa, swmmu.Flags_t(flags))
		}

		m.trackerFor(pid).TrackVa(pgdir, vaPg)

		flags &^= PTE_T
		flags |= mem.PTE_P
		pgdir.ModifyFlags(vaPg, pa, flags)
	}

	return nil
}
