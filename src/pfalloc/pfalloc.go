// Package pfalloc implements the per-frame bookkeeping table (pf_info)
// layered over package mem's raw page arena, grounded on spec.md
// §3/§4.5's kalloc/kfree and on mem.Physmem_t's own Refup/Refdown
// doc comment, which already names pfalloc as one of its three
// consumers (block cache, process frames, IPT slab pool).
package pfalloc

import (
	"sync"

	"mem"
	"ticks"
)

// PA_t is the physical frame address type pf_info records are indexed
// by, re-exported from package mem rather than redefined.
type PA_t = mem.Pa_t

// Info mirrors spec.md §3's pf_info record: frame_index, allocated,
// owning pid (-1 if unowned), start_tick, refcnt. Refcnt is always
// read live from package mem rather than duplicated here, since
// mem.Physmem_t is the single source of truth for reference counts.
type Info struct {
	FrameIndex uint32
	Allocated  bool
	Pid        int32
	StartTick  int64
	Refcnt     int32
}

// Table is the pf_info[PFNNUM] array guarded by pflock, sitting above
// a mem.Physmem_t frame arena in the lock hierarchy spec.md §5 names
// (pflock nests below block-cache locks, above kmem.lock — kmem.lock
// is package mem's own internal mutex, acquired only inside its own
// short alloc/free critical sections, never while Table.mu is held).
type Table struct {
	mu    sync.Mutex
	phys  *mem.Physmem_t
	infos []Info
}

// New builds a pf_info table annotating phys's frame arena, sized to
// match its page count.
func New(phys *mem.Physmem_t, npages int) *Table {
	infos := make([]Info, npages)
	for i := range infos {
		infos[i].FrameIndex = uint32(i)
		infos[i].Pid = -1
	}
	return &Table{phys: phys, infos: infos}
}

func (t *Table) index(pa PA_t) uint32 {
	if pa&mem.PGOFFSET != 0 {
		panic("pfalloc: frame address not page-aligned")
	}
	idx := uint32(pa >> mem.PGSHIFT)
	if int(idx) >= len(t.infos) {
		panic("pfalloc: frame index out of range")
	}
	return idx
}

// Kalloc allocates a fresh, zeroed frame and records its owner and
// allocation tick. storePid is the owning process id, or -1 for an
// unowned/kernel frame. Returns ok=false on OOM, matching kalloc's
// "returns zero" contract (spec.md §4.5) rather than panicking — OOM
// here is routine (a full page table or a failed CoW duplication),
// not a kernel invariant violation.
func (t *Table) Kalloc(storePid int) (PA_t, bool) {
	_, pa, ok := t.phys.Refpg_new()
	if !ok {
		return 0, false
	}
	idx := t.index(pa)
	t.mu.Lock()
	t.infos[idx] = Info{
		FrameIndex: idx,
		Allocated:  true,
		Pid:        int32(storePid),
		StartTick:  ticks.Now(),
	}
	t.mu.Unlock()
	return pa, true
}

// Kfree decrements pa's reference count. When it reaches zero the
// frame is poisoned (filled with 0x01, matching kfree's poison-fill)
// and its pf_info record cleared; until then the frame stays recorded
// as allocated, shared by whatever other mappings still hold it.
// Freeing a frame that pf_info does not show as allocated, or an
// out-of-range/misaligned address, is a fatal invariant violation —
// the out-of-range/alignment check happens in index(); an actual
// double-free past that point is caught by mem.Physmem_t.Refdown's
// own below-zero panic, since that is the one place the decrement is
// atomic with the read that would otherwise race a concurrent free.
func (t *Table) Kfree(pa PA_t) {
	idx := t.index(pa)
	t.mu.Lock()
	if !t.infos[idx].Allocated {
		t.mu.Unlock()
		panic("pfalloc: kfree of frame pf_info does not show allocated")
	}
	t.mu.Unlock()

	if !t.phys.Refdown(pa) {
		return
	}
	buf := t.phys.Dmap(pa)
	for i := range buf {
		buf[i] = 0x01
	}
	t.mu.Lock()
	t.infos[idx] = Info{FrameIndex: idx, Pid: -1}
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of every pf_info record, used
// by the dump_physmem_info syscall surface. Refcnt is filled in from
// package mem at snapshot time rather than tracked independently.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	infos := make([]Info, len(t.infos))
	copy(infos, t.infos)
	t.mu.Unlock()

	for i := range infos {
		pa := PA_t(uint32(i)) << mem.PGSHIFT
		infos[i].Refcnt = int32(t.phys.Refcnt(pa))
	}
	return infos
}

// Npages reports the size of the frame table.
func (t *Table) Npages() int {
	return len(t.infos)
}
