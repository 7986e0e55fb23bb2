// Package mem is the physical-page allocator underlying everything else
// in the kernel core: block cache buffers, process frames, and the IPT's
// own slab pool all come from here. It is grounded on biscuit's mem
// package (Physmem_t, Pa_t, Refup/Refdown, Dmap), simplified to a single
// global freelist — biscuit's per-CPU freelist sharding exists to avoid
// lock contention across real hardware cores; SMP IPT sharding is an
// explicit non-goal of this core (spec.md §1), and there is no real
// per-CPU scheduler here to shard against, so one sync.Mutex-guarded
// freelist is the faithful-enough simplification (see DESIGN.md).
package mem

import (
	"sync"
	"sync/atomic"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET Pa_t = Pa_t(PGSIZE - 1)

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// Architectural low-order PTE flag bits, shared by packages vmas and
// swmmu. The high-order bits (PTE_C, PTE_T) are this design's own and
// live in package vmas next to the PTE type they decorate.
const (
	PTE_P Pa_t = 1 << 0
	PTE_W Pa_t = 1 << 1
	PTE_U Pa_t = 1 << 2
)

// PTE_ADDR extracts the frame address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

// Pa_t is a physical address (frame-aligned unless explicitly offset).
type Pa_t uintptr

// Page_t is one physical page of raw bytes.
type Page_t [PGSIZE]byte

type physpg_t struct {
	refcnt int32
	nexti  uint32 // next free page's index, or sentinel
}

const nilidx = ^uint32(0)

// Physmem_t is the global physical page allocator and refcount table.
type Physmem_t struct {
	sync.Mutex
	pages   []Page_t
	recs    []physpg_t
	freei   uint32
	freelen int32
}

// Physmem is the process-wide physical memory allocator instance.
var Physmem = &Physmem_t{}

// P_zeropg is a page permanently pinned at refcount 1, reserved as a
// shared read-only zero page. No package in this repository maps it;
// it is never handed out by Refpg_new and never freed.
var P_zeropg Pa_t

// Phys_init reserves npages pages of backing memory and returns the
// allocator. Must be called exactly once before any other package uses
// package mem.
func Phys_init(npages int) *Physmem_t {
	phys := Physmem
	phys.pages = make([]Page_t, npages)
	phys.recs = make([]physpg_t, npages)
	for i := 0; i < npages-1; i++ {
		phys.recs[i].nexti = uint32(i + 1)
	}
	phys.recs[npages-1].nexti = nilidx
	phys.freei = 0
	phys.freelen = int32(npages)

	// carve out the shared zero page from the freelist directly, rather
	// than through Refpg_new, so it never looks like an ordinary
	// allocation to callers scanning for leaks.
	zidx := phys.freei
	phys.freei = phys.recs[zidx].nexti
	phys.freelen--
	phys.recs[zidx].refcnt = 1
	P_zeropg = idx2pa(zidx)
	return phys
}

func idx2pa(idx uint32) Pa_t {
	return Pa_t(idx) << PGSHIFT
}

func pa2idx(p Pa_t) uint32 {
	return uint32(p >> PGSHIFT)
}

// Refaddr returns the refcount pointer for the page containing p.
func (phys *Physmem_t) Refaddr(p Pa_t) *int32 {
	return &phys.recs[pa2idx(p)].refcnt
}

// Refcnt returns the current reference count of the page containing p.
func (phys *Physmem_t) Refcnt(p Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p)))
}

// Refup increments the reference count of the page containing p.
func (phys *Physmem_t) Refup(p Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p), 1)
	if c <= 0 {
		panic("mem: refup on freed page")
	}
}

// Refdown decrements the reference count of the page containing p,
// freeing it and returning true when the count reaches zero.
func (phys *Physmem_t) Refdown(p Pa_t) bool {
	ref := phys.Refaddr(p)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("mem: refdown below zero")
	}
	if c != 0 {
		return false
	}
	idx := pa2idx(p)
	phys.Lock()
	phys.recs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	phys.Unlock()
	return true
}

func (phys *Physmem_t) alloc() (Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	if phys.freei == nilidx {
		return 0, false
	}
	idx := phys.freei
	if phys.recs[idx].refcnt != 0 {
		panic("mem: free page has nonzero refcnt")
	}
	phys.freei = phys.recs[idx].nexti
	phys.freelen--
	if phys.freelen < 0 {
		panic("mem: freelen underflow")
	}
	phys.recs[idx].refcnt = 1
	return idx2pa(idx), true
}

// Refpg_new allocates a zeroed page with refcount 1.
func (phys *Physmem_t) Refpg_new() (*Page_t, Pa_t, bool) {
	pg, pa, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	*pg = Page_t{}
	return pg, pa, true
}

// Refpg_new_nozero allocates a page with refcount 1 without zeroing it.
func (phys *Physmem_t) Refpg_new_nozero() (*Page_t, Pa_t, bool) {
	pa, ok := phys.alloc()
	if !ok {
		return nil, 0, false
	}
	return phys.Dmap(pa), pa, true
}

// Dmap returns the page backing physical address p (truncated to its
// page boundary). Named after biscuit's direct-map accessor, though
// here it is simply an index into the Go-heap-backed page arena rather
// than a hardware direct map.
func (phys *Physmem_t) Dmap(p Pa_t) *Page_t {
	return &phys.pages[pa2idx(p)]
}

// Bytes returns a byte slice view of the page at p, offset by p's
// in-page offset, useful for block-sized I/O that doesn't care about
// page structure.
func (phys *Physmem_t) Bytes(p Pa_t) []byte {
	pg := phys.Dmap(p & PGMASK)
	return pg[p&PGOFFSET:]
}

// Npages reports total and free page counts, for introspection
// (dump_physmem_info in package syscalls walks pf_info instead, but
// tests use this for quick sanity checks).
func (phys *Physmem_t) Npages() (total, free int) {
	phys.Lock()
	defer phys.Unlock()
	return len(phys.pages), int(phys.freelen)
}
