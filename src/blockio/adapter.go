package blockio

import "mem"

// PhysBlockmem adapts a *mem.Physmem_t to the Blockmem_i interface the
// block cache needs.
type PhysBlockmem struct {
	Phys *mem.Physmem_t
}

// Alloc allocates one zeroed page for a block buffer.
func (p PhysBlockmem) Alloc() (mem.Pa_t, *mem.Page_t, bool) {
	pg, pa, ok := p.Phys.Refpg_new()
	return pa, pg, ok
}

// Free releases a block buffer's page.
func (p PhysBlockmem) Free(pa mem.Pa_t) {
	p.Phys.Refdown(pa)
}

// Refup bumps the reference count of a block buffer's page (used when
// a snapshot pins the same data block that a live block cache entry
// already references).
func (p PhysBlockmem) Refup(pa mem.Pa_t) {
	p.Phys.Refup(pa)
}
