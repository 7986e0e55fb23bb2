// Package swmmu implements the inverted page table and the
// direct-mapped software TLB, grounded on original_source/swtlb.c
// (ipt_insert/ipt_remove/iptalloc/iptrelse/tlblookup/tlballoc/
// tlbivlt/tlbivltp/tlbflsh) and, for the bucket-chain shape, on
// biscuit's hashtable.Hashtable_t bucket-chain pattern — adapted to
// the fixed ipt_entry shape spec.md defines rather than reused as a
// generic interface{} table, since the key/value shape here is fixed
// and the original's per-bucket singly-linked list (no RWMutex per
// bucket, a single table-wide lock) is the more faithful grounding.
package swmmu

import (
	"sync"

	"mem"
)

// IptBuckets is the fixed bucket count, one per candidate physical
// frame number, per spec.md §3/§4.6.
const IptBuckets = 60000

// Flags_t is the PTE-flag type IPT entries and TLB entries carry.
// Re-exported from package mem (rather than defined fresh) so the
// architectural low bits (PTE_P/PTE_W/PTE_U) compare equal across
// packages; the high-order PTE_C/PTE_T bits are defined in package
// vmas next to the Pte_t type they decorate, per mem.go's own doc
// comment, and arrive here already folded into a Flags_t value.
type Flags_t = mem.Pa_t

// entriesPerSlab models the original's "slab page of entries" sizing
// without resorting to manual struct-over-bytes layout, which would be
// unidiomatic Go: the slab is still obtained from the physical-frame
// allocator so the memory is accounted for, but the entries carved
// from it are ordinary Go values.
const entriesPerSlab = 64

type iptEntry struct {
	pfn    uint32
	pid    int
	va     uintptr
	flags  Flags_t
	refcnt int32 // head's refcnt aggregates "extra" sharers — see IptInsert/IptRemove
	next   *iptEntry
	cnext  *iptEntry // threads the free pool
}

// Table is the inverted page table: one bucket chain per frame number,
// plus the slab-backed entry pool both ipt_insert and ipt_remove draw
// from and release to.
type Table struct {
	tablelock sync.Mutex // iptcache.tablelock: guards bucket chains and the entry pool
	buckets   [IptBuckets]*iptEntry
	pool      *iptEntry
	phys      *mem.Physmem_t // slab source; nil is valid (tests may skip real page accounting)
	tlb       *Tlb_t
}

// NewTable builds an empty inverted page table. phys, if non-nil, is
// used to account for slab pages as the entry pool grows; tlb, if
// non-nil, is invalidated on every insert, matching ipt_insert's
// trailing tlbivltp call.
func NewTable(phys *mem.Physmem_t, tlb *Tlb_t) *Table {
	return &Table{phys: phys, tlb: tlb}
}

func bucketOf(pa mem.Pa_t) uint32 {
	idx := uint32(pa >> mem.PGSHIFT)
	if int(idx) >= IptBuckets {
		panic("swmmu: ipt bucket out of range")
	}
	return idx
}

// bucketOfSafe is bucketOf without the panic, for the remove path:
// original_source/swtlb.c's ipt_remove has no equivalent of ipt_insert's
// "idx >= IPT_BUCKETS" guard, so an out-of-range pa there indexes
// ipt_hash out of bounds — undefined behavior in C. Go has no
// equivalent undefined-but-harmless option, so IptRemove reports no
// match instead of panicking or indexing out of range.
func bucketOfSafe(pa mem.Pa_t) (uint32, bool) {
	idx := uint32(pa >> mem.PGSHIFT)
	if int(idx) >= IptBuckets {
		return 0, false
	}
	return idx, true
}

// growSlab extends the free pool by one slab's worth of entries.
// Called with tablelock held.
func (t *Table) growSlab() {
	if t.phys != nil {
		t.phys.Refpg_new()
	}
	entries := make([]iptEntry, entriesPerSlab)
	for i := range entries {
		entries[i].cnext = t.pool
		t.pool = &entries[i]
	}
}

// iptalloc pops a free entry from the pool, growing it first if empty.
// Called with tablelock held.
func (t *Table) iptalloc() *iptEntry {
	if t.pool == nil {
		t.growSlab()
	}
	e := t.pool
	t.pool = e.cnext
	e.cnext = nil
	return e
}

// iptrelse zeroes and returns e to the free pool. Called with
// tablelock held.
func (t *Table) iptrelse(e *iptEntry) {
	*e = iptEntry{}
	e.cnext = t.pool
	t.pool = e
}

// IptInsert records that pid's va maps to pa with perm, updating an
// existing entry in place if the (va, pid) pair is already present.
// The bucket's head entry's refcnt counts only the chain's "extra"
// sharers (entries past the first) — not the total mapping count —
// exactly as original_source/swtlb.c's ipt_insert does; this is
// deliberately preserved rather than "fixed" into a true total (see
// spec.md §9 and DESIGN.md).
func (t *Table) IptInsert(va uintptr, pa mem.Pa_t, perm Flags_t, pid int) {
	idx := bucketOf(pa)

	t.tablelock.Lock()
	var last *iptEntry
	e := t.buckets[idx]
	for e != nil {
		if e.va == va && e.pid == pid {
			break
		}
		last = e
		e = e.next
	}

	if e != nil {
		e.flags = perm | mem.PTE_P
	} else {
		e = t.iptalloc()
		e.flags = perm | mem.PTE_P
		e.va = va
		e.pfn = idx
		e.pid = pid
		e.refcnt = 0
		e.next = nil

		if last != nil {
			last.next = e
			if head := t.buckets[idx]; head != nil {
				head.refcnt++
			}
		} else {
			t.buckets[idx] = e
		}
	}
	t.tablelock.Unlock()

	if t.tlb != nil {
		t.tlb.TlbIvltP(pid, va)
	}
}

// IptRemove unlinks the entry matching (va, pid) from pa's bucket,
// decrementing the chain head's refcnt and releasing the entry back to
// the pool. Reports whether a matching entry was found.
func (t *Table) IptRemove(va uintptr, pa mem.Pa_t, pid int) bool {
	idx, ok := bucketOfSafe(pa)
	if !ok {
		return false
	}

	t.tablelock.Lock()
	defer t.tablelock.Unlock()

	head := t.buckets[idx]
	var prev *iptEntry
	e := head
	for e != nil {
		if e.va == va && e.pid == pid {
			break
		}
		prev = e
		e = e.next
	}
	if e == nil {
		return false
	}

	if prev != nil {
		prev.next = e.next
	} else {
		t.buckets[idx] = e.next
	}
	if head != nil {
		head.refcnt--
	}
	if e == head {
		t.buckets[idx] = nil
	}
	t.iptrelse(e)
	return true
}

// Mapping is one (pid, va, flags) triple copied out of a bucket by
// Phys2Virt.
type Mapping struct {
	Pid   int
	Va    uintptr
	Flags Flags_t
}

// Phys2Virt walks pa's bucket chain (head first) and returns up to max
// mappings, the library form of the phys2virt syscall.
func (t *Table) Phys2Virt(pa mem.Pa_t, max int) []Mapping {
	idx := bucketOf(pa)
	t.tablelock.Lock()
	defer t.tablelock.Unlock()

	var out []Mapping
	for e := t.buckets[idx]; e != nil && len(out) < max; e = e.next {
		out = append(out, Mapping{Pid: e.pid, Va: e.va, Flags: e.flags})
	}
	return out
}
