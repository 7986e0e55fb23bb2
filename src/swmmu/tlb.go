package swmmu

import (
	"sync"
	"sync/atomic"

	"mem"
)

// NumTlb is the fixed, direct-mapped software TLB size, per spec.md
// §3/§4.7.
const NumTlb = 128

type tlbEntry struct {
	pid   int
	vpn   uintptr
	pfn   mem.Pa_t
	flags Flags_t
	valid bool
}

// Tlb_t is the direct-mapped, single-way software TLB: one slot per
// `(pid XOR vpn) & (NumTlb-1)` index, unconditionally overwritten on
// allocation (no victim selection), grounded on
// original_source/swtlb.c's tlblookup/tlballoc/tlbivlt/tlbivltp/
// tlbflsh.
type Tlb_t struct {
	mu      sync.Mutex
	entries [NumTlb]tlbEntry
	hits    uint32
	misses  uint32
}

// NewTlb builds an empty software TLB.
func NewTlb() *Tlb_t {
	return &Tlb_t{}
}

func tlbIndex(pid int, vpn uintptr) int {
	return int((uintptr(pid) ^ vpn) & (NumTlb - 1))
}

// TlbLookup checks whether pid has a cached translation for va,
// returning the full physical address (page base from the cached
// entry, offset preserved from va) and its flags on a hit. Every call
// increments either the hit or the miss counter.
func (t *Tlb_t) TlbLookup(pid int, va uintptr) (pa mem.Pa_t, flags Flags_t, hit bool) {
	vpn := va >> mem.PGSHIFT
	idx := tlbIndex(pid, vpn)

	t.mu.Lock()
	defer t.mu.Unlock()

	e := &t.entries[idx]
	if e.valid && e.pid == pid && e.vpn == vpn {
		atomic.AddUint32(&t.hits, 1)
		return (e.pfn << mem.PGSHIFT) | mem.Pa_t(va&uintptr(mem.PGOFFSET)), e.flags, true
	}
	atomic.AddUint32(&t.misses, 1)
	return 0, 0, false
}

// TlbAlloc installs a translation for pid/va, unconditionally
// overwriting whatever previously occupied the indexed slot.
func (t *Tlb_t) TlbAlloc(pid int, va uintptr, pa mem.Pa_t, flags Flags_t) {
	vpn := va >> mem.PGSHIFT
	idx := tlbIndex(pid, vpn)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[idx] = tlbEntry{
		pid: pid, vpn: vpn, pfn: pa >> mem.PGSHIFT, flags: flags, valid: true,
	}
}

// TlbIvlt invalidates every entry belonging to pid, used on process
// exit.
func (t *Tlb_t) TlbIvlt(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].valid && t.entries[i].pid == pid {
			t.entries[i].valid = false
		}
	}
}

// TlbIvltP invalidates the single slot belonging to (pid, va), if any,
// called whenever IptInsert changes that mapping.
func (t *Tlb_t) TlbIvltP(pid int, va uintptr) {
	vpn := va >> mem.PGSHIFT
	idx := tlbIndex(pid, vpn)

	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[idx]
	if e.valid && e.pid == pid && e.vpn == vpn {
		e.valid = false
	}
}

// TlbFlsh invalidates every entry, regardless of owner.
func (t *Tlb_t) TlbFlsh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i].valid = false
	}
}

// Info returns the running hit/miss counters, the data behind the
// tlbinfo syscall.
func (t *Tlb_t) Info() (hits, misses uint32) {
	return atomic.LoadUint32(&t.hits), atomic.LoadUint32(&t.misses)
}
