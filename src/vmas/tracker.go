package vmas

import "mem"

// MaxTrackers bounds the per-process VA-tracker array. param.h's exact
// MAX_TRACKERS value was not part of the retrieved original source
// file set; 16 is chosen as a small-but-plural bound consistent with
// the tracker's purpose (remembering a handful of recently-serviced
// soft-TLB faults before forcing a wholesale demotion).
const MaxTrackers = 16

type vaTracker struct {
	va    uintptr
	valid bool
}

// Tracker is the per-process VA-tracker array from spec.md §3,
// grounded on original_source/swtlb.c's struct vatracker plus
// p->tracked/p->tracked_idx. It records which virtual addresses
// currently hold a temporary PTE_P grant so Fault can demote them
// later and force a re-fault, the mechanism that makes the soft-TLB
// simulation meaningful instead of every page settling permanently
// present.
type Tracker struct {
	entries [MaxTrackers]vaTracker
	idx     int
}

// NewTracker builds an empty VA tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func pageRound(va uintptr) uintptr {
	return va &^ uintptr(mem.PGOFFSET)
}

// TrackVa records va (page-rounded) as currently tracked, skipping
// duplicates. If the tracker is already full, it first demotes and
// clears everything (DropTrackers) exactly as
// original_source/swtlb.c's track_va does before recording the new
// entry.
func (tr *Tracker) TrackVa(pd *Pgdir_t, va uintptr) {
	va = pageRound(va)
	for i := 0; i < tr.idx; i++ {
		if tr.entries[i].valid && tr.entries[i].va == va {
			return
		}
	}
	if tr.idx >= MaxTrackers {
		tr.DropTrackers(pd)
	}
	tr.entries[tr.idx] = vaTracker{va: va, valid: true}
	tr.idx++
}

func demote(pd *Pgdir_t, va uintptr) {
	pte, ok := pd.Vamap(va)
	if !ok {
		return
	}
	flags := PteFlags(*pte)
	flags &^= mem.PTE_P
	flags |= PTE_T
	pd.ModifyFlags(va, PteAddr(*pte), flags)
}

// DropTrackers demotes every tracked entry (clears PTE_P, sets PTE_T
// so the next access re-faults) and resets the tracker.
func (tr *Tracker) DropTrackers(pd *Pgdir_t) {
	for i := 0; i < MaxTrackers; i++ {
		if tr.entries[i].valid {
			tr.entries[i].valid = false
			demote(pd, tr.entries[i].va)
		}
	}
	tr.idx = 0
}

// DropTrackersExcept demotes every tracked entry except keep (which
// stays present), used to avoid immediately re-faulting on the
// just-serviced address.
func (tr *Tracker) DropTrackersExcept(pd *Pgdir_t, keep uintptr) {
	keep = pageRound(keep)
	for i := 0; i < tr.idx; i++ {
		if !tr.entries[i].valid || tr.entries[i].va == keep {
			continue
		}
		tr.entries[i].valid = false
		demote(pd, tr.entries[i].va)
	}
}
