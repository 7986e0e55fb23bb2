// Package syscalls is the thin external surface spec.md §6 names:
// snapshot_create/_rollback/_delete, vtop, phys2virt, tlbinfo,
// dump_physmem_info, get_procinfo, hello_number. Each function wraps a
// single library call and translates its result into the negative
// return-code convention original_source/sysmem.c, sysproc.c, and the
// snap_*.c command-line tools already agree on (-1 general failure,
// -2 specifically "out of inodes"), since a real syscall dispatcher
// (out of scope here) would surface exactly that convention to a
// process. This is the one package in this rewrite that uses
// github.com/pkg/errors, to annotate every failure with call-site
// context before it crosses that boundary.
package syscalls

import (
	"github.com/pkg/errors"

	"inode"
	"mem"
	"pfalloc"
	"procshim"
	"snapshot"
	"swmmu"
	"vmas"
)

// Kernel bundles the library handles a real syscall dispatcher would
// reach into the kernel for, so each syscall function below can stay a
// short, direct translation of its original_source counterpart.
type Kernel struct {
	Snap    *snapshot.Engine
	PF      *pfalloc.Table
	IPT     *swmmu.Table
	Tlb     *swmmu.Tlb_t
	Procs   *procshim.Table
	Machine *vmas.Machine
}

// SnapshotCreate mirrors sys_snapshot_create (snap_create.c's caller
// contract): -1 on a general failure, -2 specifically when Create
// reports ErrCapacity, otherwise the new snapshot id.
func (k *Kernel) SnapshotCreate(root *inode.Inode_t) (int64, error) {
	id, err := k.Snap.Create(root)
	if err == snapshot.ErrCapacity {
		return -2, errors.Wrap(err, "syscalls: snapshot_create")
	}
	if err != nil {
		return -1, errors.Wrap(err, "syscalls: snapshot_create")
	}
	return int64(id), nil
}

// SnapshotRollback mirrors sys_snapshot_rollback: -1/-2 on failure per
// snap_rollback.c's contract, 0 on success.
func (k *Kernel) SnapshotRollback(root *inode.Inode_t, id uint32) (int32, error) {
	err := k.Snap.Rollback(root, id)
	if err == snapshot.ErrCapacity {
		return -2, errors.Wrap(err, "syscalls: snapshot_rollback")
	}
	if err != nil {
		return -1, errors.Wrap(err, "syscalls: snapshot_rollback")
	}
	return 0, nil
}

// SnapshotDelete mirrors sys_snapshot_delete: -1 on any failure, 0 on
// success, matching snap_delete.c's "< 0 is failure" check.
func (k *Kernel) SnapshotDelete(root *inode.Inode_t, id uint32) (int32, error) {
	if err := k.Snap.Delete(root, id); err != nil {
		return -1, errors.Wrap(err, "syscalls: snapshot_delete")
	}
	return 0, nil
}

// Vtop mirrors sys_vtop: translates va through pgdir, returning the
// physical address and flags with PTE_T folded back into PTE_P before
// crossing to a caller, exactly as sysmem.c's sys_vtop does ("PTE_T
// flag must be deleted when it comes to user program"). ret mirrors
// the original's positive/negative convention: >0 on a resolved
// translation, -1 when va has no PTE at all.
func Vtop(pgdir *vmas.Pgdir_t, va uintptr) (pa mem.Pa_t, flags vmas.Pte_t, ret int32, err error) {
	pte, ok := pgdir.Vamap(va)
	if !ok {
		return 0, 0, -1, errors.New("syscalls: vtop: no pte mapped")
	}
	flags = vmas.PteFlags(*pte)
	if flags&vmas.PTE_T != 0 {
		flags = (flags &^ vmas.PTE_T) | mem.PTE_P
	}
	pa = vmas.PteAddr(*pte) | mem.Pa_t(va&uintptr(mem.PGOFFSET))
	return pa, flags, 1, nil
}

// Phys2Virt mirrors sys_phys2virt: walks pa's IPT bucket chain (head
// first) and returns up to max (pid, va, flags) triples, with the same
// PTE_T->PTE_P substitution as Vtop plus the original's `flags &= 0x1F`
// mask, keeping only the low five flag bits (bits 0-4, P/W/U among
// them) before the value leaves the kernel; PTE_C (bit 9) is stripped
// along with everything else above bit 4.
func Phys2Virt(ipt *swmmu.Table, pa mem.Pa_t, max int) []swmmu.Mapping {
	raw := ipt.Phys2Virt(pa, max)
	out := make([]swmmu.Mapping, len(raw))
	for i, m := range raw {
		f := m.Flags
		if f&vmas.PTE_T != 0 {
			f = (f &^ vmas.PTE_T) | mem.PTE_P
		}
		f &= 0x1F
		out[i] = swmmu.Mapping{Pid: m.Pid, Va: m.Va, Flags: f}
	}
	return out
}

// TlbInfo mirrors sys_tlbinfo: the running hit/miss counters.
func TlbInfo(tlb *swmmu.Tlb_t) (hits, misses uint32) {
	return tlb.Info()
}

// DumpPhysmemInfo mirrors sys_dump_physmem_info: up to maxEntries
// pf_info records. maxEntries <= 0 is a caller error, matching the
// original's explicit check.
func DumpPhysmemInfo(pf *pfalloc.Table, maxEntries int) ([]pfalloc.Info, error) {
	if maxEntries <= 0 {
		return nil, errors.New("syscalls: dump_physmem_info: max_entries must be positive")
	}
	all := pf.Snapshot()
	if len(all) > maxEntries {
		all = all[:maxEntries]
	}
	return all, nil
}

// GetProcinfo mirrors sys_get_procinfo: -1 via the returned error when
// pid has no registered process, the k_procinfo-shaped record
// otherwise.
func GetProcinfo(procs *procshim.Table, pid int) (procshim.Info, error) {
	p := procs.Get(pid)
	if p == nil {
		return procshim.Info{}, errors.Errorf("syscalls: get_procinfo: no such pid %d", pid)
	}
	return p.Info(), nil
}

// HelloNumber mirrors sys_hello_number exactly: doubles its argument.
func HelloNumber(n int) int32 {
	return int32(n) * 2
}
