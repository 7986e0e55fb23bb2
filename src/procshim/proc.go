// Package procshim is a minimal stand-in for the process table and
// scheduler spec.md treats as an external collaborator never
// implemented here. It carries just enough of a process record — pid,
// address space, VA tracker, the k_procinfo fields
// original_source/sysproc.c's sys_get_procinfo copies out — for
// package vmas's fault handler and package syscalls' surface to have
// something concrete to operate on.
package procshim

import (
	"sync"

	"vmas"
)

// State mirrors original_source/proc.h's enum procstate ordering (the
// comment in sysproc.c warns the two must stay in sync), so a
// get_procinfo caller sees the same integer values the original did.
type State int

const (
	Unused State = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

// Proc_t is one process record: identity, the k_procinfo fields, and
// the address-space/VA-tracker pair vmas.Machine.Fault operates
// against. The embedded mutex plays the same "lock while touching the
// pmap" role as biscuit's Vm_t.Lock_pmap/Unlock_pmap.
type Proc_t struct {
	sync.Mutex

	Pid   int
	Ppid  int
	Name  string
	Sz    uintptr
	State State

	Pgdir   *vmas.Pgdir_t
	Tracker *vmas.Tracker

	pgfltaken bool
}

// New builds a runnable process record over a fresh, empty address
// space.
func New(pid, ppid int, name string) *Proc_t {
	return &Proc_t{
		Pid:     pid,
		Ppid:    ppid,
		Name:    name,
		State:   Runnable,
		Pgdir:   vmas.NewPgdir(),
		Tracker: vmas.NewTracker(),
	}
}

// Lock_pmap acquires the process lock and marks a page fault in
// progress, the same discipline biscuit's Vm_t uses to detect a
// double-lock while handling a fault.
func (p *Proc_t) Lock_pmap() {
	p.Lock()
	p.pgfltaken = true
}

// Unlock_pmap releases the process lock after page-table manipulation
// completes.
func (p *Proc_t) Unlock_pmap() {
	p.pgfltaken = false
	p.Unlock()
}

// Info is the k_procinfo record get_procinfo copies to user memory.
type Info struct {
	Pid   int
	Ppid  int
	State int
	Sz    uintptr
	Name  string
}

// Info snapshots p's identity fields under lock.
func (p *Proc_t) Info() Info {
	p.Lock()
	defer p.Unlock()
	return Info{Pid: p.Pid, Ppid: p.Ppid, State: int(p.State), Sz: p.Sz, Name: p.Name}
}

// Table is the process table: a pid-indexed registry standing in for
// biscuit's ptable, scoped down to what syscalls.GetProcinfo and a
// fault-kill path need — lookup by pid and marking a process dead.
type Table struct {
	mu    sync.Mutex
	procs map[int]*Proc_t
}

// NewTable builds an empty process table.
func NewTable() *Table {
	return &Table{procs: make(map[int]*Proc_t)}
}

// Add registers p, keyed by its pid.
func (t *Table) Add(p *Proc_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.Pid] = p
}

// Get returns the process record for pid, or nil if none is
// registered — the getproc(pid) lookup sys_get_procinfo performs
// before returning -1 on a miss.
func (t *Table) Get(pid int) *Proc_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// Kill marks pid's process Zombie, the process-table side of what
// vmas.Machine.Fault's error return asks a real scheduler to do: there
// is no real scheduler here to preempt the process, so this only
// updates bookkeeping a caller can act on.
func (t *Table) Kill(pid int) bool {
	t.mu.Lock()
	p := t.procs[pid]
	t.mu.Unlock()
	if p == nil {
		return false
	}
	p.Lock()
	p.State = Zombie
	p.Unlock()
	return true
}

// Remove discards pid's record entirely, used on reap.
func (t *Table) Remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}
