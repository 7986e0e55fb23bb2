package blockio

import (
	"encoding/binary"
	"sync"
)

// Log_t is the write-ahead transaction log underlying begin_op/end_op
// brackets: every multi-block filesystem mutation (inode writes,
// directory updates, bitmap updates, snapshot metadata updates) is
// wrapped in Begin_op/End_op so that a crash mid-operation either sees
// all of its writes or none of them. The design is the classic xv6 log
// (a fixed run of log blocks following a header block listing which
// home blocks they belong to, committed by writing the header last)
// which every begin_op/end_op call site in the original filesystem
// implies, generalized here into a standalone type rather than the
// handful of package-level globals and functions the original C uses.
type Log_t struct {
	mu  sync.Mutex
	cnd *sync.Cond

	disk Disk_i
	mem  Blockmem_i

	start int // first block of the log region
	size  int // log region length in blocks, including the header

	outstanding int  // number of operations currently inside a begin/end bracket
	committing  bool // a commit is in progress; new ops must wait

	absorb map[int]int // home block number -> index into cur, for write absorption
	cur    []int       // home block numbers touched by the in-flight transaction
	data   [][]byte    // matching snapshots of their contents at Write time
}

// MkLog constructs a log occupying [start, start+size) on disk.
func MkLog(start, size int, disk Disk_i, mem Blockmem_i) *Log_t {
	l := &Log_t{start: start, size: size, disk: disk, mem: mem, absorb: make(map[int]int)}
	l.cnd = sync.NewCond(&l.mu)
	return l
}

// logspace is the maximum number of distinct home blocks one
// transaction may touch: one header block records them, so size-1
// data slots remain.
func (l *Log_t) logspace() int { return l.size - 1 }

// Begin_op enters a transaction bracket, blocking while a commit is in
// flight or while admitting this operation could overflow the log.
func (l *Log_t) Begin_op() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.committing {
			l.cnd.Wait()
			continue
		}
		if len(l.cur)+ /* headroom for one more op's writes */ 1 > l.logspace() {
			l.cnd.Wait()
			continue
		}
		l.outstanding++
		return
	}
}

// Write records blk's current contents as part of the in-flight
// transaction. Writing the same home block twice in one transaction
// absorbs into a single log slot, matching xv6's log absorption.
func (l *Log_t) Write(blk *Bdev_block_t) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make([]byte, BSIZE)
	copy(snap, blk.Data[:])
	if idx, ok := l.absorb[blk.Block]; ok {
		l.data[idx] = snap
		return
	}
	l.absorb[blk.Block] = len(l.cur)
	l.cur = append(l.cur, blk.Block)
	l.data = append(l.data, snap)
}

// End_op leaves a transaction bracket. The last outstanding operation
// triggers a commit, flushing the logged writes to their home
// locations via the log.
func (l *Log_t) End_op() {
	l.mu.Lock()
	l.outstanding--
	do_commit := l.outstanding == 0
	if do_commit {
		l.committing = true
	}
	l.mu.Unlock()

	if do_commit {
		l.commit()
		l.mu.Lock()
		l.committing = false
		l.cnd.Broadcast()
		l.mu.Unlock()
	}
}

// commit writes the transaction's log blocks, then a header block
// naming them (the durability point), then installs each block to its
// home location, then clears the header so recovery won't replay a
// completed transaction twice.
func (l *Log_t) commit() {
	l.mu.Lock()
	home := l.cur
	data := l.data
	l.cur = nil
	l.data = nil
	l.absorb = make(map[int]int)
	l.mu.Unlock()

	if len(home) == 0 {
		return
	}

	for i := range home {
		logblk := MkBlock_newpage(l.start+1+i, "log-data", l.mem, l.disk, nil)
		copy(logblk.Data[:], data[i])
		logblk.Write()
		logblk.Free_page()
	}
	l.writeHeader(home)
	l.installFromLog(home, data)
	l.writeHeader(nil) // clear: recovery must not replay a committed transaction
}

func (l *Log_t) writeHeader(home []int) {
	hdr := MkBlock_newpage(l.start, "log-header", l.mem, l.disk, nil)
	hdr.Data[0] = byte(len(home))
	for i, bn := range home {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(hdr.Data[off:], uint32(bn))
	}
	hdr.Write()
	hdr.Free_page()
}

func (l *Log_t) installFromLog(home []int, data [][]byte) {
	for i, bn := range home {
		dst := MkBlock_newpage(bn, "log-install", l.mem, l.disk, nil)
		copy(dst.Data[:], data[i])
		dst.Write()
		dst.Free_page()
	}
}

// Recover replays a log left behind by a crash between commit's header
// write and its clearing write. Must be called before any Begin_op.
func (l *Log_t) Recover() {
	hdr := MkBlock_newpage(l.start, "log-header", l.mem, l.disk, nil)
	hdr.Read()
	n := int(hdr.Data[0])
	if n == 0 {
		hdr.Free_page()
		return
	}
	home := make([]int, n)
	data := make([][]byte, n)
	for i := 0; i < n; i++ {
		home[i] = int(binary.LittleEndian.Uint32(hdr.Data[4+i*4:]))
		logblk := MkBlock_newpage(l.start+1+i, "log-data", l.mem, l.disk, nil)
		logblk.Read()
		buf := make([]byte, BSIZE)
		copy(buf, logblk.Data[:])
		data[i] = buf
		logblk.Free_page()
	}
	hdr.Free_page()
	l.installFromLog(home, data)
	l.writeHeader(nil)
}

