// Package snapshot implements the copy-on-write snapshot engine:
// /snapshot/<hex id> directory mirrors of the live tree, created by
// sharing data blocks and pinning them in a block-level bitmap (smap)
// rather than copying file contents, and later restorable via
// rollback. Grounded on original_source/fs.c's smapi/icopy/
// sub_snapshot_create/sub_snapshot_rollback/irestore and on its
// snapshot_meta persistence (next_id + smap), reshaped into a Go type
// instead of the original's file-scope globals.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"balloc"
	"blockio"
	"defs"
	"ident"
	"inode"
	"ustr"
)

// fanoutLimit bounds how many sibling directory entries a snapshot walk
// copies concurrently, so a wide directory doesn't spawn unbounded
// goroutines all contending for the same block cache and log.
const fanoutLimit = 8

// DirName is the well-known top-level directory every snapshot lives
// under, matching original_source/fs.c's repeated literal "snapshot".
var DirName = ustr.Ustr("snapshot")

// Engine ties the snapshot machinery to one filesystem's inode cache,
// block allocator, and transaction log.
type Engine struct {
	mu sync.Mutex

	ic    *inode.Icache
	alloc *balloc.Alloc_t
	log   *blockio.Log_t
	cache *blockio.Bufcache_t

	metaStart int
	metaLen   int

	nextID uint32
	smap   []byte // packed bit-per-data-block pin map, same shape as bitset.T's storage
	smapN  int    // number of bits smap holds
}

// New builds a snapshot engine. metaStart/metaLen name the disk blocks
// reserved for persisting next_id and the pin bitmap; ndatablocks is
// the number of data blocks the pin bitmap must cover.
func New(ic *inode.Icache, alloc *balloc.Alloc_t, log *blockio.Log_t, cache *blockio.Bufcache_t, metaStart, metaLen, ndatablocks int) *Engine {
	e := &Engine{
		ic: ic, alloc: alloc, log: log, cache: cache,
		metaStart: metaStart, metaLen: metaLen,
		smapN: ndatablocks,
		smap:  make([]byte, (ndatablocks+7)/8),
	}
	return e
}

// Pinned reports whether blockno has been pinned by some snapshot,
// suitable for installing as a balloc.Pinned / inode copy-on-write
// hook.
func (e *Engine) Pinned(blockno int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if blockno < 0 || blockno >= e.smapN {
		return false
	}
	return e.smap[blockno/8]&(1<<uint(blockno%8)) != 0
}

func (e *Engine) pin(blockno int) {
	if blockno < 0 || blockno >= e.smapN {
		return
	}
	e.smap[blockno/8] |= 1 << uint(blockno%8)
}

// Unpin clears blockno's pin bit and persists smap, suitable for
// installing as the inode copy-on-write path's balloc.Unpin hook.
// Grounded on original_source/fs.c's smeta.smap[i] &= ~x, which fires
// on every cow write a live file makes (fs.c:823/835/839), not just on
// snapshot_delete; leaving a block pinned after the live file has
// already copied away from it would strand it unallocatable forever.
func (e *Engine) Unpin(blockno int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if blockno < 0 || blockno >= e.smapN {
		return
	}
	e.smap[blockno/8] &^= 1 << uint(blockno%8)
	e.persist()
}

// Load reads next_id and the pin bitmap back from disk. Must be called
// once at mount time before Create/Rollback/Delete.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	need := 4 + len(e.smap)
	buf := make([]byte, 0, e.metaLen*blockio.BSIZE)
	for i := 0; i < e.metaLen; i++ {
		blk := e.cache.Get_fill(e.metaStart+i, "snapmeta", true)
		buf = append(buf, blk.Data[:]...)
		blk.Done("snapmeta")
	}
	if len(buf) < need {
		return errors.Errorf("snapshot: meta region too small: have %d bytes, need %d", len(buf), need)
	}
	e.nextID = binary.LittleEndian.Uint32(buf[0:4])
	copy(e.smap, buf[4:need])
	return nil
}

// persist writes next_id and the pin bitmap back to disk within the
// caller's transaction bracket.
func (e *Engine) persist() {
	buf := make([]byte, e.metaLen*blockio.BSIZE)
	binary.LittleEndian.PutUint32(buf[0:4], e.nextID)
	copy(buf[4:], e.smap)
	for i := 0; i < e.metaLen; i++ {
		blk := e.cache.Get_fill(e.metaStart+i, "snapmeta", true)
		copy(blk.Data[:], buf[i*blockio.BSIZE:(i+1)*blockio.BSIZE])
		e.log.Write(blk)
		blk.Done("snapmeta")
	}
}

// hexName renders a snapshot id the way original_source/fs.c's
// itoa(snapshot_id, 16, buf) does: lowercase hex, no leading zeros.
func hexName(id uint32) ustr.Ustr {
	return ustr.Ustr(fmt.Sprintf("%x", id))
}

// snapdir returns the /snapshot directory inode, creating it (as a
// child of root) if it doesn't exist yet.
func (e *Engine) snapdir(root *inode.Inode_t) (*inode.Inode_t, defs.Err_t) {
	e.ic.Ilock(root)
	if existing, _, err := e.ic.Dirlookup(root, DirName); err == 0 {
		root.Iunlock()
		return existing, 0
	}
	e.log.Begin_op()
	dir, err := e.ic.Create(root, DirName, inode.T_DIR, 0, 0)
	root.Iunlock()
	e.log.End_op()
	if err != 0 {
		return nil, err
	}
	dir.Iunlock()
	return dir, 0
}

// ErrCapacity is returned by Create and Rollback when completing the
// operation would leave fewer than zero free inode slots, mirroring
// spec.md §4.4.2/§4.4.4's distinguished "-2" return — the one error
// this package's callers (package syscalls) must tell apart from a
// plain failure rather than collapse into "-1".
var ErrCapacity = errors.New("snapshot: not enough free inodes")

// icount recursively counts live directory entries reachable from dir
// (excluding "." / ".." and the /snapshot subtree at any level),
// mirroring original_source/fs.c's icount used by both create's and
// rollback's capacity checks.
func (e *Engine) icount(dir *inode.Inode_t) (int, error) {
	e.ic.Ilock(dir)
	names, inums, types, rerr := e.listEntries(dir)
	dir.Iunlock()
	if rerr != 0 {
		return 0, errors.Errorf("snapshot: icount: listing failed: errno %d", rerr)
	}
	count := 0
	for i := range names {
		if types[i] == inode.T_DIR && string(names[i]) == string(DirName) {
			continue
		}
		count++
		if types[i] == inode.T_DIR {
			child := e.ic.Iget(inums[i])
			sub, err := e.icount(child)
			e.ic.Iput(child)
			if err != nil {
				return 0, err
			}
			count += sub
		}
	}
	return count, nil
}

// checkCapacity mirrors spec.md §4.4.2 step 1: currently_allocated +
// required + 1 must not exceed ninodes (the +1 covers the snapshot
// directory entry itself).
func (e *Engine) checkCapacity(required int) error {
	if e.ic.AllocatedCount()+required+1 > e.ic.Ninodes() {
		return ErrCapacity
	}
	return nil
}

// Create snapshots the live tree rooted at root (everything except the
// /snapshot directory itself) into a freshly allocated /snapshot/<id>
// directory, sharing data blocks and pinning them. Returns the new
// snapshot's id.
func (e *Engine) Create(root *inode.Inode_t) (uint32, error) {
	required, cerr := e.icount(root)
	if cerr != nil {
		return 0, cerr
	}
	if err := e.checkCapacity(required); err != nil {
		return 0, err
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	parent, err := e.snapdir(root)
	if err != 0 {
		return 0, errors.Errorf("snapshot: could not create /snapshot: errno %d", err)
	}
	defer e.ic.Iput(parent)

	e.log.Begin_op()
	e.ic.Ilock(parent)
	dst, derr := e.ic.Create(parent, hexName(id), inode.T_DIR, 0, 0)
	parent.Iunlock()
	e.log.End_op()
	if derr != 0 {
		return 0, errors.Errorf("snapshot: could not allocate snapshot directory: errno %d", derr)
	}
	dst.Iunlock()
	defer e.ic.Iput(dst)

	e.ic.Ilock(root)
	rootErr := e.walkCreate(root, dst)
	root.Iunlock()
	if rootErr != nil {
		return 0, rootErr
	}

	e.mu.Lock()
	e.log.Begin_op()
	e.persist()
	e.log.End_op()
	e.mu.Unlock()

	return id, nil
}

// walkCreate mirrors every entry of src (a locked directory, except
// "snapshot" itself) into dst, recursing into subdirectories with
// bounded fan-out.
func (e *Engine) walkCreate(src, dst *inode.Inode_t) error {
	names, inums, types, rerr := e.listEntries(src)
	if rerr != 0 {
		return errors.Errorf("snapshot: listing directory failed: errno %d", rerr)
	}

	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for i := range names {
		name, inum, typ := names[i], inums[i], types[i]
		if typ == inode.T_DIR && string(name) == string(DirName) {
			continue
		}
		g.Go(func() error {
			return e.copyOne(dst, name, inum, typ)
		})
	}
	return g.Wait()
}

func (e *Engine) copyOne(dst *inode.Inode_t, name ustr.Ustr, inum int, typ int16) error {
	child := e.ic.Iget(inum)
	e.ic.Ilock(child)

	if typ == inode.T_DIR {
		e.log.Begin_op()
		e.ic.Ilock(dst)
		childDst, cerr := e.ic.Create(dst, name, inode.T_DIR, 0, 0)
		dst.Iunlock()
		e.log.End_op()
		child.Iunlock()
		if cerr != 0 {
			e.ic.Iput(child)
			return errors.Errorf("snapshot: create subdirectory %q: errno %d", name, cerr)
		}
		childDst.Iunlock()
		e.ic.Ilock(child)
		err := e.walkCreate(child, childDst)
		child.Iunlock()
		e.ic.Iput(child)
		e.ic.Iput(childDst)
		return err
	}

	if typ == inode.T_DEV {
		child.Iunlock()
		e.ic.Iput(child)
		return nil
	}

	e.pinBlocksOf(child)

	e.log.Begin_op()
	e.ic.Ilock(dst)
	childDst, cerr := e.ic.Create(dst, name, inode.T_FILE, 0, 0)
	dst.Iunlock()
	if cerr != 0 {
		child.Iunlock()
		e.ic.Iput(child)
		e.log.End_op()
		return errors.Errorf("snapshot: create file copy %q: errno %d", name, cerr)
	}
	childDst.Addrs = child.Addrs
	childDst.Size = child.Size
	e.ic.Iupdate(childDst)
	child.Iunlock()
	childDst.Iunlock()
	e.log.End_op()

	e.ic.Iput(child)
	e.ic.Iput(childDst)
	return nil
}

// pinBlocksOf marks every block a locked inode owns (direct and, if
// present, everything the single indirect block names) as pinned,
// mirroring original_source/fs.c's smapi.
func (e *Engine) pinBlocksOf(ip *inode.Inode_t) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range ip.Addrs {
		if a != 0 {
			e.pin(int(a))
		}
	}
	indirect := ip.Addrs[inode.NDIRECT]
	if indirect == 0 {
		return
	}
	blk := e.cache.Get_fill(int(indirect), "indirect", true)
	for i := 0; i < inode.NINDIRECT; i++ {
		a := binary.LittleEndian.Uint32(blk.Data[i*4 : i*4+4])
		if a != 0 {
			e.pin(int(a))
		}
	}
	blk.Done("indirect")
}

// Rollback restores snapshot id onto the live tree rooted at root,
// recursively merging /snapshot/<id>'s contents back over root:
// directories are matched by name and merged recursively, files are
// replaced wholesale (the live copy is unlinked, the snapshot's blocks
// are shared in again and re-pinned). Grounded on
// original_source/fs.c's sub_snapshot_rollback/irestore.
func (e *Engine) Rollback(root *inode.Inode_t, id uint32) error {
	path := DirName.Extend(hexName(id))
	snapRoot, nerr := e.ic.Namex(root, path)
	if nerr != 0 {
		return errors.Errorf("snapshot: rollback: snapshot %x not found: errno %d", id, nerr)
	}
	defer e.ic.Iput(snapRoot)

	snapCount, serr := e.icount(snapRoot)
	if serr != nil {
		return serr
	}
	rootCount, rcerr := e.icount(root)
	if rcerr != nil {
		return rcerr
	}
	if err := e.checkCapacity(snapCount - rootCount); err != nil {
		return err
	}

	e.ic.Ilock(snapRoot)
	werr := e.walkRestore(snapRoot, root)
	snapRoot.Iunlock()
	return werr
}

// walkRestore mirrors every entry of snapDir (locked by the caller,
// read-only for the duration of the walk) onto target, whose lock is
// taken only transiently per mutation the way walkCreate treats dst.
func (e *Engine) walkRestore(snapDir, target *inode.Inode_t) error {
	names, inums, types, rerr := e.listEntries(snapDir)
	if rerr != 0 {
		return errors.Errorf("snapshot: rollback: listing snapshot directory failed: errno %d", rerr)
	}

	e.ic.Ilock(target)
	tnames, tinums, _, lerr := e.listEntries(target)
	target.Iunlock()
	if lerr != 0 {
		return errors.Errorf("snapshot: rollback: listing live directory failed: errno %d", lerr)
	}
	live := ident.New(16)
	for i := range tnames {
		live.Set(tnames[i], tinums[i])
	}

	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for i := range names {
		name, inum, typ := names[i], inums[i], types[i]
		if typ == inode.T_DIR && string(name) == string(DirName) {
			continue
		}
		g.Go(func() error {
			return e.restoreOne(target, name, inum, typ, live)
		})
	}
	return g.Wait()
}

func (e *Engine) restoreOne(target *inode.Inode_t, name ustr.Ustr, inum int, typ int16, live *ident.Cache) error {
	child := e.ic.Iget(inum)
	e.ic.Ilock(child)

	if typ == inode.T_DIR {
		if existingInum, ok := live.Get(name); ok {
			existing := e.ic.Iget(existingInum)
			e.ic.Ilock(existing)
			if existing.Typ == inode.T_DIR {
				child.Iunlock()
				existing.Iunlock()
				err := e.walkRestore(child, existing)
				e.ic.Iput(existing)
				e.ic.Iput(child)
				return err
			}
			existing.Iunlock()
			e.ic.Iput(existing)
			if err := e.replace(target, name); err != nil {
				child.Iunlock()
				e.ic.Iput(child)
				return err
			}
		}

		e.log.Begin_op()
		e.ic.Ilock(target)
		childDst, cerr := e.ic.Create(target, name, inode.T_DIR, 0, 0)
		target.Iunlock()
		e.log.End_op()
		if cerr != 0 {
			child.Iunlock()
			e.ic.Iput(child)
			return errors.Errorf("snapshot: rollback: create subdirectory %q: errno %d", name, cerr)
		}
		childDst.Iunlock()
		err := e.walkRestore(child, childDst)
		child.Iunlock()
		e.ic.Iput(child)
		e.ic.Iput(childDst)
		return err
	}

	if typ == inode.T_DEV {
		child.Iunlock()
		e.ic.Iput(child)
		return nil
	}

	if _, ok := live.Get(name); ok {
		if err := e.replace(target, name); err != nil {
			child.Iunlock()
			e.ic.Iput(child)
			return err
		}
	}

	e.pinBlocksOf(child)

	e.log.Begin_op()
	e.ic.Ilock(target)
	childDst, cerr := e.ic.Create(target, name, inode.T_FILE, 0, 0)
	target.Iunlock()
	if cerr != 0 {
		child.Iunlock()
		e.ic.Iput(child)
		e.log.End_op()
		return errors.Errorf("snapshot: rollback: restore file %q: errno %d", name, cerr)
	}
	childDst.Addrs = child.Addrs
	childDst.Size = child.Size
	e.ic.Iupdate(childDst)
	child.Iunlock()
	childDst.Iunlock()
	e.log.End_op()

	e.ic.Iput(child)
	e.ic.Iput(childDst)
	return nil
}

// replace unlinks name from target ahead of a restore overwriting it.
// ENOENT is not an error here: another concurrent restoreOne fanned
// out from the same walkRestore call may have already removed it.
func (e *Engine) replace(target *inode.Inode_t, name ustr.Ustr) error {
	e.log.Begin_op()
	e.ic.Ilock(target)
	uerr := e.ic.Unlink(target, name, false)
	target.Iunlock()
	e.log.End_op()
	if uerr != 0 && uerr != defs.ENOENT {
		return errors.Errorf("snapshot: rollback: replacing %q: errno %d", name, uerr)
	}
	return nil
}

// Delete removes snapshot id's mirror under /snapshot. It does not
// clear the pin bits the snapshot set in smap: those blocks stay
// allocated even once no snapshot references them, until a live file
// sharing one writes to it and Unpin clears its bit — the same quirk
// original_source/fs.c's snapshot teardown has (nothing there clears
// smap bits on delete either).
func (e *Engine) Delete(root *inode.Inode_t, id uint32) error {
	e.ic.Ilock(root)
	snapdir, _, derr := e.ic.Dirlookup(root, DirName)
	if derr != 0 {
		root.Iunlock()
		return errors.Errorf("snapshot: delete: no /snapshot directory: errno %d", derr)
	}
	root.Iunlock()
	defer e.ic.Iput(snapdir)

	return e.removeTree(snapdir, hexName(id))
}

// removeTree recursively unlinks name (and, if it's a directory,
// everything under it) from parent.
func (e *Engine) removeTree(parent *inode.Inode_t, name ustr.Ustr) error {
	e.ic.Ilock(parent)
	child, _, lerr := e.ic.Dirlookup(parent, name)
	parent.Iunlock()
	if lerr != 0 {
		return errors.Errorf("snapshot: delete: lookup %q: errno %d", name, lerr)
	}

	e.ic.Ilock(child)
	typ := child.Typ
	child.Iunlock()

	if typ == inode.T_DIR {
		e.ic.Ilock(child)
		names, _, _, lerr2 := e.listEntries(child)
		child.Iunlock()
		if lerr2 != 0 {
			e.ic.Iput(child)
			return errors.Errorf("snapshot: delete: listing %q: errno %d", name, lerr2)
		}
		for _, n := range names {
			if err := e.removeTree(child, n); err != nil {
				e.ic.Iput(child)
				return err
			}
		}
	}
	e.ic.Iput(child)

	e.log.Begin_op()
	e.ic.Ilock(parent)
	uerr := e.ic.Unlink(parent, name, typ == inode.T_DIR)
	parent.Iunlock()
	e.log.End_op()
	if uerr != 0 {
		return errors.Errorf("snapshot: delete: unlink %q: errno %d", name, uerr)
	}
	return nil
}

// listEntries reads every non-empty directory entry of dp (which the
// caller must hold locked), skipping "." and "..".
func (e *Engine) listEntries(dp *inode.Inode_t) ([]ustr.Ustr, []int, []int16, defs.Err_t) {
	var names []ustr.Ustr
	var inums []int
	var types []int16
	buf := make([]byte, 16) // inode.direntSize is unexported; 2+DIRSIZ == 16
	for off := 0; off < int(dp.Size); off += 16 {
		n, err := e.ic.Readi(dp, buf, off)
		if err != 0 {
			return nil, nil, nil, err
		}
		if n != 16 {
			break
		}
		inum := int(binary.LittleEndian.Uint16(buf[0:2]))
		if inum == 0 {
			continue
		}
		name := trimTrailingNul(buf[2:16])
		if string(name) == "." || string(name) == ".." {
			continue
		}
		child := e.ic.Iget(inum)
		e.ic.Ilock(child)
		typ := child.Typ
		child.Iunlock()
		e.ic.Iput(child)

		names = append(names, ustr.Ustr(append([]byte(nil), name...)))
		inums = append(inums, inum)
		types = append(types, typ)
	}
	return names, inums, types, 0
}

func trimTrailingNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
