package snapshot

import (
	"testing"

	"balloc"
	"blockio"
	"inode"
	"mem"
	"ustr"
)

type harness struct {
	ic    *inode.Icache
	log   *blockio.Log_t
	alloc *balloc.Alloc_t
	eng   *Engine
	root  *inode.Inode_t
}

func newHarness(t *testing.T, ninodes, ndata int) *harness {
	t.Helper()
	const inodeStart = 10
	inodeBlocks := (ninodes + inode.IPB - 1) / inode.IPB
	bitmapStart := inodeStart + inodeBlocks
	bitmapLen := (ndata + balloc.BPB - 1) / balloc.BPB
	if bitmapLen == 0 {
		bitmapLen = 1
	}
	dataStart := bitmapStart + bitmapLen
	metaStart := dataStart + ndata
	metaLen := 1

	phys := mem.Phys_init(256)
	bm := blockio.PhysBlockmem{Phys: phys}
	disk := blockio.NewMemDisk(metaStart + metaLen + 10)
	cache := blockio.MkCache(128, bm, disk)
	log := blockio.MkLog(2, 6, disk, bm)

	h := &harness{log: log}
	var eng *Engine
	pinned := func(bn int) bool {
		if eng == nil {
			return false
		}
		return eng.Pinned(bn)
	}
	unpin := func(bn int) {
		if eng != nil {
			eng.Unpin(bn)
		}
	}
	h.alloc = balloc.New(bitmapStart, bitmapLen, dataStart, dataStart+ndata, cache, log, pinned)
	h.alloc.Load()
	h.ic = inode.New(inodeStart, ninodes, cache, h.alloc, log, pinned, unpin)

	eng = New(h.ic, h.alloc, log, cache, metaStart, metaLen, ndata)
	h.eng = eng

	h.log.Begin_op()
	root, err := h.ic.Ialloc(inode.T_DIR)
	if err != 0 {
		t.Fatalf("ialloc root: %d", err)
	}
	h.ic.Ilock(root)
	root.Nlink = 1
	h.ic.Iupdate(root)
	root.Iunlock()
	h.log.End_op()
	h.root = root

	return h
}

func (h *harness) mkfile(t *testing.T, name string, content string) {
	t.Helper()
	h.log.Begin_op()
	h.ic.Ilock(h.root)
	child, err := h.ic.Create(h.root, ustr.Ustr(name), inode.T_FILE, 0, 0)
	if err != 0 {
		h.root.Iunlock()
		h.log.End_op()
		t.Fatalf("create %q: %d", name, err)
	}
	if _, werr := h.ic.Writei(child, []byte(content), 0); werr != 0 {
		t.Fatalf("write %q: %d", name, werr)
	}
	child.Iunlock()
	h.ic.Iput(child)
	h.root.Iunlock()
	h.log.End_op()
}

func TestSnapshotCreateMirrorsFile(t *testing.T) {
	h := newHarness(t, 32, 64)
	h.mkfile(t, "hello", "snapshot me")

	id, err := h.eng.Create(h.root)
	if err != nil {
		t.Fatalf("snapshot create: %v", err)
	}

	h.ic.Ilock(h.root)
	snapdirIno, _, derr := h.ic.Dirlookup(h.root, DirName)
	h.root.Iunlock()
	if derr != 0 {
		t.Fatalf("missing /snapshot: %d", derr)
	}

	h.ic.Ilock(snapdirIno)
	idDirIno, _, derr2 := h.ic.Dirlookup(snapdirIno, hexName(id))
	snapdirIno.Iunlock()
	h.ic.Iput(snapdirIno)
	if derr2 != 0 {
		t.Fatalf("missing snapshot %x: %d", id, derr2)
	}

	h.ic.Ilock(idDirIno)
	mirrored, _, derr3 := h.ic.Dirlookup(idDirIno, ustr.Ustr("hello"))
	idDirIno.Iunlock()
	h.ic.Iput(idDirIno)
	if derr3 != 0 {
		t.Fatalf("mirrored hello missing: %d", derr3)
	}

	h.ic.Ilock(mirrored)
	buf := make([]byte, len("snapshot me"))
	n, rerr := h.ic.Readi(mirrored, buf, 0)
	mirrored.Iunlock()
	h.ic.Iput(mirrored)
	if rerr != 0 || n != len(buf) || string(buf) != "snapshot me" {
		t.Fatalf("mirrored content mismatch: n=%d err=%d buf=%q", n, rerr, buf)
	}
}

func TestSnapshotPinsBlocksForCOW(t *testing.T) {
	h := newHarness(t, 32, 64)
	h.mkfile(t, "f", "v1")

	h.ic.Ilock(h.root)
	found, _, derr := h.ic.Dirlookup(h.root, ustr.Ustr("f"))
	h.root.Iunlock()
	if derr != 0 {
		t.Fatalf("lookup f: %d", derr)
	}
	h.ic.Ilock(found)
	origBlock := int(found.Addrs[0])
	found.Iunlock()
	h.ic.Iput(found)

	if _, err := h.eng.Create(h.root); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !h.eng.Pinned(origBlock) {
		t.Fatal("expected block to be pinned after snapshot create")
	}

	h.log.Begin_op()
	h.ic.Ilock(h.root)
	found, _, derr = h.ic.Dirlookup(h.root, ustr.Ustr("f"))
	h.root.Iunlock()
	if derr != 0 {
		t.Fatalf("lookup f again: %d", derr)
	}
	h.ic.Ilock(found)
	if _, werr := h.ic.Writei(found, []byte("v2"), 0); werr != 0 {
		t.Fatalf("cow write: %d", werr)
	}
	newBlock := int(found.Addrs[0])
	found.Iunlock()
	h.ic.Iput(found)
	h.log.End_op()

	if newBlock == origBlock {
		t.Fatal("expected writei to copy-on-write off a block shared with a snapshot")
	}
}

func TestSnapshotRollbackRestoresDeletedFile(t *testing.T) {
	h := newHarness(t, 32, 64)
	h.mkfile(t, "keepme", "payload")

	id, err := h.eng.Create(h.root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.log.Begin_op()
	h.ic.Ilock(h.root)
	if uerr := h.ic.Unlink(h.root, ustr.Ustr("keepme"), false); uerr != 0 {
		t.Fatalf("unlink: %d", uerr)
	}
	h.root.Iunlock()
	h.log.End_op()

	h.ic.Ilock(h.root)
	if _, _, derr := h.ic.Dirlookup(h.root, ustr.Ustr("keepme")); derr == 0 {
		t.Fatal("expected keepme to be gone before rollback")
	}
	h.root.Iunlock()

	if err := h.eng.Rollback(h.root, id); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	h.ic.Ilock(h.root)
	restored, _, derr := h.ic.Dirlookup(h.root, ustr.Ustr("keepme"))
	h.root.Iunlock()
	if derr != 0 {
		t.Fatalf("expected keepme restored: %d", derr)
	}
	h.ic.Ilock(restored)
	buf := make([]byte, len("payload"))
	n, rerr := h.ic.Readi(restored, buf, 0)
	restored.Iunlock()
	h.ic.Iput(restored)
	if rerr != 0 || string(buf[:n]) != "payload" {
		t.Fatalf("restored content mismatch: %q", buf[:n])
	}
}

func TestSnapshotDeleteKeepsBlocksPinned(t *testing.T) {
	h := newHarness(t, 32, 64)
	h.mkfile(t, "f", "data")

	h.ic.Ilock(h.root)
	found, _, derr := h.ic.Dirlookup(h.root, ustr.Ustr("f"))
	h.root.Iunlock()
	if derr != 0 {
		t.Fatalf("lookup f: %d", derr)
	}
	h.ic.Ilock(found)
	blk := int(found.Addrs[0])
	found.Iunlock()
	h.ic.Iput(found)

	id, err := h.eng.Create(h.root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.eng.Delete(h.root, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	h.ic.Ilock(h.root)
	snapdirIno, _, derr := h.ic.Dirlookup(h.root, DirName)
	if derr == 0 {
		h.ic.Ilock(snapdirIno)
		if _, _, derr2 := h.ic.Dirlookup(snapdirIno, hexName(id)); derr2 == 0 {
			t.Fatal("expected snapshot directory removed")
		}
		snapdirIno.Iunlock()
		h.ic.Iput(snapdirIno)
	}
	h.root.Iunlock()

	if !h.eng.Pinned(blk) {
		t.Fatal("expected block to remain pinned after snapshot delete (preserved original quirk)")
	}
}

func TestSnapshotCreateRefusesOnCapacity(t *testing.T) {
	h := newHarness(t, 4, 64)
	h.mkfile(t, "a", "x")
	h.mkfile(t, "b", "y")

	_, err := h.eng.Create(h.root)
	if err != ErrCapacity {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}
