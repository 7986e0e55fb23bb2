// Command mkfs formats a fresh disk image and, optionally, populates it
// from a host skeleton directory. Grounded on biscuit's
// biscuit/src/mkfs/mkfs.go (the copydata/addfiles walk and its
// MkDisk/BootFS/ShutdownFS bracket), adapted to this repo's standalone
// balloc/inode/snapshot/blockio stack rather than biscuit's single fs
// package.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"balloc"
	"blockio"
	"inode"
	"mem"
	"snapshot"
	"ustr"
)

const (
	defaultNlog      = 1024
	defaultNinodes   = 3200
	defaultNdata     = 40000
	defaultCacheSize = 512
)

func main() {
	out := flag.String("o", "", "output disk image path (required)")
	ninodes := flag.Int("ninodes", defaultNinodes, "number of inode slots")
	ndata := flag.Int("ndata", defaultNdata, "number of data blocks")
	nlog := flag.Int("nlog", defaultNlog, "number of log blocks")
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: mkfs -o <image> [-ninodes N] [-ndata N] [-nlog N] [skeldir]")
		os.Exit(1)
	}

	var skeldir string
	if flag.NArg() > 0 {
		skeldir = flag.Arg(0)
	}

	if err := format(*out, *ninodes, *ndata, *nlog, skeldir); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

// layout bundles the block-address arithmetic every on-disk structure
// is built from, mirroring the fixed super-block geometry
// original_source/mkfs.c computes before it ever touches a buffer.
type layout struct {
	logstart      int
	nlog          int
	inodestart    int
	inodeblocks   int
	ninodes       int
	bmapstart     int
	bmaplen       int
	datastart     int
	ndata         int
	snapmetablock int
	total         int
}

func computeLayout(ninodes, ndata, nlog int) layout {
	var l layout
	l.logstart = 2 // block 0 unused, block 1 is the superblock
	l.nlog = nlog
	l.inodestart = l.logstart + l.nlog
	l.ninodes = ninodes
	l.inodeblocks = (ninodes + inode.IPB - 1) / inode.IPB
	l.bmapstart = l.inodestart + l.inodeblocks
	l.bmaplen = (ndata + balloc.BPB - 1) / balloc.BPB
	l.datastart = l.bmapstart + l.bmaplen
	l.ndata = ndata
	l.snapmetablock = l.datastart + ndata
	l.total = l.snapmetablock + 1
	return l
}

func format(path string, ninodes, ndata, nlog int, skeldir string) error {
	l := computeLayout(ninodes, ndata, nlog)

	disk, err := blockio.CreateFileDisk(path, l.total)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer disk.Close()

	bm := blockio.PhysBlockmem{Phys: mem.Phys_init(defaultCacheSize)}
	cache := blockio.MkCache(defaultCacheSize, bm, disk)
	log := blockio.MkLog(l.logstart, l.nlog, disk, bm)

	// eng is wired into alloc/ic's pinned hooks via this forwarding
	// closure, since snapshot.New itself needs alloc and ic to already
	// exist — the same three-way tie every mount of this filesystem
	// must establish.
	var eng *snapshot.Engine
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

	alloc := balloc.New(l.bmapstart, l.bmaplen, l.datastart, l.datastart+l.ndata, cache, log, pinned)
	// CreateFileDisk truncates path to all-zero bytes, so the bitmap
	// blocks Load reads back are all-clear: every data block starts
	// free with no separate format step required.
	alloc.Load()

	ic := inode.New(l.inodestart, l.ninodes, cache, alloc, log, pinned, unpin)
	eng = snapshot.New(ic, alloc, log, cache, l.snapmetablock, 1, l.ndata)

	log.Begin_op()
	root, errc := ic.Ialloc(inode.T_DIR)
	if errc != 0 {
		log.End_op()
		return fmt.Errorf("allocate root inode: %v", errc)
	}
	ic.Ilock(root)
	root.Nlink = 1
	ic.Iupdate(root)
	if e := ic.Dirlink(root, ustr.MkUstrDot(), root.Inum); e != 0 {
		return fmt.Errorf("link root .: %v", e)
	}
	if e := ic.Dirlink(root, ustr.DotDot, root.Inum); e != 0 {
		return fmt.Errorf("link root ..: %v", e)
	}
	root.Iunlock()
	log.End_op()

	if skeldir != "" {
		if err := addSkeleton(ic, log, root, skeldir); err != nil {
			return fmt.Errorf("populate skeleton %q: %w", skeldir, err)
		}
	}

	sb := &blockio.Superblock_t{
		Size:          uint32(l.total),
		Nlog:          uint32(l.nlog),
		Logstart:      uint32(l.logstart),
		Inodestart:    uint32(l.inodestart),
		Ninodes:       uint32(l.ninodes),
		Bmapstart:     uint32(l.bmapstart),
		Bmaplen:       uint32(l.bmaplen),
		SnapMetaBlock: uint32(l.snapmetablock),
		Root:          uint32(root.Inum),
	}
	sbBlk := blockio.MkBlock_newpage(1, "superblock", bm, disk, nil)
	copy(sbBlk.Data[:], sb.Bytes())
	sbBlk.Write()

	fmt.Printf("mkfs: wrote %s (%d blocks, %d inodes, %d data blocks)\n", path, l.total, l.ninodes, l.ndata)
	return nil
}

// addSkeleton walks skeldir on the host and replicates its files and
// directories into the image, grounded on biscuit's mkfs.go
// addfiles/copydata walk.
func addSkeleton(ic *inode.Icache, log *blockio.Log_t, root *inode.Inode_t, skeldir string) error {
	dirs := map[string]*inode.Inode_t{"": root}

	return filepath.WalkDir(skeldir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(skeldir, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}

		parentRel := filepath.Dir(rel)
		if parentRel == "." {
			parentRel = ""
		}
		parent, ok := dirs[parentRel]
		if !ok {
			return fmt.Errorf("no parent inode tracked for %q", rel)
		}
		name := ustr.Ustr(filepath.Base(rel))

		if d.IsDir() {
			log.Begin_op()
			ic.Ilock(parent)
			child, errc := ic.Create(parent, name, inode.T_DIR, 0, 0)
			parent.Iunlock()
			if errc != 0 {
				log.End_op()
				return fmt.Errorf("create dir %q: %v", rel, errc)
			}
			child.Iunlock()
			log.End_op()
			dirs[rel] = child
			return nil
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}

		log.Begin_op()
		ic.Ilock(parent)
		child, errc := ic.Create(parent, name, inode.T_FILE, 0, 0)
		parent.Iunlock()
		if errc != 0 {
			log.End_op()
			return fmt.Errorf("create file %q: %v", rel, errc)
		}
		if _, werr := ic.Writei(child, data, 0); werr != 0 {
			child.Iunlock()
			log.End_op()
			return fmt.Errorf("write file %q: %v", rel, werr)
		}
		child.Iunlock()
		log.End_op()
		return nil
	})
}
